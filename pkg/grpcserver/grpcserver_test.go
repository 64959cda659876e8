package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/env"
)

type fakeEnv struct {
	stepErr  error
	lastSeed *int64
	panics   bool
}

func (f *fakeEnv) Spec(context.Context) (env.Spec, error) {
	return env.Spec{NumActions: 7, ObservationHigh: math.Inf(1), MaxSteps: 10}, nil
}

func (f *fakeEnv) Reset(_ context.Context, seed *int64) (float64, error) {
	f.lastSeed = seed
	return 0, nil
}

func (f *fakeEnv) Step(_ context.Context, action int) (env.StepResult, error) {
	if f.panics {
		panic("boom")
	}
	if f.stepErr != nil {
		return env.StepResult{}, f.stepErr
	}
	return env.StepResult{
		Observation: 0.25,
		Reward:      -0.25,
		Info: map[string]any{
			env.InfoAvgQueryTime: 0.25,
			env.InfoLatencies:    []float64{0.2, 0.3},
			env.InfoAction:       action,
			env.InfoIndexes:      []string{"idx_medinc"},
			env.InfoStep:         1,
		},
	}, nil
}

func dial(t *testing.T, e env.Interface) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gs := NewGRPCServer(New(e), logger)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_Direct(t *testing.T) {
	fe := &fakeEnv{}
	srv := New(fe)
	ctx := context.Background()

	spec, err := srv.Spec(ctx, &SpecRequest{})
	require.NoError(t, err)
	assert.Equal(t, 7, spec.NumActions)
	assert.Nil(t, spec.ObservationHigh)

	seed := int64(5)
	_, err = srv.Reset(ctx, &ResetRequest{Seed: &seed})
	require.NoError(t, err)
	require.NotNil(t, fe.lastSeed)
	assert.EqualValues(t, 5, *fe.lastSeed)

	res, err := srv.Step(ctx, &StepRequest{Action: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Info.Action)
	assert.Equal(t, []string{"idx_medinc"}, res.Info.Indexes)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: 9", env.ErrInvalidAction), codes.InvalidArgument},
		{env.ErrEpisodeOver, codes.FailedPrecondition},
		{fmt.Errorf("step 1: %w", env.ErrNeedsReset), codes.FailedPrecondition},
		{fmt.Errorf("step 2: %w", store.ErrStoreUnavailable), codes.Unavailable},
		{fmt.Errorf("persist episode 1: %w", env.ErrEpisodeLogSink), codes.DataLoss},
		{context.Canceled, codes.Canceled},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(mapError(tc.err)), tc.err.Error())
	}
	assert.NoError(t, mapError(nil))
}

func TestSpecConversion(t *testing.T) {
	s := env.Spec{NumActions: 3, ObservationHigh: math.Inf(1), MaxSteps: 4}
	assert.Equal(t, s, FromSpec(s).ToSpec())

	bounded := env.Spec{NumActions: 3, ObservationHigh: 2.5, MaxSteps: 4}
	assert.Equal(t, bounded, FromSpec(bounded).ToSpec())
}

func TestServer_OverBufconn(t *testing.T) {
	fe := &fakeEnv{}
	conn := dial(t, fe)
	ctx := context.Background()

	var spec SpecResponse
	require.NoError(t, conn.Invoke(ctx, SpecMethod, &SpecRequest{}, &spec))
	assert.Equal(t, 7, spec.NumActions)
	assert.True(t, math.IsInf(spec.ToSpec().ObservationHigh, 1))

	var step StepResponse
	require.NoError(t, conn.Invoke(ctx, StepMethod, &StepRequest{Action: 2}, &step))
	res := step.ToStepResult()
	assert.InDelta(t, -0.25, res.Reward, 1e-12)
	assert.Equal(t, 2, res.Info[env.InfoAction])
	assert.Equal(t, []float64{0.2, 0.3}, res.Info[env.InfoLatencies])

	fe.stepErr = fmt.Errorf("%w: 9", env.ErrInvalidAction)
	err := conn.Invoke(ctx, StepMethod, &StepRequest{Action: 9}, &step)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_RecoversPanics(t *testing.T) {
	conn := dial(t, &fakeEnv{panics: true})

	var step StepResponse
	err := conn.Invoke(context.Background(), StepMethod, &StepRequest{}, &step)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestLoadTLSCredentials_Missing(t *testing.T) {
	_, err := LoadTLSCredentials("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}
