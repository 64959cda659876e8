package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/encindex/internal/service"
	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/env"
	"github.com/opaque/encindex/pkg/episodelog"
	"github.com/opaque/encindex/pkg/grpcserver"
	"github.com/opaque/encindex/pkg/index"
)

type fakeIndexer struct{ err error }

func (fakeIndexer) NumActions() int { return 7 }

func (f fakeIndexer) ApplyAction(_ context.Context, action int) (index.Configuration, error) {
	if f.err != nil {
		return index.Configuration{}, f.err
	}
	return index.Configuration{Action: action, Indexes: []string{"idx_medinc"}}, nil
}

type fakeWorkload struct{}

func (fakeWorkload) Run(context.Context) ([]time.Duration, error) {
	return []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, nil
}
func (fakeWorkload) Seed(int64) {}

func newRemote(t *testing.T, ix env.Indexer, maxSteps int) *RemoteClient {
	t.Helper()
	return newRemoteWithLog(t, ix, nil, maxSteps)
}

func newRemoteWithLog(t *testing.T, ix env.Indexer, log *episodelog.Log, maxSteps int) *RemoteClient {
	t.Helper()
	e := env.New(ix, fakeWorkload{}, log, env.Options{MaxSteps: maxSteps})
	svc := service.NewEnvService(e, nil)

	lis := bufconn.Listen(1 << 20)
	gs := grpcserver.NewGRPCServer(grpcserver.New(svc), slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cfg := DefaultRemoteClientConfig()
	cfg.Addr = "passthrough:///bufnet"
	c, err := Dial(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteClient_Check(t *testing.T) {
	c := newRemote(t, fakeIndexer{}, 2)
	require.NoError(t, env.Check(context.Background(), c))
}

func TestRemoteClient_Episode(t *testing.T) {
	c := newRemote(t, fakeIndexer{}, 2)
	ctx := context.Background()

	spec, err := c.Spec(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, spec.NumActions)
	assert.Equal(t, 2, spec.MaxSteps)
	assert.True(t, math.IsInf(spec.ObservationHigh, 1))

	seed := int64(3)
	obs, err := c.Reset(ctx, &seed)
	require.NoError(t, err)
	assert.Zero(t, obs)

	res, err := c.Step(ctx, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, res.Observation, 1e-9)
	assert.InDelta(t, -0.15, res.Reward, 1e-9)
	assert.False(t, res.Terminated)
	assert.Equal(t, 4, res.Info[env.InfoAction])
	assert.Equal(t, []string{"idx_medinc"}, res.Info[env.InfoIndexes])
	assert.Equal(t, 1, res.Info[env.InfoStep])

	res, err = c.Step(ctx, 4)
	require.NoError(t, err)
	assert.True(t, res.Terminated)

	_, err = c.Step(ctx, 4)
	assert.ErrorIs(t, err, env.ErrEpisodeOver)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestRemoteClient_Errors(t *testing.T) {
	ctx := context.Background()

	c := newRemote(t, fakeIndexer{}, 5)
	_, err := c.Step(ctx, 7)
	assert.ErrorIs(t, err, env.ErrInvalidAction)

	broken := newRemote(t, fakeIndexer{err: store.ErrStoreUnavailable}, 5)
	_, err = broken.Step(ctx, 1)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	_, err = broken.Step(ctx, 1)
	assert.ErrorIs(t, err, env.ErrNeedsReset)
	assert.NotErrorIs(t, err, env.ErrEpisodeOver)
}

type failingSink struct{}

func (failingSink) Write(episodelog.Record) error { return errors.New("disk full") }

func TestRemoteClient_EpisodeLogSinkFailure(t *testing.T) {
	c := newRemoteWithLog(t, fakeIndexer{}, episodelog.New(failingSink{}), 1)

	_, err := c.Step(context.Background(), 2)
	assert.ErrorIs(t, err, env.ErrEpisodeLogSink)
	assert.Equal(t, codes.DataLoss, status.Code(err))

	_, err = c.Step(context.Background(), 2)
	assert.ErrorIs(t, err, env.ErrEpisodeOver)
}

func TestUnmapError_Passthrough(t *testing.T) {
	assert.NoError(t, unmapError(nil))

	internal := status.Error(codes.Internal, "boom")
	assert.Equal(t, internal, unmapError(internal))
}
