// Package client provides a remote environment client over gRPC.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/env"
	"github.com/opaque/encindex/pkg/grpcserver"
)

// RemoteClient drives an environment served by grpcserver. It implements
// env.Interface, so env.Check and training loops work against it unchanged.
type RemoteClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

var _ env.Interface = (*RemoteClient)(nil)

// RemoteClientConfig holds configuration for the remote client.
type RemoteClientConfig struct {
	Addr string
	// Timeout bounds each call. Steps run a full workload, so keep it
	// generous.
	Timeout time.Duration
	// TLS enables transport security. Servers require TLS 1.3.
	TLS bool
}

// DefaultRemoteClientConfig returns sensible defaults.
func DefaultRemoteClientConfig() RemoteClientConfig {
	return RemoteClientConfig{
		Addr:    "localhost:50051",
		Timeout: 5 * time.Minute,
	}
}

// Dial connects to the server at cfg.Addr. Extra dial options are appended.
func Dial(cfg RemoteClientConfig, opts ...grpc.DialOption) (*RemoteClient, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(nil)
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(grpcserver.Codec{})),
	}
	conn, err := grpc.NewClient(cfg.Addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	c := NewRemoteClient(conn, cfg.Timeout)
	c.closer = conn.Close
	return c, nil
}

// NewRemoteClient wraps an existing connection. The connection must use
// grpcserver.Codec.
func NewRemoteClient(conn grpc.ClientConnInterface, timeout time.Duration) *RemoteClient {
	return &RemoteClient{conn: conn, timeout: timeout}
}

// Close closes the connection if Dial created it.
func (c *RemoteClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *RemoteClient) Spec(ctx context.Context) (env.Spec, error) {
	var resp grpcserver.SpecResponse
	if err := c.invoke(ctx, grpcserver.SpecMethod, &grpcserver.SpecRequest{}, &resp); err != nil {
		return env.Spec{}, err
	}
	return resp.ToSpec(), nil
}

func (c *RemoteClient) Reset(ctx context.Context, seed *int64) (float64, error) {
	var resp grpcserver.ResetResponse
	if err := c.invoke(ctx, grpcserver.ResetMethod, &grpcserver.ResetRequest{Seed: seed}, &resp); err != nil {
		return 0, err
	}
	return resp.Observation, nil
}

func (c *RemoteClient) Step(ctx context.Context, action int) (env.StepResult, error) {
	var resp grpcserver.StepResponse
	if err := c.invoke(ctx, grpcserver.StepMethod, &grpcserver.StepRequest{Action: action}, &resp); err != nil {
		return env.StepResult{}, err
	}
	return resp.ToStepResult(), nil
}

func (c *RemoteClient) invoke(ctx context.Context, method string, req, resp any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return unmapError(c.conn.Invoke(ctx, method, req, resp))
}

// unmapError restores the env sentinel errors from gRPC status codes.
func unmapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = env.ErrInvalidAction
	case codes.FailedPrecondition:
		sentinel = env.ErrNeedsReset
		if strings.Contains(st.Message(), env.ErrEpisodeOver.Error()) {
			sentinel = env.ErrEpisodeOver
		}
	case codes.Unavailable:
		sentinel = store.ErrStoreUnavailable
	case codes.DataLoss:
		sentinel = env.ErrEpisodeLogSink
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return &remoteError{sentinel: sentinel, status: err}
}

// remoteError matches both the sentinel and the original status error.
type remoteError struct {
	sentinel error
	status   error
}

func (e *remoteError) Error() string { return e.status.Error() }

func (e *remoteError) Is(target error) bool { return errors.Is(e.sentinel, target) }

func (e *remoteError) Unwrap() error { return e.status }
