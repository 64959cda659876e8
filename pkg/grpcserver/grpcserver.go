// Package grpcserver exposes an environment over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/env"
)

// Server implements IndexEnvServer by delegating to an environment. The
// environment must be safe for concurrent use (see service.EnvService).
type Server struct {
	env env.Interface
}

// New creates a gRPC server backed by e.
func New(e env.Interface) *Server {
	return &Server{env: e}
}

var _ IndexEnvServer = (*Server)(nil)

func (s *Server) Spec(ctx context.Context, _ *SpecRequest) (*SpecResponse, error) {
	spec, err := s.env.Spec(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return FromSpec(spec), nil
}

func (s *Server) Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	obs, err := s.env.Reset(ctx, req.Seed)
	if err != nil {
		return nil, mapError(err)
	}
	return &ResetResponse{Observation: obs}, nil
}

func (s *Server) Step(ctx context.Context, req *StepRequest) (*StepResponse, error) {
	res, err := s.env.Step(ctx, req.Action)
	if err != nil {
		return nil, mapError(err)
	}
	return FromStepResult(res), nil
}

// NewGRPCServer returns a grpc.Server with the JSON codec, the recovery and
// logging interceptors and srv registered. Extra options are appended.
func NewGRPCServer(srv *Server, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			LoggingStreamInterceptor(logger),
		),
	}
	gs := grpc.NewServer(append(base, opts...)...)
	RegisterIndexEnvServer(gs, srv)
	return gs
}

// mapError converts environment errors to gRPC status errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, env.ErrEpisodeLogSink):
		return status.Error(codes.DataLoss, msg)
	case errors.Is(err, env.ErrInvalidAction):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, env.ErrEpisodeOver), errors.Is(err, env.ErrNeedsReset):
		return status.Error(codes.FailedPrecondition, msg)
	case errors.Is(err, store.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
