// Package service implements the environment service behind the gRPC server.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/opaque/encindex/pkg/env"
)

// RowCounter reports the number of encrypted rows. Implemented by
// *store.Store.
type RowCounter interface {
	Count(ctx context.Context) (int64, error)
}

// EnvService serialises access to one environment. The environment itself is
// single-threaded; concurrent RPCs queue on the mutex.
type EnvService struct {
	env  *env.Environment
	rows RowCounter

	mu sync.Mutex
}

// NewEnvService wraps e. rows may be nil.
func NewEnvService(e *env.Environment, rows RowCounter) *EnvService {
	return &EnvService{env: e, rows: rows}
}

// Spec returns the action and observation spaces.
func (s *EnvService) Spec(ctx context.Context) (env.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.Spec(ctx)
}

// Reset starts a new episode.
func (s *EnvService) Reset(ctx context.Context, seed *int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.Reset(ctx, seed)
}

// Step applies one action.
func (s *EnvService) Step(ctx context.Context, action int) (env.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.Step(ctx, action)
}

// Health is a snapshot of the service state.
type Health struct {
	Healthy  bool
	Message  string
	State    string
	Steps    int
	Episodes int
	Rows     int64
}

// HealthCheck returns service health status. The service is unhealthy when
// the environment failed or the store cannot be read.
func (s *EnvService) HealthCheck(ctx context.Context) Health {
	s.mu.Lock()
	h := Health{
		Healthy:  true,
		Message:  "ok",
		State:    s.env.State().String(),
		Steps:    s.env.Steps(),
		Episodes: s.env.Log().Len(),
	}
	failed := s.env.State() == env.Failed
	s.mu.Unlock()

	if failed {
		h.Healthy = false
		h.Message = "environment failed, reset required"
	}
	if s.rows != nil {
		n, err := s.rows.Count(ctx)
		if err != nil {
			h.Healthy = false
			h.Message = fmt.Sprintf("store: %v", err)
		}
		h.Rows = n
	}
	return h
}

var _ env.Interface = (*EnvService)(nil)
