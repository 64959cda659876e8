package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/aggregate"
	"github.com/opaque/encindex/pkg/crypto"
	"github.com/opaque/encindex/pkg/env"
	"github.com/opaque/encindex/pkg/episodelog"
	"github.com/opaque/encindex/pkg/index"
	"github.com/opaque/encindex/pkg/metrics"
	"github.com/opaque/encindex/pkg/workload"
)

// openStore loads the public key material and opens the encrypted table
// with the homomorphic aggregate bound to it.
func (a *app) openStore(ctx context.Context) (*store.Store, *crypto.Context, error) {
	cc, err := crypto.Load(a.cfg.Keys.Files())
	if err != nil {
		return nil, nil, fmt.Errorf("load keys from %s: %w", a.cfg.Keys.Dir, err)
	}
	s, err := store.Open(ctx, store.Options{
		Path:        a.cfg.Store.Path,
		BusyTimeout: a.cfg.Store.BusyTimeout,
		Retry: store.RetryPolicy{
			MaxAttempts: a.cfg.Store.Retry.MaxAttempts,
			Backoff:     a.cfg.Store.Retry.Backoff,
		},
		Aggregator: aggregate.NewHomomorphicSum(cc),
		Logger:     a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, cc, nil
}

// stack is an environment over an open store.
type stack struct {
	store *store.Store
	env   *env.Environment
	sink  *episodelog.CSVSink
}

func (s *stack) Close() error {
	var errs []error
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func (a *app) openStack(ctx context.Context, m *metrics.Metrics) (*stack, error) {
	s, _, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	st := &stack{store: s}

	ctrl, err := index.NewController(s, nil, a.logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	seed := a.cfg.Env.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runner, err := workload.NewRunner(s, nil, workload.Options{
		Seed:    seed,
		Metrics: m,
		Logger:  a.logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	var sink episodelog.Sink
	if path := a.cfg.EpisodeLog.Path; path != "" {
		csv, err := episodelog.OpenCSV(path)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.sink = csv
		sink = csv
	}

	st.env = env.New(ctrl, runner, episodelog.New(sink), env.Options{
		MaxSteps: a.cfg.Env.MaxSteps,
		Logger:   a.logger,
		Metrics:  m,
	})
	return st, nil
}
