// Package env exposes index selection as an episodic environment: each step
// applies an index configuration, runs the query workload and rewards low
// mean latency.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opaque/encindex/pkg/episodelog"
	"github.com/opaque/encindex/pkg/index"
	"github.com/opaque/encindex/pkg/metrics"
	"github.com/opaque/encindex/pkg/workload"
)

var tracer = otel.Tracer("encindex.env")

var (
	// ErrInvalidAction is returned for an action outside [0, NumActions).
	ErrInvalidAction = index.ErrInvalidAction

	// ErrEpisodeOver is returned by Step after the episode terminated.
	ErrEpisodeOver = errors.New("episode is over, call Reset")

	// ErrNeedsReset is returned by Step after a failed step.
	ErrNeedsReset = errors.New("environment failed, call Reset")

	// ErrEpisodeLogSink is returned by the terminating Step when the episode
	// record could not be persisted. The StepResult is still valid.
	ErrEpisodeLogSink = episodelog.ErrSinkFailed
)

// DefaultMaxSteps is the episode length when Options.MaxSteps is unset.
const DefaultMaxSteps = 10

// State of the episode.
type State int

const (
	Ready State = iota
	Stepping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Stepping:
		return "stepping"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info keys of StepResult.Info.
const (
	InfoAvgQueryTime = "avg_query_time"
	InfoLatencies    = "latencies"
	InfoAction       = "action"
	InfoIndexes      = "indexes"
	InfoStep         = "step"
)

// Spec describes the action and observation spaces.
type Spec struct {
	NumActions      int     `json:"num_actions"`
	ObservationLow  float64 `json:"observation_low"`
	ObservationHigh float64 `json:"observation_high"`
	MaxSteps        int     `json:"max_steps"`
}

// StepResult is the outcome of one step. Observation is the mean query
// latency in seconds and Reward its negation.
type StepResult struct {
	Observation float64        `json:"observation"`
	Reward      float64        `json:"reward"`
	Terminated  bool           `json:"terminated"`
	Truncated   bool           `json:"truncated"`
	Info        map[string]any `json:"info,omitempty"`
}

// Interface is the environment contract shared by the in-process
// environment and the remote client.
type Interface interface {
	Spec(ctx context.Context) (Spec, error)
	Reset(ctx context.Context, seed *int64) (float64, error)
	Step(ctx context.Context, action int) (StepResult, error)
}

// Indexer applies actions. Implemented by *index.Controller.
type Indexer interface {
	ApplyAction(ctx context.Context, action int) (index.Configuration, error)
	NumActions() int
}

// Workload measures query latency. Implemented by *workload.Runner.
type Workload interface {
	Run(ctx context.Context) ([]time.Duration, error)
	Seed(seed int64)
}

// Options configures an Environment.
type Options struct {
	MaxSteps int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Environment is the in-process control loop. It is not safe for concurrent
// use; internal/service serialises remote callers.
type Environment struct {
	indexer  Indexer
	workload Workload
	log      *episodelog.Log
	maxSteps int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state       State
	steps       int
	observation float64
	runID       string
}

var _ Interface = (*Environment)(nil)

// New returns an environment in the Ready state. log may be nil.
func New(indexer Indexer, wl Workload, log *episodelog.Log, opts Options) *Environment {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if log == nil {
		log = episodelog.New(nil)
	}
	return &Environment{
		indexer:  indexer,
		workload: wl,
		log:      log,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		state:    Ready,
		runID:    uuid.NewString(),
	}
}

// Spec returns the action and observation spaces.
func (e *Environment) Spec(context.Context) (Spec, error) {
	return Spec{
		NumActions:      e.indexer.NumActions(),
		ObservationLow:  0,
		ObservationHigh: math.Inf(1),
		MaxSteps:        e.maxSteps,
	}, nil
}

// State returns the current state.
func (e *Environment) State() State { return e.state }

// Steps returns the number of steps taken in the current episode.
func (e *Environment) Steps() int { return e.steps }

// RunID identifies the current episode.
func (e *Environment) RunID() string { return e.runID }

// Log returns the episode log.
func (e *Environment) Log() *episodelog.Log { return e.log }

// Reset starts a new episode and returns the initial observation (0). A
// non-nil seed reseeds the workload's parameter sampler.
func (e *Environment) Reset(_ context.Context, seed *int64) (float64, error) {
	if seed != nil {
		e.workload.Seed(*seed)
	}
	e.steps = 0
	e.observation = 0
	e.state = Ready
	e.runID = uuid.NewString()

	e.logger.Debug("episode reset", "run_id", e.runID, "seeded", seed != nil)
	return e.observation, nil
}

// Step applies action, runs the workload and returns the reward. An invalid
// action leaves the environment unchanged. Any other failure moves it to
// Failed; no observation is produced for that step. The exception is
// ErrEpisodeLogSink: the episode terminated normally and the result is
// returned alongside the error.
func (e *Environment) Step(ctx context.Context, action int) (StepResult, error) {
	switch e.state {
	case Terminated:
		return StepResult{}, ErrEpisodeOver
	case Failed:
		return StepResult{}, ErrNeedsReset
	}

	ctx, span := tracer.Start(ctx, "env.Step", trace.WithAttributes(
		attribute.Int("env.action", action),
		attribute.Int("env.step", e.steps+1),
		attribute.String("env.run_id", e.runID),
	))
	defer span.End()

	if action < 0 || action >= e.indexer.NumActions() {
		e.metrics.ObserveStep(action, metrics.OutcomeInvalid, 0)
		return StepResult{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidAction, action, e.indexer.NumActions()-1)
	}

	cfg, err := e.indexer.ApplyAction(ctx, action)
	if err != nil {
		if errors.Is(err, ErrInvalidAction) {
			e.metrics.ObserveStep(action, metrics.OutcomeInvalid, 0)
			return StepResult{}, err
		}
		return StepResult{}, e.fail(span, action, err)
	}
	e.state = Stepping

	latencies, err := e.workload.Run(ctx)
	if err != nil {
		return StepResult{}, e.fail(span, action, err)
	}

	mean := workload.Mean(latencies)
	reward := -mean
	e.observation = mean
	e.steps++
	terminated := e.steps >= e.maxSteps

	seconds := make([]float64, len(latencies))
	for i, d := range latencies {
		seconds[i] = d.Seconds()
	}
	res := StepResult{
		Observation: mean,
		Reward:      reward,
		Terminated:  terminated,
		Info: map[string]any{
			InfoAvgQueryTime: mean,
			InfoLatencies:    seconds,
			InfoAction:       action,
			InfoIndexes:      cfg.Indexes,
			InfoStep:         e.steps,
		},
	}

	e.metrics.ObserveStep(action, metrics.OutcomeOK, reward)
	span.SetAttributes(attribute.Float64("env.reward", reward))
	e.logger.Debug("step",
		"run_id", e.runID,
		"step", e.steps,
		"action", action,
		"avg_query_time", mean)

	if terminated {
		e.state = Terminated
		rec, err := e.log.Append(episodelog.Record{
			RunID:       e.runID,
			Steps:       e.steps,
			Action:      action,
			Latencies:   latencies,
			MeanLatency: mean,
			Reward:      reward,
		})
		e.metrics.ObserveEpisode(mean)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("failed to persist episode", "run_id", e.runID, "episode", rec.Episode, "error", err)
			return res, fmt.Errorf("persist episode %d: %w", rec.Episode, err)
		}
		e.logger.Info("episode finished",
			"run_id", e.runID,
			"episode", rec.Episode,
			"steps", e.steps,
			"avg_query_time", mean)
	}

	return res, nil
}

func (e *Environment) fail(span trace.Span, action int, err error) error {
	e.state = Failed
	e.metrics.ObserveStep(action, metrics.OutcomeError, 0)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("step failed", "run_id", e.runID, "action", action, "error", err)
	return fmt.Errorf("step %d: %w", e.steps+1, err)
}
