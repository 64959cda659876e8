// Package workload runs a fixed set of parameterised aggregate queries and
// reports per-query latency.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/metrics"
)

var tracer = otel.Tracer("encindex.workload")

// Range is a half-open interval [Low, High) parameters are drawn from.
type Range struct {
	Low  float64
	High float64
}

// Template is one query with a parameter range per placeholder.
type Template struct {
	Name   string
	SQL    string
	Ranges []Range
}

// Validate checks the placeholder count and ranges.
func (t Template) Validate() error {
	if t.Name == "" {
		return errors.New("template has no name")
	}
	if n := strings.Count(t.SQL, "?"); n != len(t.Ranges) {
		return fmt.Errorf("template %s has %d placeholders and %d ranges", t.Name, n, len(t.Ranges))
	}
	for i, r := range t.Ranges {
		if r.High < r.Low {
			return fmt.Errorf("template %s range %d is empty: [%v, %v)", t.Name, i, r.Low, r.High)
		}
	}
	return nil
}

// DefaultTemplates are the six homomorphic_sum queries over the housing table.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:   "medinc_by_house_age",
			SQL:    "SELECT homomorphic_sum(MedInc_enc) FROM housing_encrypted WHERE HouseAge_enc > ?",
			Ranges: []Range{{10, 50}},
		},
		{
			Name:   "population_by_rooms",
			SQL:    "SELECT homomorphic_sum(Population_enc) FROM housing_encrypted WHERE AveRooms_enc > ?",
			Ranges: []Range{{1, 10}},
		},
		{
			Name:   "occupancy_by_location",
			SQL:    "SELECT homomorphic_sum(AveOccup_enc) FROM housing_encrypted WHERE Longitude_enc > ? AND Latitude_enc < ?",
			Ranges: []Range{{-120, -115}, {32, 40}},
		},
		{
			Name:   "rooms_by_income_band",
			SQL:    "SELECT homomorphic_sum(AveRooms_enc) FROM housing_encrypted WHERE MedInc_enc BETWEEN ? AND ?",
			Ranges: []Range{{2, 3}, {8, 9}},
		},
		{
			Name:   "value_by_rooms_and_bedrooms",
			SQL:    "SELECT homomorphic_sum(MedHouseVal_enc) FROM housing_encrypted WHERE AveRooms_enc > ? AND AveBedrms_enc < ?",
			Ranges: []Range{{3, 6}, {1, 3}},
		},
		{
			Name:   "medinc_by_population_and_longitude",
			SQL:    "SELECT homomorphic_sum(MedInc_enc) FROM housing_encrypted WHERE Population_enc > ? AND Longitude_enc < ?",
			Ranges: []Range{{1000, 5000}, {-120, -115}},
		},
	}
}

// Executor runs one query and reports how long it took.
type Executor interface {
	Execute(ctx context.Context, query string, args ...any) (*store.Result, error)
}

// Options configures a Runner.
type Options struct {
	Seed    int64
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Runner executes every template once per pass. It is not safe for
// concurrent use.
type Runner struct {
	exec      Executor
	templates []Template
	rng       *rand.Rand
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRunner returns a runner over exec. A nil templates slice uses
// DefaultTemplates.
func NewRunner(exec Executor, templates []Template, opts Options) (*Runner, error) {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if len(templates) == 0 {
		return nil, errors.New("workload has no templates")
	}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		exec:      exec,
		templates: templates,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

// Seed makes subsequent parameter draws reproducible.
func (r *Runner) Seed(seed int64) {
	r.rng.Seed(seed)
}

// Templates returns the templates in execution order.
func (r *Runner) Templates() []Template {
	return r.templates
}

// Params draws fresh bounds for t.
func (r *Runner) Params(t Template) []any {
	args := make([]any, len(t.Ranges))
	for i, rg := range t.Ranges {
		args[i] = rg.Low + r.rng.Float64()*(rg.High-rg.Low)
	}
	return args
}

// Run executes every template once, in order, and returns their latencies.
// The first failing query aborts the pass.
func (r *Runner) Run(ctx context.Context) ([]time.Duration, error) {
	ctx, span := tracer.Start(ctx, "workload.Run")
	defer span.End()

	latencies := make([]time.Duration, 0, len(r.templates))
	for _, t := range r.templates {
		args := r.Params(t)
		res, err := r.exec.Execute(ctx, t.SQL, args...)
		if err != nil {
			r.metrics.ObserveQuery(t.Name, 0, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("query %s: %w", t.Name, err)
		}
		r.metrics.ObserveQuery(t.Name, res.Duration, nil)
		r.logger.Debug("query executed", "template", t.Name, "args", args, "duration", res.Duration)
		latencies = append(latencies, res.Duration)
	}

	span.SetAttributes(attribute.Int("workload.queries", len(latencies)))
	return latencies, nil
}

// Mean returns the arithmetic mean in seconds, or 0 for no samples.
func Mean(latencies []time.Duration) float64 {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	return total.Seconds() / float64(len(latencies))
}
