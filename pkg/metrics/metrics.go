// Package metrics defines the Prometheus collectors for the workload and the
// control loop. All methods are safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "encindex"

// Metrics groups every collector.
type Metrics struct {
	// QueryLatency by workload template.
	QueryLatency *prometheus.HistogramVec

	// QueryErrors by workload template.
	QueryErrors *prometheus.CounterVec

	// Steps by action and outcome (ok, invalid, error).
	Steps *prometheus.CounterVec

	// Reward of the latest step.
	Reward prometheus.Gauge

	// Episodes completed.
	Episodes prometheus.Counter

	// EpisodeMeanLatency of the last completed episode, in seconds.
	EpisodeMeanLatency prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "query_duration_seconds",
			Help:      "Latency of workload queries in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"template"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "query_errors_total",
			Help:      "Total failed workload queries",
		}, []string{"template"}),

		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "env",
			Name:      "steps_total",
			Help:      "Total environment steps by action and outcome",
		}, []string{"action", "outcome"}),

		Reward: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "env",
			Name:      "last_reward",
			Help:      "Reward returned by the most recent step",
		}),

		Episodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "env",
			Name:      "episodes_total",
			Help:      "Total completed episodes",
		}),

		EpisodeMeanLatency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "env",
			Name:      "episode_mean_latency_seconds",
			Help:      "Mean query latency of the last completed episode",
		}),
	}
}

// ObserveQuery records one workload query.
func (m *Metrics) ObserveQuery(template string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.QueryErrors.WithLabelValues(template).Inc()
		return
	}
	m.QueryLatency.WithLabelValues(template).Observe(d.Seconds())
}

// Step outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// OutOfRangeAction labels every rejected action so callers cannot grow the
// series set.
const OutOfRangeAction = "out_of_range"

// ObserveStep records one environment step.
func (m *Metrics) ObserveStep(action int, outcome string, reward float64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(action)
	if outcome == OutcomeInvalid {
		label = OutOfRangeAction
	}
	m.Steps.WithLabelValues(label, outcome).Inc()
	if outcome == OutcomeOK {
		m.Reward.Set(reward)
	}
}

// ObserveEpisode records a completed episode.
func (m *Metrics) ObserveEpisode(meanLatency float64) {
	if m == nil {
		return
	}
	m.Episodes.Inc()
	m.EpisodeMeanLatency.Set(meanLatency)
}
