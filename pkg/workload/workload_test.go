package workload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/encindex/internal/dataset"
	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/aggregate"
	"github.com/opaque/encindex/pkg/codec"
	"github.com/opaque/encindex/pkg/crypto"
	"github.com/opaque/encindex/pkg/metrics"
)

type call struct {
	query string
	args  []any
}

type fakeExecutor struct {
	calls  []call
	failAt int
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, query string, args ...any) (*store.Result, error) {
	f.calls = append(f.calls, call{query: query, args: args})
	if f.err != nil && len(f.calls) == f.failAt {
		return nil, f.err
	}
	return &store.Result{Duration: time.Duration(len(f.calls)) * time.Millisecond}, nil
}

func TestDefaultTemplatesValid(t *testing.T) {
	templates := DefaultTemplates()
	require.Len(t, templates, 6)
	for _, tpl := range templates {
		assert.NoError(t, tpl.Validate(), tpl.Name)
	}
}

func TestTemplateValidate(t *testing.T) {
	assert.Error(t, Template{Name: "a", SQL: "SELECT ?"}.Validate())
	assert.Error(t, Template{Name: "a", SQL: "SELECT ?", Ranges: []Range{{5, 1}}}.Validate())
	assert.Error(t, Template{SQL: "SELECT 1"}.Validate())
}

func TestRun_OrderAndLatencies(t *testing.T) {
	exec := &fakeExecutor{}
	r, err := NewRunner(exec, nil, Options{Seed: 1})
	require.NoError(t, err)

	latencies, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, latencies, 6)
	assert.Equal(t, []time.Duration{1e6, 2e6, 3e6, 4e6, 5e6, 6e6}, latencies)

	for i, tpl := range DefaultTemplates() {
		assert.Equal(t, tpl.SQL, exec.calls[i].query)
		require.Len(t, exec.calls[i].args, len(tpl.Ranges))
		for j, rg := range tpl.Ranges {
			v := exec.calls[i].args[j].(float64)
			assert.GreaterOrEqual(t, v, rg.Low)
			assert.Less(t, v, rg.High)
		}
	}
}

func TestSeed_Reproducible(t *testing.T) {
	a := &fakeExecutor{}
	b := &fakeExecutor{}
	ra, err := NewRunner(a, nil, Options{})
	require.NoError(t, err)
	rb, err := NewRunner(b, nil, Options{})
	require.NoError(t, err)

	ra.Seed(42)
	rb.Seed(42)
	_, err = ra.Run(context.Background())
	require.NoError(t, err)
	_, err = rb.Run(context.Background())
	require.NoError(t, err)

	for i := range a.calls {
		assert.Equal(t, a.calls[i].args, b.calls[i].args)
	}
}

func TestRun_AbortsOnFirstError(t *testing.T) {
	boom := errors.New("database is locked")
	exec := &fakeExecutor{failAt: 3, err: boom}
	m := metrics.New(prometheus.NewRegistry())

	r, err := NewRunner(exec, nil, Options{Metrics: m})
	require.NoError(t, err)

	latencies, err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, latencies)
	assert.Len(t, exec.calls, 3)

	failed := DefaultTemplates()[2].Name
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryErrors.WithLabelValues(failed)))
}

func TestMean(t *testing.T) {
	assert.Zero(t, Mean(nil))
	assert.InDelta(t, 0.002, Mean([]time.Duration{time.Millisecond, 3 * time.Millisecond}), 1e-12)
}

func TestRun_AgainstStore(t *testing.T) {
	ctx := context.Background()
	cc, err := crypto.Generate(crypto.PresetTest)
	require.NoError(t, err)

	s, err := store.Open(ctx, store.Options{
		Path:       ":memory:",
		Aggregator: aggregate.NewHomomorphicSum(cc),
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, dataset.Load(ctx, s, codec.New(cc), dataset.Build(4, 1), 0, nil))

	r, err := NewRunner(s, nil, Options{Seed: 7})
	require.NoError(t, err)

	latencies, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, latencies, 6)
	for _, d := range latencies {
		assert.Greater(t, int64(d), int64(0))
	}
}
