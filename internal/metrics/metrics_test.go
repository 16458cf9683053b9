package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttleq/internal/task/engine"
)

func TestObserveCountsOutcomes(t *testing.T) {
	s, err := engine.New(engine.WithExecutors(1), engine.WithTimeout(0))
	require.NoError(t, err)
	m := New()
	off := m.Observe(s)
	defer off()

	require.NoError(t, s.Enqueue(func(context.Context) (any, error) { return 1, nil }, "a"))
	require.NoError(t, s.Enqueue(func(context.Context) (any, error) { return nil, errors.New("x") }, "b"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.finished.WithLabelValues("resolved"))+
			testutil.ToFloat64(m.finished.WithLabelValues("rejected")) == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.started))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("rejected")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.cycles), 1.0)
}

func TestGaugesReadSnapshot(t *testing.T) {
	s, err := engine.New(engine.WithExecutors(3), engine.WithTimeout(time.Hour))
	require.NoError(t, err)
	m := New()
	defer m.Observe(s)()

	release := make(chan struct{})
	defer close(release)
	block := func(context.Context) (any, error) { <-release; return nil, nil }
	require.NoError(t, s.Enqueue(block, "first"))
	require.NoError(t, s.Enqueue(block, "second"))
	require.NoError(t, s.Enqueue(block, "third"))

	// First start is immediate; the hour-long gate holds the rest.
	require.Eventually(t, func() bool { return s.Snapshot().Running == 1 }, 3*time.Second, 5*time.Millisecond)

	expected := `
# HELP throttleq_backlog_size Tasks waiting in the backlog.
# TYPE throttleq_backlog_size gauge
throttleq_backlog_size 2
# HELP throttleq_executors Configured executor slots.
# TYPE throttleq_executors gauge
throttleq_executors 3
# HELP throttleq_running_tasks Tasks currently in flight.
# TYPE throttleq_running_tasks gauge
throttleq_running_tasks 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"throttleq_backlog_size", "throttleq_executors", "throttleq_running_tasks"))

	s.Stop()
	assert.Equal(t, 2.0, gatherValue(t, m, "throttleq_tasks_dropped_total"))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.started.Inc()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "throttleq_tasks_started_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func gatherValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, mt := range mf.GetMetric() {
			if c := mt.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := mt.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
