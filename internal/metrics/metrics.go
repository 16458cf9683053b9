// Package metrics exposes scheduler activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"throttleq/internal/task/engine"
)

const namespace = "throttleq"

// Metrics owns a registry so several schedulers (or tests) never collide on
// the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	started  prometheus.Counter
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cycles   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		started: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks admitted into an executor slot.",
		}),
		// status: "resolved" or "rejected"
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that settled, by outcome.",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time from admission to settlement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_cycles_total",
			Help:      "Times the run loop started from idle.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe subscribes to s and registers gauges that read its snapshot.
// It may be called once per Metrics.
func (m *Metrics) Observe(s *engine.Scheduler) (off func()) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running_tasks",
		Help:      "Tasks currently in flight.",
	}, func() float64 { return float64(s.Snapshot().Running) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backlog_size",
		Help:      "Tasks waiting in the backlog.",
	}, func() float64 { return float64(s.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executors",
		Help:      "Configured executor slots.",
	}, func() float64 { return float64(s.Options().Executors) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dropped_total",
		Help:      "Queued tasks discarded by a stop.",
	}, func() float64 { return float64(s.Snapshot().Dropped) })

	settled := func(status string) func(engine.Event) {
		c := m.finished.WithLabelValues(status)
		h := m.duration.WithLabelValues(status)
		return func(e engine.Event) {
			c.Inc()
			h.Observe(e.Duration.Seconds())
		}
	}
	offs := []func(){
		s.On(engine.EventStart, func(engine.Event) { m.cycles.Inc() }),
		s.On(engine.EventStartingTask, func(engine.Event) { m.started.Inc() }),
		s.On(engine.EventResolve, settled("resolved")),
		s.On(engine.EventReject, settled("rejected")),
	}
	return func() {
		for _, f := range offs {
			f()
		}
	}
}
