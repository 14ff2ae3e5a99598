// Package metrics exposes Prometheus collectors for the migration scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/activity-migrator/internal/types"
)

// Failure classes used as the class label of JobFailures
const (
	ClassFatal     = "fatal"
	ClassRetry     = "retry"
	ClassExhausted = "exhausted"
	ClassRateLimit = "rate_limited"
)

// Metrics holds every scheduler collector. A nil *Metrics is a no-op.
type Metrics struct {
	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	APICalls       *prometheus.CounterVec
	JobsDispatched *prometheus.CounterVec
	JobFailures    *prometheus.CounterVec
	TickBudget     prometheus.Gauge
	ActiveJobs     prometheus.Gauge
	ItemsFailed    prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrator_ticks_total",
			Help: "Scheduler ticks run.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "migrator_tick_duration_seconds",
			Help:    "Wall-clock duration of a scheduler tick.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 105, 120},
		}),
		APICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_api_calls_total",
			Help: "Provider API calls consumed by workers.",
		}, []string{"kind"}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_jobs_dispatched_total",
			Help: "Jobs handed to a worker.",
		}, []string{"kind"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_job_failures_total",
			Help: "Worker failures by classification.",
		}, []string{"class"}),
		TickBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrator_tick_budget",
			Help: "Call budget computed at the start of the last tick.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrator_active_jobs",
			Help: "Pending, processing and waiting jobs after the last tick.",
		}),
		ItemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrator_items_failed_total",
			Help: "Activities permanently given up on in phase 2.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Ticks, m.TickDuration, m.APICalls, m.JobsDispatched,
			m.JobFailures, m.TickBudget, m.ActiveJobs, m.ItemsFailed,
		)
	}
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetBudget(budget int) {
	if m == nil {
		return
	}
	m.TickBudget.Set(float64(budget))
}

// Dispatched records one dispatch and the calls it consumed
func (m *Metrics) Dispatched(kind types.JobKind, calls int) {
	if m == nil {
		return
	}
	m.JobsDispatched.WithLabelValues(string(kind)).Inc()
	if calls > 0 {
		m.APICalls.WithLabelValues(string(kind)).Add(float64(calls))
	}
}

func (m *Metrics) Failure(class string) {
	if m == nil {
		return
	}
	m.JobFailures.WithLabelValues(class).Inc()
}

func (m *Metrics) AddItemsFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsFailed.Add(float64(n))
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}
