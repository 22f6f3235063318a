// Package metrics provides the Prometheus instrumentation for the
// planning service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all registered collectors.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	StepsTotal       *prometheus.CounterVec
	GuardRejections  prometheus.Counter
	SQLDuration      prometheus.Histogram
	ModelCallsTotal  *prometheus.CounterVec
	ModelDuration    prometheus.Histogram
	ActiveRuns       prometheus.Gauge
	StartTime        prometheus.Gauge
}

// New creates and registers all collectors with the default registry.
func New() *Metrics {
	m := &Metrics{}

	m.RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbagent_runs_total",
			Help: "Completed reasoning runs by terminal status",
		},
		[]string{"status"},
	)

	m.RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbagent_run_duration_seconds",
			Help:    "Wall time of a full reasoning run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	m.StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbagent_steps_total",
			Help: "Executed steps by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	m.GuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbagent_guard_rejections_total",
			Help: "SQL statements rejected by the validator",
		},
	)

	m.SQLDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbagent_sql_duration_seconds",
			Help:    "Duration of guarded SQL executions",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbagent_model_calls_total",
			Help: "Chat model calls by outcome",
		},
		[]string{"outcome"},
	)

	m.ModelDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbagent_model_call_duration_seconds",
			Help:    "Duration of chat model calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	m.ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbagent_active_runs",
			Help: "Reasoning runs currently holding a thread lock",
		},
	)

	m.StartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbagent_start_time_seconds",
			Help: "Unix time the process started",
		},
	)
	m.StartTime.Set(float64(time.Now().Unix()))

	return m
}

// ObserveStep records one executed step.
func (m *Metrics) ObserveStep(action string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.StepsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// ObserveSQL records the duration of one guarded SQL execution.
func (m *Metrics) ObserveSQL(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SQLDuration.Observe(elapsed.Seconds())
}

// ObserveModelCall records one chat model round trip.
func (m *Metrics) ObserveModelCall(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.ModelCallsTotal.WithLabelValues(outcome).Inc()
	m.ModelDuration.Observe(elapsed.Seconds())
}
