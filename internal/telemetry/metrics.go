package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobRuns       *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	Notifications *prometheus.CounterVec
	SessionTurns  *prometheus.CounterVec
	SessionsBusy  prometheus.Gauge
	JobsLoaded    prometheus.Gauge
}

// NewMetrics creates and registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordell_job_runs_total",
			Help: "Scheduled job runs by outcome status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cordell_job_run_duration_seconds",
			Help:    "Duration of scheduled job runs that acquired a session.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordell_notifications_total",
			Help: "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
		SessionTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordell_session_turns_total",
			Help: "Session turns by result.",
		}, []string{"session", "result"}),
		SessionsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cordell_sessions_busy",
			Help: "Sessions currently held by an operation.",
		}),
		JobsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cordell_jobs_loaded",
			Help: "Job definitions in the active job set.",
		}),
	}
	m.registry.MustRegister(
		m.JobRuns,
		m.JobDuration,
		m.Notifications,
		m.SessionTurns,
		m.SessionsBusy,
		m.JobsLoaded,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveJobRun(job, status string, d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	if acquired {
		m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveNotification(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) ObserveTurn(session, result string) {
	if m == nil {
		return
	}
	m.SessionTurns.WithLabelValues(session, result).Inc()
}

func (m *Metrics) SessionBusy(delta float64) {
	if m == nil {
		return
	}
	m.SessionsBusy.Add(delta)
}

func (m *Metrics) SetJobsLoaded(n int) {
	if m == nil {
		return
	}
	m.JobsLoaded.Set(float64(n))
}
