// Package metrics exposes Prometheus collectors for the build pipeline and
// the HTTP surface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	BuildsStartedTotal   prometheus.Counter
	BuildsCompletedTotal prometheus.Counter
	BuildsFailedTotal    prometheus.Counter
	BuildsCancelledTotal prometheus.Counter
	ActiveBuildsGauge    prometheus.Gauge

	PhaseDuration *prometheus.HistogramVec

	InputRequestsTotal prometheus.Counter
	DeploysTotal       *prometheus.CounterVec

	ProgressSubscribersGauge prometheus.Gauge
}

// Get returns the process-wide metrics, registering collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildloft_http_requests_total",
			Help: "Total HTTP requests by method, endpoint, and status",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildloft_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildloft_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)

	m.BuildsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildloft_builds_started_total",
			Help: "Builds accepted into the pipeline",
		},
	)
	m.BuildsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildloft_builds_completed_total",
			Help: "Builds that reached complete",
		},
	)
	m.BuildsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildloft_builds_failed_total",
			Help: "Builds that ended failed",
		},
	)
	m.BuildsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildloft_builds_cancelled_total",
			Help: "Builds cancelled by the user",
		},
	)
	m.ActiveBuildsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildloft_active_builds",
			Help: "Pipelines currently running or parked on a question",
		},
	)

	m.PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildloft_phase_duration_seconds",
			Help:    "Wall time spent in each pipeline phase",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"phase"},
	)

	m.InputRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildloft_input_requests_total",
			Help: "Times an agent paused a build to ask the user a question",
		},
	)
	m.DeploysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildloft_deploys_total",
			Help: "Deployments by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	m.ProgressSubscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildloft_progress_subscribers",
			Help: "Open progress WebSocket connections",
		},
	)

	return m
}
