// Package metrics exposes Steward's loop counters and API latency as
// Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steward"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Cycles                *prometheus.CounterVec
	OpportunitiesDetected prometheus.Counter
	OpportunitiesAttempt  prometheus.Counter
	ImprovementsDeployed  prometheus.Counter
	ImprovementsFailed    *prometheus.CounterVec
	Rollbacks             *prometheus.CounterVec
	HealthChecks          *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	Paused                prometheus.Gauge

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "cycles_total",
			Help:      "Completed loop cycles by cadence.",
		}, []string{"cadence"}),
		OpportunitiesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "opportunities_detected_total",
			Help:      "Improvement opportunities found.",
		}),
		OpportunitiesAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "opportunities_attempted_total",
			Help:      "Opportunities that entered the improvement pipeline.",
		}),
		ImprovementsDeployed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "improvements_deployed_total",
			Help:      "Candidates that passed validation and were deployed.",
		}),
		ImprovementsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "improvements_failed_total",
			Help:      "Improvement attempts that ended without a deploy, by stage.",
		}, []string{"stage"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by type and outcome.",
		}, []string{"type", "success"}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "health_checks_total",
			Help:      "Monitoring session evaluations by severity.",
		}, []string{"severity"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active_sessions",
			Help:      "Monitoring sessions evaluated in the last cycle.",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "paused",
			Help:      "1 while the autonomous loop is paused.",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.Cycles,
		m.OpportunitiesDetected,
		m.OpportunitiesAttempt,
		m.ImprovementsDeployed,
		m.ImprovementsFailed,
		m.Rollbacks,
		m.HealthChecks,
		m.ActiveSessions,
		m.Paused,
		m.requestTotal,
		m.requestLatency,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// ObserveRollback counts a rollback.
func (m *Metrics) ObserveRollback(rollbackType string, success bool) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(rollbackType, strconv.FormatBool(success)).Inc()
}
