// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for PyRunner.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Package operation metrics.
	PackageOpsTotal *prometheus.CounterVec

	// Environment lifecycle metrics.
	EnvOpsTotal *prometheus.CounterVec

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "exec",
			Name:      "runs_total",
			Help:      "Total code executions.",
		}, []string{"env", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pyrunner",
			Subsystem: "exec",
			Name:      "run_duration_seconds",
			Help:      "Code execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"env"}),

		PackageOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "pip",
			Name:      "operations_total",
			Help:      "Total package operations.",
		}, []string{"action", "status"}),

		EnvOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "venv",
			Name:      "operations_total",
			Help:      "Total environment lifecycle operations.",
		}, []string{"op", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyrunner",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pyrunner",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PackageOpsTotal,
		m.EnvOpsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// ObserveExecution records one finished (or failed) execution.
// Nil-safe: metrics can be disabled entirely.
func (m *MetricsCollector) ObserveExecution(env, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(env, status).Inc()
	m.ExecutionDuration.WithLabelValues(env).Observe(duration.Seconds())
}

// ObservePackageOp records one package operation outcome.
func (m *MetricsCollector) ObservePackageOp(action, status string) {
	if m == nil {
		return
	}
	m.PackageOpsTotal.WithLabelValues(action, status).Inc()
}

// ObserveEnvOp records one environment lifecycle operation outcome.
func (m *MetricsCollector) ObserveEnvOp(op, status string) {
	if m == nil {
		return
	}
	m.EnvOpsTotal.WithLabelValues(op, status).Inc()
}
