package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for repld.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Session metrics.
	SessionsActive        prometheus.Gauge
	SessionEvictionsTotal prometheus.Counter
	SessionResetsTotal    prometheus.Counter

	// Content metrics.
	LoadedBytesTotal       prometheus.Counter
	OutputTruncationsTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total snippet executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repld",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Snippet execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repld",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sessions.",
		}),

		SessionEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "sessions",
			Name:      "evictions_total",
			Help:      "Total sessions evicted for idleness.",
		}),

		SessionResetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "sessions",
			Name:      "resets_total",
			Help:      "Total session resets.",
		}),

		LoadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "content",
			Name:      "loaded_bytes_total",
			Help:      "Total bytes of file content loaded into sessions.",
		}),

		OutputTruncationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "content",
			Name:      "output_truncations_total",
			Help:      "Total executions whose output was truncated.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repld",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repld",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repld",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SessionsActive,
		m.SessionEvictionsTotal,
		m.SessionResetsTotal,
		m.LoadedBytesTotal,
		m.OutputTruncationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
