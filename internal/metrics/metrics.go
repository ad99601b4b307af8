// Package metrics provides Prometheus instrumentation for the dispute subsystem.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bisq"

var (
	// HTTPRequestsTotal counts operator console requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total operator console requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes operator console latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator console request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Persistence ---

	PersistenceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "Completed disk writes by file name.",
		},
		[]string{"file"},
	)

	PersistenceWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "write_failures_total",
			Help:      "Abandoned disk writes by file name.",
		},
		[]string{"file"},
	)

	PersistenceWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "write_duration_seconds",
		Help:      "Time spent by the file writer for one write, backups included.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	PersistenceCorruptedFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "corrupted_files_total",
		Help:      "Persisted files moved to quarantine because they failed to deserialize.",
	})

	// --- Support / dispute protocol ---

	SupportMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "messages_total",
			Help:      "Support messages dispatched by support type and message kind.",
		},
		[]string{"support_type", "kind"},
	)

	SupportMessageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "message_retries_total",
			Help:      "Delayed re-applications scheduled for messages whose dispute was not found yet.",
		},
		[]string{"kind"},
	)

	SupportRetryExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "retry_exhausted_total",
			Help:      "Messages that still could not be applied after their single delayed retry.",
		},
		[]string{"kind"},
	)

	SupportValidationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "validation_failures_total",
			Help:      "Dispute validation failures collected for operator review, by kind.",
		},
		[]string{"kind"},
	)

	SupportDisputes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "disputes",
			Help:      "Stored disputes by support type and state.",
		},
		[]string{"support_type", "state"},
	)

	PayoutBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "support",
			Name:      "payout_broadcasts_total",
			Help:      "Disputed payout transaction broadcasts by result.",
		},
		[]string{"result"},
	)

	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of operators connected to the dispute event feed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PersistenceWritesTotal,
		PersistenceWriteFailuresTotal,
		PersistenceWriteDuration,
		PersistenceCorruptedFilesTotal,
		SupportMessagesTotal,
		SupportMessageRetriesTotal,
		SupportRetryExhaustedTotal,
		SupportValidationFailuresTotal,
		SupportDisputes,
		PayoutBroadcastsTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
