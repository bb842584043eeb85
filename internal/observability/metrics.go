package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesProcessedTotal counts fetched messages by final disposition.
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_processed_total",
			Help: "Total number of messages processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
	// HandlerDuration tracks handler execution time.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)
	// MessageRetriesTotal counts messages scheduled for redelivery.
	MessageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_message_retries_total",
			Help: "Total number of messages scheduled for retry",
		},
		[]string{"queue"},
	)
	// RetryExceededTotal counts terminally rejected messages.
	RetryExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_exceeded_total",
			Help: "Total number of messages that exhausted their retries",
		},
		[]string{"queue"},
	)
	// DuplicatesTotal counts messages dropped by the nonce gate.
	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_duplicate_messages_total",
			Help: "Total number of duplicate messages suppressed",
		},
		[]string{"queue"},
	)
	// FetchErrorsTotal counts failures caught inside fetch-and-process.
	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_fetch_errors_total",
			Help: "Total number of fetch, parse or broker errors",
		},
		[]string{"queue"},
	)
	// WorkerThreads reports the configured worker threads per process.
	WorkerThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_worker_threads",
			Help: "Number of worker threads running in this process",
		},
	)
	// GCFlushesTotal counts explicit collection hints issued by the runtime.
	GCFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_gc_flushes_total",
			Help: "Total number of forced garbage collections",
		},
	)
)

// InitMetrics registers all worker metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		MessagesProcessedTotal,
		HandlerDuration,
		MessageRetriesTotal,
		RetryExceededTotal,
		DuplicatesTotal,
		FetchErrorsTotal,
		WorkerThreads,
		GCFlushesTotal,
	)
}
