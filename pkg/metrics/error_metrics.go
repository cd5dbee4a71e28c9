package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorMetrics holds error handling specific metrics
type ErrorMetrics struct {
	// Retry metrics
	RetryAttempts    *prometheus.CounterVec
	RetryFailures    *prometheus.CounterVec
	RetryBackoffTime *prometheus.HistogramVec

	// Dead Letter Queue metrics
	DLQEventsWritten *prometheus.CounterVec
	DLQWriteErrors   *prometheus.CounterVec
	DLQSize          *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	CircuitBreakerRejections  *prometheus.CounterVec

	ErrorsByCategory *prometheus.CounterVec
}

// NewErrorMetrics creates a new error metrics collector
func NewErrorMetrics(registry *prometheus.Registry) *ErrorMetrics {
	em := &ErrorMetrics{}
	em.initMetrics()
	em.registerMetrics(registry)
	return em
}

// initMetrics initializes all error-related metrics
func (em *ErrorMetrics) initMetrics() {
	em.RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	em.RetryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_retry_failures_total",
			Help: "Total number of operations that exhausted all attempts",
		},
		[]string{"operation", "error_category"},
	)

	em.RetryBackoffTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gress_replay_retry_backoff_seconds",
			Help:    "Total backoff time spent in retries",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	em.DLQEventsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_dlq_events_written_total",
			Help: "Total number of failed sends written to the DLQ",
		},
		[]string{"dlq_name", "error_category"},
	)

	em.DLQWriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_dlq_write_errors_total",
			Help: "Total number of failed writes to the DLQ",
		},
		[]string{"dlq_name"},
	)

	em.DLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gress_replay_dlq_size_events",
			Help: "Current number of events in the DLQ",
		},
		[]string{"dlq_name"},
	)

	em.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gress_replay_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit"},
	)

	em.CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"circuit", "from", "to"},
	)

	em.CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_circuit_breaker_rejections_total",
			Help: "Total number of sends rejected by an open circuit",
		},
		[]string{"circuit"},
	)

	em.ErrorsByCategory = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_errors_by_category_total",
			Help: "Total number of errors by category",
		},
		[]string{"component", "category"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (em *ErrorMetrics) registerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(em.RetryAttempts)
	registry.MustRegister(em.RetryFailures)
	registry.MustRegister(em.RetryBackoffTime)

	registry.MustRegister(em.DLQEventsWritten)
	registry.MustRegister(em.DLQWriteErrors)
	registry.MustRegister(em.DLQSize)

	registry.MustRegister(em.CircuitBreakerState)
	registry.MustRegister(em.CircuitBreakerTransitions)
	registry.MustRegister(em.CircuitBreakerRejections)

	registry.MustRegister(em.ErrorsByCategory)
}
