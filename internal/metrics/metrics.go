// Package metrics registers the Prometheus metrics used by credstore.
// Import this package from the server entry point to register all metrics
// before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Credential store counters.
var (
	// OperationsTotal counts store operations labelled by operation
	// ("create", "validate", "list", "get", "revoke", "reactivate", "delete")
	// and outcome ("success", "not_found", "error").
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credstore_operations_total",
			Help: "Total number of credential store operations.",
		},
		[]string{"operation", "outcome"},
	)

	// ValidationsTotal counts secret validations by result ("valid",
	// "invalid", "inactive", "error").
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credstore_validations_total",
			Help: "Total number of API key validations by result.",
		},
		[]string{"result"},
	)

	// WriterQueueDepth tracks mutations waiting for the store writer.
	WriterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credstore_writer_queue_depth",
			Help: "Number of mutating operations waiting for the store writer.",
		},
	)
)

// Storage backend metrics.
var (
	// BackendDuration observes backend call latency in seconds.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credstore_backend_duration_seconds",
			Help:    "Storage backend call duration in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend", "op"},
	)

	// BackendErrors counts backend failures by kind ("unavailable",
	// "corrupt", "conflict", "circuit_open", "timeout").
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credstore_backend_errors_total",
			Help: "Total storage backend errors by kind.",
		},
		[]string{"backend", "kind"},
	)

	// CircuitBreakerState tracks per-backend circuit breaker state as a
	// gauge: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credstore_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed 1=open 2=half_open).",
		},
		[]string{"backend"},
	)
)

// HTTP metrics.
var (
	// HTTPRequestsTotal counts admin and auth API requests by route and status
	// code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credstore_http_requests_total",
			Help: "Total HTTP requests served.",
		},
		[]string{"route", "code"},
	)
)
