package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the session coordination layer:
// socket traffic and state, routing drops, REST calls and the breaker,
// call state transitions and durations, journal writes.

var (
	// Socket
	WSFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_ws_frames_sent_total",
			Help: "Total number of frames written to the socket",
		},
		[]string{"frame_type"},
	)

	WSFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_ws_frames_received_total",
			Help: "Total number of frames read from the socket",
		},
		[]string{"frame_type"},
	)

	WSConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mindhaven_ws_connection_state",
			Help: "Current connection state (0=closed, 1=connecting, 2=open, 3=closing)",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_ws_errors_total",
			Help: "Total number of socket errors",
		},
		[]string{"op"}, // "dial", "read", "write"
	)

	// Routing
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_frames_dropped_total",
			Help: "Total number of inbound frames dropped by the router",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "invalid_payload", "no_handler", "handler_error", "queue_full"
	)

	// REST collaborator
	RESTRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_rest_requests_total",
			Help: "Total number of REST requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindhaven_rest_request_duration_seconds",
			Help:    "Duration of REST requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mindhaven_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Calls
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_call_state_transitions_total",
			Help: "Total number of call session state transitions",
		},
		[]string{"from", "to"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mindhaven_call_duration_seconds",
			Help:    "Tick-counted duration of ended calls",
			Buckets: []float64{30, 60, 300, 600, 1200, 1800, 2700, 3600, 5400},
		},
	)

	TokenFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_call_token_fetches_total",
			Help: "Total number of call token acquisitions by outcome",
		},
		[]string{"outcome"}, // "success", "error", "shared"
	)

	// Journal
	JournalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindhaven_journal_writes_total",
			Help: "Total number of journal writes",
		},
		[]string{"table", "outcome"},
	)
)

// RecordRESTRequest records one REST call.
func RecordRESTRequest(endpoint string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	RESTRequests.WithLabelValues(endpoint, outcome).Inc()
	RESTRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCallTransition records a call state change.
func RecordCallTransition(from, to string) {
	CallTransitions.WithLabelValues(from, to).Inc()
}

// RecordJournalWrite records a journal write outcome.
func RecordJournalWrite(table string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	JournalWrites.WithLabelValues(table, outcome).Inc()
}
