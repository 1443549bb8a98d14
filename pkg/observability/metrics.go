// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the sandkasten service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets defines histogram buckets suited for remote code
// execution latencies, ranging from 100ms to 300s.
var ExecutionBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandkasten_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandkasten_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// ExecutionsTotal counts code executions against the backend by outcome.
	// Status is "ok" for completed round trips (including code that failed
	// inside the sandbox) or the error kind (auth, transport, backend_timeout,
	// backend_error); mode is static, kubernetes, or demo.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_executions_total",
			Help: "Code executions",
		},
		[]string{"status", "mode"},
	)

	// ExecutionDuration records backend round-trip duration in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandkasten_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"mode"},
	)

	// SessionsActive tracks the number of live sessions in the registry.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandkasten_sessions_active",
			Help: "Live sessions",
		},
	)

	// SessionsCreatedTotal counts sessions minted by the registry.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandkasten_sessions_created_total",
			Help: "Sessions created",
		},
	)

	// SessionsRemovedTotal counts session removals by reason (reaped, cleared).
	SessionsRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_sessions_removed_total",
			Help: "Sessions removed",
		},
		[]string{"reason"},
	)

	// TokenRequestsTotal counts credential acquisitions by source and outcome.
	TokenRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_token_requests_total",
			Help: "Token acquisitions",
		},
		[]string{"source", "status"},
	)

	// ChatTurnsTotal counts agent loop turns by outcome (reply, tool_call, error).
	ChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_chat_turns_total",
			Help: "Chat loop turns",
		},
		[]string{"outcome"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		ExecutionsTotal,
		ExecutionDuration,
		SessionsActive,
		SessionsCreatedTotal,
		SessionsRemovedTotal,
		TokenRequestsTotal,
		ChatTurnsTotal,
		RateLimitRejectedTotal,
	)
}
