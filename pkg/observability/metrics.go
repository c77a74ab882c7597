// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the chatrelay server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks active SSE and WebSocket streams.
	StreamingConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_streaming_connections_active",
			Help: "Active streaming connections",
		},
		[]string{"transport"},
	)

	// BackendRequestsTotal counts requests sent to backends by outcome.
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_backend_requests_total",
			Help: "Backend requests",
		},
		[]string{"backend", "model", "status"},
	)

	// BackendLatency records time to the terminal backend event in seconds.
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_backend_latency_seconds",
			Help:    "Backend latency",
			Buckets: LLMBuckets,
		},
		[]string{"backend", "model"},
	)

	// TimeToFirstToken records the delay until the first delta of an exchange.
	TimeToFirstToken = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_time_to_first_token_seconds",
			Help:    "Time to first token",
			Buckets: LLMBuckets,
		},
		[]string{"backend", "model"},
	)

	// BackendTokensTotal counts tokens reported by backends by direction (input/output).
	BackendTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_backend_tokens_total",
			Help: "Token count",
		},
		[]string{"backend", "model", "direction"},
	)

	// MalformedFramesTotal counts stream frames skipped because they could not be parsed.
	MalformedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_malformed_frames_total",
			Help: "Skipped malformed stream frames",
		},
		[]string{"backend"},
	)

	// ExchangesActive tracks exchanges in the sending or streaming state.
	ExchangesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_exchanges_active",
			Help: "In-flight exchanges",
		},
	)

	// ExchangesTotal counts finished exchanges by terminal state.
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_exchanges_total",
			Help: "Finished exchanges",
		},
		[]string{"backend", "state"},
	)

	// StoreRetriesTotal counts background persistence retries by outcome
	// (queued, recovered, dropped).
	StoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_store_retries_total",
			Help: "Conversation store write retries",
		},
		[]string{"outcome"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ratelimit_rejected_total",
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
		BackendRequestsTotal,
		BackendLatency,
		TimeToFirstToken,
		BackendTokensTotal,
		MalformedFramesTotal,
		ExchangesActive,
		ExchangesTotal,
		StoreRetriesTotal,
		RateLimitRejectedTotal,
	)
}
