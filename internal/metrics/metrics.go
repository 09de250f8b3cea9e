package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30, 120},
		},
		[]string{"method", "path"},
	)

	// Streaming metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_streams",
			Help: "Chat streams currently open",
		},
	)

	StreamsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_streams_finished_total",
			Help: "Chat streams finished, by final message status",
		},
		[]string{"status"}, // "complete", "aborted" or "error"
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_chunks_total",
			Help: "Content chunks relayed to clients",
		},
	)

	TimeToFirstToken = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_time_to_first_token_seconds",
			Help:    "Delay between opening the upstream stream and the first content chunk",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	PersistFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_persist_flushes_total",
			Help: "Partial content writes, by outcome",
		},
		[]string{"result"}, // "ok" or "error"
	)

	// Cache metrics
	ModelCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_model_cache_lookups_total",
			Help: "Model list lookups by serving layer",
		},
		[]string{"layer"}, // "memory", "shared" or "origin"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_event_publish_failures_total",
			Help: "Lifecycle events that could not be published",
		},
		[]string{"type"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_upstream_errors_total",
			Help: "Upstream gateway failures by HTTP status",
		},
		[]string{"status"},
	)
)
