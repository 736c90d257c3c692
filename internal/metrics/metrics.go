package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxsgate_requests_total",
			Help: "Total number of gateway requests",
		},
		[]string{"mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lxsgate_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"mode"},
	)

	// Upstream metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxsgate_upstream_requests_total",
			Help: "Total number of upstream provider calls",
		},
		[]string{"platform", "model", "status"},
	)

	// Token metrics
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxsgate_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"platform", "model", "type"}, // type: input/output
	)

	// Key admission metrics
	KeyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxsgate_key_rejections_total",
			Help: "Total number of rejected API key admissions",
		},
		[]string{"reason"}, // reason: missing/unknown/inactive/expired/exhausted
	)

	// Streaming metrics
	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxsgate_sse_events_total",
			Help: "Total number of SSE events emitted to clients",
		},
		[]string{"flavor"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lxsgate_websocket_connections",
			Help: "Current number of live-record WebSocket subscribers",
		},
	)
)
