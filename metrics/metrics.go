package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// 訊息路徑
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Messages persisted through the router",
		},
		[]string{"body_type"},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_failures_total",
			Help: "Best-effort broadcasts that failed after the message was persisted",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Messages flushed to a session after reconciliation",
		},
	)

	DuplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_duplicates_suppressed_total",
			Help: "Inbound messages discarded because the session already had them",
		},
		[]string{"source"},
	)

	TypingExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_typing_expired_total",
			Help: "Typing signals cleared by local expiry",
		},
	)

	// 連線
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Relay sessions currently connected",
		},
	)

	BridgeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bridge_reconnects_total",
			Help: "Redis bridge reconnect attempts",
		},
	)

	SessionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_client_sessions_dropped_total",
			Help: "Client sessions ended by the gateway",
		},
		[]string{"reason"},
	)

	OutboxFramesTrimmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_frames_trimmed_total",
			Help: "Frames dropped from a full client outbox to make room",
		},
		[]string{"type"},
	)

	FeedResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_change_feed_resumes_total",
			Help: "Change stream resumes after a transient error",
		},
	)
)
