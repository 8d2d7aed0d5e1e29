// Package metrics provides Prometheus metrics collection for the chatdesk service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of open WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatdesk_websocket_connections",
		Help: "Current number of open WebSocket connections",
	})

	// Rooms tracks the number of rooms with at least one member on this instance
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatdesk_rooms",
		Help: "Current number of non-empty rooms on this instance",
	})

	// Broadcasts counts broadcast calls by room kind
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_broadcasts_total",
		Help: "Total number of room broadcasts by room kind",
	}, []string{"kind"})

	// FramesDelivered counts frames enqueued to connections
	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatdesk_frames_delivered_total",
		Help: "Total number of frames enqueued to connections",
	})

	// SlowConsumerDisconnects counts connections dropped because their outbound queue was full
	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatdesk_slow_consumer_disconnects_total",
		Help: "Total number of connections closed because their outbound queue was full",
	})

	// MessagesRouted counts persisted chat messages by sender role
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_messages_routed_total",
		Help: "Total number of chat messages persisted and broadcast",
	}, []string{"sender_role"})

	// RouteRejections counts rejected routing attempts by error category
	RouteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_route_rejections_total",
		Help: "Total number of rejected chat messages by error category",
	}, []string{"category"})

	// Escalations counts escalations, split by whether a new ticket was created
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_escalations_total",
		Help: "Total number of escalation requests",
	}, []string{"outcome"})

	// Assignments counts assignment attempts by outcome
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_assignments_total",
		Help: "Total number of assignment attempts by outcome",
	}, []string{"outcome"})

	// Resolutions counts resolved tickets
	Resolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatdesk_resolutions_total",
		Help: "Total number of resolved tickets",
	})

	// TimeToAssign observes the delay between escalation and assignment
	TimeToAssign = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatdesk_time_to_assign_seconds",
		Help:    "Delay between escalation and first assignment",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// AgentStatusChanges counts presence transitions by target status
	AgentStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_agent_status_changes_total",
		Help: "Total number of agent status transitions by new status",
	}, []string{"status"})

	// SweepDuration observes presence sweep latency
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatdesk_presence_sweep_seconds",
		Help:    "Duration of presence sweeps",
		Buckets: prometheus.DefBuckets,
	})

	// AnswerRequests counts answer provider calls by outcome
	AnswerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_answer_requests_total",
		Help: "Total number of answer provider requests by outcome",
	}, []string{"outcome"})

	// AnswerLatency observes answer provider latency
	AnswerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatdesk_answer_latency_seconds",
		Help:    "Latency of answer provider requests",
		Buckets: prometheus.DefBuckets,
	})

	// EventsPublished counts audit events by outcome
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_events_published_total",
		Help: "Total number of audit events published by outcome",
	}, []string{"outcome"})

	// BrokerMessages counts cross-instance bridge traffic by direction
	BrokerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_broker_messages_total",
		Help: "Total number of room events relayed through the broker",
	}, []string{"direction"})

	// RateLimitViolations counts rejected messages by limiter
	RateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_rate_limit_violations_total",
		Help: "Total number of rate limit violations",
	}, []string{"limiter"})

	// StorageErrors counts failed store operations
	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_storage_errors_total",
		Help: "Total number of failed storage operations",
	}, []string{"operation"})

	// PanicsRecovered counts goroutine panics caught by util.SafeGo
	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_panics_recovered_total",
		Help: "Total number of recovered goroutine panics",
	}, []string{"component"})

	// FramesReceived counts inbound WebSocket frames by type
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_websocket_frames_received_total",
		Help: "Total number of inbound WebSocket frames by type",
	}, []string{"type"})

	// FrameErrors counts inbound frames answered with an error frame
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_websocket_frame_errors_total",
		Help: "Total number of inbound WebSocket frames rejected by error code",
	}, []string{"code"})

	// ConnectionRejections counts WebSocket connections closed during setup by close code
	ConnectionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_websocket_rejections_total",
		Help: "Total number of WebSocket connections refused during setup",
	}, []string{"code"})

	// HTTPRequestDuration observes API latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatdesk_http_request_duration_seconds",
		Help:    "HTTP request latency by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status"})
)
