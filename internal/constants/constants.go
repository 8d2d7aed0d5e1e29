// Package constants provides centralized constant definitions for the chatdesk service.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	AnswerTimeout         = 8 * time.Second  // Answer provider requests
	EventPublishTimeout   = 5 * time.Second  // Audit event publishing
	ShutdownTimeout       = 30 * time.Second // Graceful shutdown budget
)

// Sizes and Limits
const (
	DefaultMaxMessageSize   = 65536 // 64KB per inbound WebSocket frame
	DefaultSendQueueSize    = 256   // Outbound frames buffered per connection
	DefaultMaxConnections   = 10    // Concurrent connections per user
	DefaultRateLimit        = 60    // Visitor messages per window
	DefaultAdminRateLimit   = 120   // API requests per window for agents and admins
	PublicEndpointRate      = 300   // Health and metrics requests per minute per client IP
	MaxContentLength        = 8000  // Characters in a single chat message
	MaxAttachments          = 10    // Attachments per chat message
	MaxRetryAttempts        = 3     // Maximum retry attempts for transient errors
	MaxEventsPerUser        = 1000  // Maximum rate limit events tracked per user
	MaxUsersTracked         = 100000
	DefaultHistoryLimit     = 100
	MaxHistoryLimit         = 1000
	DefaultMaxConcurrent    = 5 // Agent capacity when a profile omits it
	MaxAgentConcurrentLimit = 100
	EventQueueSize          = 1024 // Audit events buffered ahead of the Kafka producer
	BrokerOutboxSize        = 4096 // Room frames buffered ahead of the Redis publisher
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Presence thresholds
const (
	DefaultAwayAfter      = 5 * time.Minute  // Heartbeat age at which an agent is AWAY
	DefaultOfflineAfter   = 15 * time.Minute // Heartbeat age at which an agent is OFFLINE
	DefaultSweepInterval  = 30 * time.Second
	RecentActivityWindow  = 1 * time.Hour
	DailyActivityWindow   = 24 * time.Hour
	DefaultAvgHandleTime  = 60 * time.Second // Per queue position when estimating wait
	DefaultMinConfidence  = 0.5
	ExperienceSaturation  = 100 // Handled sessions at which the experience score saturates
	DefaultBrokerChannel  = "chatdesk:rooms"
	DefaultHandoffTopic   = "chatdesk.handoff"
	DefaultEscalateReason = "visitor_request"
)

// Assignment score weights
const (
	WeightAvailability   = 10.0
	WeightLoad           = 20.0
	WeightSpecialization = 15.0
	WeightExperience     = 5.0
	BonusRecentHour      = 5.0
	BonusRecentDay       = 2.0
)

// WebSocket close codes
const (
	CloseMissingRoom      = 4000
	CloseMissingToken     = 4001
	CloseInvalidToken     = 4002
	CloseForbidden        = 4003
	CloseSlowConsumer     = 1013
	CloseReasonSlowReader = "outbound queue full"
	CloseReasonUnassigned = "session no longer assigned"
)

// Default Configuration Values
const (
	DefaultMongoURI   = "mongodb://localhost:27017"
	DefaultDatabase   = "chatdesk"
	DefaultPort       = 8080
	DefaultPathPrefix = "/chatdesk"
)

// MongoDB collection names
const (
	CollectionSessions = "sessions"
	CollectionMessages = "messages"
	CollectionTickets  = "tickets"
	CollectionAgents   = "agents"
)

// MongoDB field names (short names keep documents compact)
const (
	MongoFieldID        = "_id"
	MongoFieldTenant    = "tid"
	MongoFieldSession   = "sid"
	MongoFieldStatus    = "st"
	MongoFieldOpenKey   = "ok"
	MongoFieldAgent     = "aid"
	MongoFieldCurrent   = "cur"
	MongoFieldMax       = "max"
	MongoFieldHeartbeat = "hb"
	MongoFieldLogin     = "login"
	MongoFieldHandled   = "handled"
	MongoFieldEscalated = "esc"
	MongoFieldAssigned  = "asg"
	MongoFieldResolved  = "res"
	MongoFieldNotes     = "notes"
	MongoFieldTransfers = "xfer"
	MongoFieldTimestamp = "ts"
	MongoFieldUpdated   = "upd"
	MongoFieldName      = "nm"
	MongoFieldSpecs     = "spec"
)

// Error messages shared across handlers
const (
	ErrMsgUnauthorized = "Unauthorized"
	ErrMsgForbidden    = "Forbidden"
)
