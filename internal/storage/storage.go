// Package storage persists chat sessions, messages, handoff tickets and agents.
// Two backends implement Store: MemoryStore for tests and single-node
// deployments, and MongoStore for production.
//
// Every state-changing ticket and agent operation is a single conditional
// update, so concurrent callers across instances observe one winner.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/metrics"
)

var (
	// ErrNotFound is returned when the addressed record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update did not match the expected state
	ErrConflict = errors.New("record is not in the expected state")
	// ErrCapacity is returned when an agent has no free session slot
	ErrCapacity = errors.New("agent at capacity")
	// ErrInvalidInput is returned for nil records or empty keys
	ErrInvalidInput = errors.New("invalid input")
)

// SessionStore persists ChatSessions.
type SessionStore interface {
	// CreateSession stores s unless a session with the same key exists, in
	// which case the existing one is returned with created=false.
	CreateSession(ctx context.Context, s *domain.ChatSession) (sess *domain.ChatSession, created bool, err error)
	GetSession(ctx context.Context, ref domain.SessionRef) (*domain.ChatSession, error)
	SetSessionStatus(ctx context.Context, ref domain.SessionRef, status domain.SessionStatus) error
}

// MessageStore persists the append-only message history.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *domain.ChatMessage) error
	// ListMessages returns the most recent limit messages in timestamp order.
	ListMessages(ctx context.Context, ref domain.SessionRef, limit int) ([]*domain.ChatMessage, error)
}

// TicketStore persists HandoffTickets. At most one ticket per session is open.
type TicketStore interface {
	// OpenTicket inserts t unless the session already has an open ticket, in
	// which case that ticket is returned with created=false.
	OpenTicket(ctx context.Context, t *domain.HandoffTicket) (ticket *domain.HandoffTicket, created bool, err error)
	GetTicket(ctx context.Context, tenantID, ticketID string) (*domain.HandoffTicket, error)
	// OpenTicketForSession returns ErrNotFound when the session has no open ticket.
	OpenTicketForSession(ctx context.Context, ref domain.SessionRef) (*domain.HandoffTicket, error)
	// ClaimTicket moves a pending ticket to assigned. ErrConflict when not pending.
	ClaimTicket(ctx context.Context, tenantID, ticketID, agentID string, at time.Time) (*domain.HandoffTicket, error)
	// TransferTicket moves an assigned ticket from one agent to another. ErrConflict
	// when the ticket is not assigned to from.
	TransferTicket(ctx context.Context, tenantID, ticketID, from, to string, at time.Time) (*domain.HandoffTicket, error)
	// ResolveTicket closes an open ticket and returns it as it was before
	// resolution together with the resolved copy. ErrConflict when already resolved.
	ResolveTicket(ctx context.Context, tenantID, ticketID, notes string, at time.Time) (before, after *domain.HandoffTicket, err error)
	// ListTickets returns tenant tickets with the given status, oldest escalation first.
	// An empty status lists every ticket.
	ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.HandoffTicket, error)
	// CountPendingBefore counts pending tickets of the tenant escalated strictly before t,
	// ties broken by ticket id.
	CountPendingBefore(ctx context.Context, tenantID string, escalatedAt time.Time, ticketID string) (int, error)
}

// AgentGuard is the state an agent status write is conditional on.
type AgentGuard struct {
	CurrentSessions int
	LoginState      domain.LoginState
	LastHeartbeatAt time.Time
}

// GuardOf captures the guard for a freshly read agent.
func GuardOf(a *domain.Agent) AgentGuard {
	return AgentGuard{CurrentSessions: a.CurrentSessions, LoginState: a.LoginState, LastHeartbeatAt: a.LastHeartbeatAt}
}

// AgentStore persists agents and their live load.
type AgentStore interface {
	// UpsertAgent creates the agent or updates its profile fields (name,
	// capacity, specializations). Live counters are never overwritten.
	// ErrCapacity when the new capacity is below the agent's current load.
	UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	// ListAgents lists the tenant's agents. An empty tenant lists every agent.
	ListAgents(ctx context.Context, tenantID string) ([]*domain.Agent, error)
	TouchAgent(ctx context.Context, agentID string, at time.Time) (*domain.Agent, error)
	// SetLoginState records an explicit login state. Going online also refreshes the heartbeat.
	SetLoginState(ctx context.Context, agentID string, state domain.LoginState, at time.Time) (*domain.Agent, error)
	// SetAgentStatus writes status only if the agent still matches guard.
	SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, guard AgentGuard) (applied bool, err error)
	// ReserveSlot increments the session count if below capacity, else ErrCapacity.
	ReserveSlot(ctx context.Context, agentID string) (*domain.Agent, error)
	// ReleaseSlot decrements the session count if above zero.
	ReleaseSlot(ctx context.Context, agentID string) (*domain.Agent, error)
	IncrementHandled(ctx context.Context, agentID string) error
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	MessageStore
	TicketStore
	AgentStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func validRef(ref domain.SessionRef) error {
	if ref.TenantID == "" || ref.SessionID == "" {
		return fmt.Errorf("%w: tenant and session id are required", ErrInvalidInput)
	}
	return nil
}

// retryConfig holds configuration for retry of transient backend errors
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// once returns cfg limited to a single attempt.
func (cfg retryConfig) once() retryConfig {
	cfg.maxAttempts = 1
	return cfg
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// isRetryableError checks if an error is transient (network or server selection).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrCapacity) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return containsAny(err.Error(), []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// retryOperation executes fn, retrying transient failures with exponential backoff.
func retryOperation(ctx context.Context, logger zerolog.Logger, cfg retryConfig, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.initialDelay

	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}

		lastErr = err
		if attempt == cfg.maxAttempts {
			break
		}

		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", cfg.maxAttempts).
			Dur("delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
		}

		delay = time.Duration(float64(delay) * cfg.multiplier)
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}

	metrics.StorageErrors.WithLabelValues(operation).Inc()
	return fmt.Errorf("operation failed after %d attempts: %w", cfg.maxAttempts, lastErr)
}
