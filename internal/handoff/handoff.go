// Package handoff moves chat sessions from the bot to human agents.
//
// A session's ticket goes PENDING -> ASSIGNED -> RESOLVED. Escalation is
// get-or-create, assignment is a compare-and-set on the pending ticket, and
// agent capacity is reserved before the claim so an agent's session count
// never passes its maximum, not even while two claims race.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/matching"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/notification"
	"github.com/real-rm/chatdesk/internal/presence"
	"github.com/real-rm/chatdesk/internal/storage"
	"github.com/real-rm/chatdesk/internal/util"
)

// Config controls optional handoff behaviour.
type Config struct {
	// AutoAssign hands a new ticket to the best available agent right away.
	AutoAssign bool
}

// Machine runs ticket transitions.
type Machine struct {
	store    storage.Store
	presence *presence.Tracker
	matcher  *matching.Matcher
	fanout   *notification.Fanout
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a state machine.
func New(store storage.Store, tracker *presence.Tracker, matcher *matching.Matcher, fanout *notification.Fanout, cfg Config, logger zerolog.Logger) *Machine {
	return &Machine{
		store:    store,
		presence: tracker,
		matcher:  matcher,
		fanout:   fanout,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger:   logger.With().Str("component", "handoff").Logger(),
	}
}

// SetClock replaces the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Escalate opens a ticket for the session, or returns the open one
// unchanged. created reports whether this call opened it.
func (m *Machine) Escalate(ctx context.Context, ref domain.SessionRef, reason string, priority domain.Priority, actor *message.SenderInfo) (ticket *domain.HandoffTicket, created bool, err error) {
	if reason == "" {
		reason = constants.DefaultEscalateReason
	}
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return nil, false, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat,
			fmt.Sprintf("unknown priority %q", priority), nil)
	}

	sess, err := m.store.GetSession(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, chaterrors.ErrSessionNotFound(ref.SessionID)
	}
	if err != nil {
		return nil, false, m.mapErr(err, ref.SessionID)
	}
	if sess.Status == domain.SessionClosed {
		return nil, false, chaterrors.ErrInvalidTransition(string(sess.Status), string(domain.SessionEscalated))
	}

	ticket, created, err = m.store.OpenTicket(ctx, &domain.HandoffTicket{
		ID:               domain.NewID(),
		Session:          ref,
		EscalationReason: reason,
		Priority:         priority,
		Status:           domain.TicketPending,
		EscalatedAt:      m.now(),
	})
	if err != nil {
		return nil, false, m.mapErr(err, ref.SessionID)
	}
	if !created {
		metrics.Escalations.WithLabelValues("existing").Inc()
		return ticket, false, nil
	}

	metrics.Escalations.WithLabelValues("created").Inc()
	m.setSessionStatus(ctx, ref, domain.SessionEscalated)
	m.logger.Info().
		Str("ticket_id", ticket.ID).
		Str("tenant_id", ref.TenantID).
		Str("session_id", ref.SessionID).
		Str("reason", reason).
		Str("priority", string(priority)).
		Msg("Session escalated")
	m.fanout.TicketChanged(ctx, message.TypeTicketEscalated, ticket, "", actor)

	if m.cfg.AutoAssign {
		if assigned, err := m.AutoAssign(ctx, ticket); err == nil {
			return assigned, true, nil
		} else if !chaterrors.IsUnavailable(err) && !chaterrors.IsConflict(err) {
			util.LogWarn(m.logger, "handoff", "auto-assign ticket", err, "ticket_id", ticket.ID)
		}
	}
	return ticket, true, nil
}

// AutoAssign gives the ticket to the best-scoring agent. It returns
// Unavailable when nobody can take it; the ticket then stays queued.
func (m *Machine) AutoAssign(ctx context.Context, t *domain.HandoffTicket) (*domain.HandoffTicket, error) {
	candidates, err := m.matcher.Candidates(ctx, t)
	if err != nil {
		return nil, err
	}
	// Walk down the ranking: a candidate may fill up between ranking and claim.
	for _, c := range candidates {
		assigned, err := m.Assign(ctx, t.Session.TenantID, t.ID, c.Agent.ID, nil)
		if err == nil {
			return assigned, nil
		}
		if !chaterrors.IsUnavailable(err) {
			return nil, err
		}
	}
	metrics.Assignments.WithLabelValues("no_agent").Inc()
	return nil, chaterrors.ErrNoAvailableAgents()
}

// Assign claims a pending ticket for the agent. Of several concurrent
// claims exactly one succeeds; the others get Conflict.
func (m *Machine) Assign(ctx context.Context, tenantID, ticketID, agentID string, actor *message.SenderInfo) (*domain.HandoffTicket, error) {
	t, err := m.store.GetTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, m.mapErr(err, ticketID)
	}
	switch t.Status {
	case domain.TicketPending:
	case domain.TicketAssigned:
		metrics.Assignments.WithLabelValues("conflict").Inc()
		return nil, chaterrors.ErrAlreadyClaimed(ticketID, nil)
	default:
		return nil, chaterrors.ErrInvalidTransition(string(t.Status), string(domain.TicketAssigned))
	}

	if _, err := m.claimableAgent(ctx, tenantID, agentID); err != nil {
		return nil, err
	}

	if _, err := m.presence.Reserve(ctx, agentID); err != nil {
		if chaterrors.IsUnavailable(err) {
			metrics.Assignments.WithLabelValues("at_capacity").Inc()
		}
		return nil, err
	}

	claimed, err := m.store.ClaimTicket(ctx, tenantID, ticketID, agentID, m.now())
	if err != nil {
		m.release(ctx, agentID)
		if errors.Is(err, storage.ErrConflict) {
			metrics.Assignments.WithLabelValues("conflict").Inc()
			return nil, chaterrors.ErrAlreadyClaimed(ticketID, err)
		}
		return nil, m.mapErr(err, ticketID)
	}

	metrics.Assignments.WithLabelValues("assigned").Inc()
	if claimed.AssignedAt != nil {
		metrics.TimeToAssign.Observe(claimed.AssignedAt.Sub(claimed.EscalatedAt).Seconds())
	}
	m.setSessionStatus(ctx, claimed.Session, domain.SessionAssigned)
	m.logger.Info().
		Str("ticket_id", ticketID).
		Str("tenant_id", tenantID).
		Str("agent_id", agentID).
		Msg("Ticket assigned")
	m.fanout.TicketChanged(ctx, message.TypeTicketAssigned, claimed, "", actor)
	return claimed, nil
}

// Reassign moves an assigned ticket to a different agent and records the
// transfer.
func (m *Machine) Reassign(ctx context.Context, tenantID, ticketID, newAgentID string, actor *message.SenderInfo) (*domain.HandoffTicket, error) {
	t, err := m.store.GetTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, m.mapErr(err, ticketID)
	}
	if t.Status != domain.TicketAssigned {
		return nil, chaterrors.ErrInvalidTransition(string(t.Status), string(domain.TicketAssigned))
	}
	previous := t.AssignedAgent
	if previous == newAgentID {
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat,
			"ticket is already assigned to this agent", nil)
	}

	if _, err := m.claimableAgent(ctx, tenantID, newAgentID); err != nil {
		return nil, err
	}
	if _, err := m.presence.Reserve(ctx, newAgentID); err != nil {
		return nil, err
	}

	moved, err := m.store.TransferTicket(ctx, tenantID, ticketID, previous, newAgentID, m.now())
	if err != nil {
		m.release(ctx, newAgentID)
		if errors.Is(err, storage.ErrConflict) {
			return nil, chaterrors.ErrAlreadyClaimed(ticketID, err)
		}
		return nil, m.mapErr(err, ticketID)
	}
	m.release(ctx, previous)

	metrics.Assignments.WithLabelValues("reassigned").Inc()
	m.logger.Info().
		Str("ticket_id", ticketID).
		Str("tenant_id", tenantID).
		Str("from_agent", previous).
		Str("to_agent", newAgentID).
		Msg("Ticket reassigned")
	m.fanout.TicketChanged(ctx, message.TypeTicketReassigned, moved, previous, actor)
	m.fanout.AccessRevoked(moved.Session, previous)
	return moved, nil
}

// Resolve closes a pending or assigned ticket and frees the agent's slot.
func (m *Machine) Resolve(ctx context.Context, tenantID, ticketID, notes string, actor *message.SenderInfo) (*domain.HandoffTicket, error) {
	before, after, err := m.store.ResolveTicket(ctx, tenantID, ticketID, notes, m.now())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, chaterrors.ErrInvalidTransition(string(domain.TicketResolved), string(domain.TicketResolved))
		}
		return nil, m.mapErr(err, ticketID)
	}

	if before.Status == domain.TicketAssigned && before.AssignedAgent != "" {
		m.release(ctx, before.AssignedAgent)
		if err := m.store.IncrementHandled(util.Detach(ctx), before.AssignedAgent); err != nil {
			util.LogWarn(m.logger, "handoff", "count handled session", err, "agent_id", before.AssignedAgent)
		}
	}

	metrics.Resolutions.Inc()
	m.setSessionStatus(ctx, after.Session, domain.SessionResolved)
	m.logger.Info().
		Str("ticket_id", ticketID).
		Str("tenant_id", tenantID).
		Str("agent_id", before.AssignedAgent).
		Msg("Ticket resolved")
	m.fanout.TicketChanged(ctx, message.TypeTicketResolved, after, "", actor)
	if before.Status == domain.TicketAssigned {
		m.fanout.AccessRevoked(after.Session, before.AssignedAgent)
	}
	return after, nil
}

// Ticket returns one ticket of the tenant.
func (m *Machine) Ticket(ctx context.Context, tenantID, ticketID string) (*domain.HandoffTicket, error) {
	t, err := m.store.GetTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, m.mapErr(err, ticketID)
	}
	return t, nil
}

// OpenTicket returns the session's pending or assigned ticket, or nil.
func (m *Machine) OpenTicket(ctx context.Context, ref domain.SessionRef) (*domain.HandoffTicket, error) {
	t, err := m.store.OpenTicketForSession(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return t, nil
}

// ListPending returns the tenant's pending tickets in queue order.
func (m *Machine) ListPending(ctx context.Context, tenantID string) ([]*domain.HandoffTicket, error) {
	return m.List(ctx, tenantID, domain.TicketPending)
}

// List returns the tenant's tickets with status, oldest escalation first.
func (m *Machine) List(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.HandoffTicket, error) {
	tickets, err := m.store.ListTickets(ctx, tenantID, status)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return tickets, nil
}

// claimableAgent loads the agent and checks it can be handed a ticket of
// the tenant.
func (m *Machine) claimableAgent(ctx context.Context, tenantID, agentID string) (*domain.Agent, error) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, chaterrors.ErrAgentNotFound(agentID)
		}
		return nil, chaterrors.ErrDatabaseError(err)
	}
	if a.TenantID != tenantID {
		return nil, chaterrors.ErrTenantMismatch()
	}
	if a.LoginState == domain.LoginOffline {
		return nil, chaterrors.ErrAgentOffline(agentID)
	}
	return a, nil
}

// release frees a slot even when the request context is already cancelled.
func (m *Machine) release(ctx context.Context, agentID string) {
	if _, err := m.presence.Release(util.Detach(ctx), agentID); err != nil {
		util.LogError(m.logger, "handoff", "release agent slot", err, "agent_id", agentID)
	}
}

// setSessionStatus mirrors the ticket state on the session. The ticket is
// authoritative, so a failure here is logged only.
func (m *Machine) setSessionStatus(ctx context.Context, ref domain.SessionRef, status domain.SessionStatus) {
	if err := m.store.SetSessionStatus(util.Detach(ctx), ref, status); err != nil {
		util.LogWarn(m.logger, "handoff", "update session status", err,
			"tenant_id", ref.TenantID, "session_id", ref.SessionID, "status", string(status))
	}
}

func (m *Machine) mapErr(err error, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return chaterrors.ErrTicketNotFound(id)
	case errors.Is(err, storage.ErrInvalidInput):
		return chaterrors.NewValidationError(chaterrors.ErrCodeMissingField, err.Error(), err)
	default:
		return chaterrors.ErrDatabaseError(err)
	}
}
