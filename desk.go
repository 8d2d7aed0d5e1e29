package chatdesk

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/handoff"
	"github.com/real-rm/chatdesk/internal/matching"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/presence"
	"github.com/real-rm/chatdesk/internal/router"
	"github.com/real-rm/chatdesk/internal/storage"
)

// QueuedTicket is a pending ticket with its place in the tenant's queue.
type QueuedTicket struct {
	*domain.HandoffTicket
	Position             int `json:"queue_position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

// Desk is the entry point for the CRUD layer. Every call checks the
// caller's identity against the tenant and role before touching state.
type Desk struct {
	store    storage.Store
	router   *router.Router
	machine  *handoff.Machine
	matcher  *matching.Matcher
	presence *presence.Tracker
	logger   zerolog.Logger
}

// NewDesk assembles the facade from its collaborators.
func NewDesk(store storage.Store, rt *router.Router, machine *handoff.Machine, matcher *matching.Matcher, tracker *presence.Tracker, logger zerolog.Logger) *Desk {
	return &Desk{
		store:    store,
		router:   rt,
		machine:  machine,
		matcher:  matcher,
		presence: tracker,
		logger:   logger.With().Str("component", "desk").Logger(),
	}
}

// OpenSession returns the caller's chat session, creating it on first use.
func (d *Desk) OpenSession(ctx context.Context, id domain.Identity, tenantID, sessionID string) (*domain.ChatSession, bool, error) {
	return d.router.OpenSession(ctx, id, tenantID, sessionID)
}

// History returns the newest messages of a session, oldest first.
func (d *Desk) History(ctx context.Context, id domain.Identity, tenantID, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	return d.router.History(ctx, id, tenantID, sessionID, limit)
}

// PostMessage routes a message sent over HTTP.
func (d *Desk) PostMessage(ctx context.Context, id domain.Identity, tenantID, sessionID, content string, attachments []domain.Attachment, ext domain.Extensions) (*domain.ChatMessage, error) {
	return d.router.Route(ctx, id, tenantID, sessionID, content, attachments, ext)
}

// EscalateSession opens a handoff ticket for the session, or returns the
// one already open. Visitors may only escalate their own session; agents
// and admins any session of their tenant.
func (d *Desk) EscalateSession(ctx context.Context, id domain.Identity, tenantID, sessionID, reason string, priority domain.Priority) (*domain.HandoffTicket, bool, error) {
	if id.IsStaff() {
		if err := sameTenant(id, tenantID); err != nil {
			return nil, false, err
		}
		if sessionID == "" {
			return nil, false, chaterrors.ErrMissingField("session_id")
		}
	} else if _, _, err := d.router.AuthorizeSessionAccess(ctx, id, tenantID, sessionID); err != nil {
		return nil, false, err
	}

	ref := domain.SessionRef{TenantID: tenantID, SessionID: sessionID}
	return d.machine.Escalate(ctx, ref, reason, priority, actorOf(id))
}

// AssignSession hands a pending ticket to an agent. Agents may only claim
// tickets for themselves. An admin who names no agent gets the best
// available one.
func (d *Desk) AssignSession(ctx context.Context, id domain.Identity, tenantID, ticketID, agentID string) (*domain.HandoffTicket, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}

	if id.Role == domain.RoleAgent {
		if agentID == "" {
			agentID = id.SenderID()
		}
		if agentID != id.SenderID() {
			return nil, chaterrors.ErrInsufficientPermissions()
		}
	}

	if agentID != "" {
		return d.machine.Assign(ctx, tenantID, ticketID, agentID, actorOf(id))
	}

	t, err := d.machine.Ticket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TicketPending {
		return nil, chaterrors.ErrAlreadyClaimed(ticketID, nil)
	}
	return d.machine.AutoAssign(ctx, t)
}

// ReassignSession moves an assigned ticket to another agent. Admins may
// move any ticket; agents only tickets they hold.
func (d *Desk) ReassignSession(ctx context.Context, id domain.Identity, tenantID, ticketID, newAgentID string) (*domain.HandoffTicket, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}
	if newAgentID == "" {
		return nil, chaterrors.ErrMissingField("agent_id")
	}
	if err := d.requireHolder(ctx, id, tenantID, ticketID); err != nil {
		return nil, err
	}
	return d.machine.Reassign(ctx, tenantID, ticketID, newAgentID, actorOf(id))
}

// ResolveSession closes a ticket. Admins may resolve any ticket; agents
// only tickets they hold.
func (d *Desk) ResolveSession(ctx context.Context, id domain.Identity, tenantID, ticketID, notes string) (*domain.HandoffTicket, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}
	if err := d.requireHolder(ctx, id, tenantID, ticketID); err != nil {
		return nil, err
	}
	return d.machine.Resolve(ctx, tenantID, ticketID, notes, actorOf(id))
}

// ListPendingTickets returns the tenant's queue, oldest first, with each
// ticket's position and estimated wait.
func (d *Desk) ListPendingTickets(ctx context.Context, id domain.Identity, tenantID string) ([]QueuedTicket, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}
	tickets, err := d.machine.ListPending(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]QueuedTicket, len(tickets))
	for i, t := range tickets {
		position := i + 1
		out[i] = QueuedTicket{
			HandoffTicket:        t,
			Position:             position,
			EstimatedWaitSeconds: int(d.matcher.EstimatedWait(position).Seconds()),
		}
	}
	return out, nil
}

// ListTickets returns the tenant's tickets with the given status.
func (d *Desk) ListTickets(ctx context.Context, id domain.Identity, tenantID string, status domain.TicketStatus) ([]*domain.HandoffTicket, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}
	switch status {
	case domain.TicketPending, domain.TicketAssigned, domain.TicketResolved:
	default:
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat, "unknown ticket status "+string(status), nil)
	}
	return d.machine.List(ctx, tenantID, status)
}

// Candidates ranks the agents eligible for a ticket.
func (d *Desk) Candidates(ctx context.Context, id domain.Identity, tenantID, ticketID string) ([]matching.Candidate, error) {
	if err := requireStaff(id, tenantID); err != nil {
		return nil, err
	}
	t, err := d.machine.Ticket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	return d.matcher.Candidates(ctx, t)
}

// QueueStatus reports a ticket's queue position and estimated wait. The
// visitor of the ticket's session may ask too.
func (d *Desk) QueueStatus(ctx context.Context, id domain.Identity, tenantID, ticketID string) (matching.QueueStatus, error) {
	if err := sameTenant(id, tenantID); err != nil {
		return matching.QueueStatus{}, err
	}
	t, err := d.machine.Ticket(ctx, tenantID, ticketID)
	if err != nil {
		return matching.QueueStatus{}, err
	}
	if !id.IsStaff() {
		if _, _, err := d.router.AuthorizeSessionAccess(ctx, id, tenantID, t.Session.SessionID); err != nil {
			return matching.QueueStatus{}, err
		}
	}
	return d.matcher.Status(ctx, t)
}

// UpsertAgent creates or updates an agent profile. Admins only.
func (d *Desk) UpsertAgent(ctx context.Context, id domain.Identity, tenantID string, a *domain.Agent) (*domain.Agent, error) {
	if err := sameTenant(id, tenantID); err != nil {
		return nil, err
	}
	if id.Role != domain.RoleAdmin {
		return nil, chaterrors.ErrInsufficientPermissions()
	}
	if a.ID == "" {
		return nil, chaterrors.ErrMissingField("agent_id")
	}
	if a.MaxConcurrentSessions < 0 || a.MaxConcurrentSessions > constants.MaxAgentConcurrentLimit {
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat,
			fmt.Sprintf("max_concurrent_sessions must be between 0 and %d", constants.MaxAgentConcurrentLimit), nil)
	}
	if a.MaxConcurrentSessions == 0 {
		a.MaxConcurrentSessions = constants.DefaultMaxConcurrent
	}
	a.TenantID = tenantID

	saved, err := d.store.UpsertAgent(ctx, a)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, chaterrors.ErrTenantMismatch()
	case errors.Is(err, storage.ErrCapacity):
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat,
			"max_concurrent_sessions is below the agent's current session count", err)
	case errors.Is(err, storage.ErrInvalidInput):
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeMissingField, err.Error(), err)
	case err != nil:
		return nil, chaterrors.ErrDatabaseError(err)
	}
	d.logger.Info().Str("tenant_id", tenantID).Str("agent_id", saved.ID).Str("admin_id", id.UserID).Msg("Agent profile saved")

	// A capacity change can flip BUSY and AVAILABLE right away.
	refreshed, err := d.presence.Refresh(ctx, saved.ID)
	if err != nil {
		d.logger.Warn().Err(err).Str("agent_id", saved.ID).Msg("Agent status refresh failed after profile save")
		return saved, nil
	}
	return refreshed, nil
}

// UpdateAgentStatus applies a requested status. Agents may change their
// own status; admins any agent's in the tenant.
func (d *Desk) UpdateAgentStatus(ctx context.Context, id domain.Identity, tenantID, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	if err := d.requireAgentAccess(ctx, id, tenantID, agentID); err != nil {
		return nil, err
	}
	return d.presence.UpdateAgentStatus(ctx, agentID, status)
}

// Heartbeat records that the agent is active.
func (d *Desk) Heartbeat(ctx context.Context, id domain.Identity, tenantID, agentID string) (*domain.Agent, error) {
	if err := d.requireAgentAccess(ctx, id, tenantID, agentID); err != nil {
		return nil, err
	}
	return d.presence.Heartbeat(ctx, agentID)
}

func (d *Desk) requireAgentAccess(ctx context.Context, id domain.Identity, tenantID, agentID string) error {
	if err := requireStaff(id, tenantID); err != nil {
		return err
	}
	if id.Role == domain.RoleAgent && agentID != id.SenderID() {
		return chaterrors.ErrInsufficientPermissions()
	}

	a, err := d.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return chaterrors.ErrAgentNotFound(agentID)
	}
	if err != nil {
		return chaterrors.ErrDatabaseError(err)
	}
	if a.TenantID != tenantID {
		// Agents of other tenants are invisible.
		return chaterrors.ErrAgentNotFound(agentID)
	}
	return nil
}

// requireHolder lets admins through and checks that an agent holds the ticket.
func (d *Desk) requireHolder(ctx context.Context, id domain.Identity, tenantID, ticketID string) error {
	if id.Role == domain.RoleAdmin {
		return nil
	}
	t, err := d.machine.Ticket(ctx, tenantID, ticketID)
	if err != nil {
		return err
	}
	if t.AssignedAgent != id.SenderID() {
		return chaterrors.ErrNotParticipant()
	}
	return nil
}

func sameTenant(id domain.Identity, tenantID string) error {
	if tenantID == "" {
		return chaterrors.ErrMissingField("tenant_id")
	}
	if id.TenantID != tenantID {
		return chaterrors.ErrTenantMismatch()
	}
	return nil
}

func requireStaff(id domain.Identity, tenantID string) error {
	if err := sameTenant(id, tenantID); err != nil {
		return err
	}
	if !id.IsStaff() {
		return chaterrors.ErrInsufficientPermissions()
	}
	return nil
}

func actorOf(id domain.Identity) *message.SenderInfo {
	name := id.Name
	if name == "" {
		name = id.UserID
	}
	return &message.SenderInfo{Role: id.SenderRole(), ID: id.SenderID(), Name: name}
}
