// Package events publishes handoff lifecycle events for audit and analytics.
// Publishing is best-effort: a failed publish is logged by the caller and
// never undoes the state change it describes.
package events

import (
	"context"
	"time"

	"github.com/real-rm/chatdesk/internal/domain"
)

// Event types
const (
	TypeTicketEscalated  = "ticket_escalated"
	TypeTicketAssigned   = "ticket_assigned"
	TypeTicketReassigned = "ticket_reassigned"
	TypeTicketResolved   = "ticket_resolved"
	TypeAgentStatus      = "agent_status"
)

// Event is one lifecycle fact.
type Event struct {
	ID              string                `json:"id"`
	Type            string                `json:"type"`
	TenantID        string                `json:"tenant_id"`
	SessionID       string                `json:"session_id,omitempty"`
	TicketID        string                `json:"ticket_id,omitempty"`
	AgentID         string                `json:"agent_id,omitempty"`
	PreviousAgentID string                `json:"previous_agent_id,omitempty"`
	AgentStatus     domain.AgentStatus    `json:"agent_status,omitempty"`
	Ticket          *domain.HandoffTicket `json:"ticket,omitempty"`
	OccurredAt      time.Time             `json:"occurred_at"`
}

// Key partitions events so one session's history stays ordered.
func (e Event) Key() string {
	if e.SessionID != "" {
		return e.TenantID + "/" + e.SessionID
	}
	return e.TenantID + "/agent/" + e.AgentID
}

// TicketEvent builds an event for a ticket transition.
func TicketEvent(eventType string, t *domain.HandoffTicket, previousAgent string) Event {
	return Event{
		ID:              domain.NewID(),
		Type:            eventType,
		TenantID:        t.Session.TenantID,
		SessionID:       t.Session.SessionID,
		TicketID:        t.ID,
		AgentID:         t.AssignedAgent,
		PreviousAgentID: previousAgent,
		Ticket:          t,
		OccurredAt:      time.Now().UTC(),
	}
}

// AgentEvent builds an event for an agent status change.
func AgentEvent(a *domain.Agent) Event {
	return Event{
		ID:          domain.NewID(),
		Type:        TypeAgentStatus,
		TenantID:    a.TenantID,
		AgentID:     a.ID,
		AgentStatus: a.Status,
		OccurredAt:  time.Now().UTC(),
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, e Event) error { return nil }
func (NopSink) Close() error                               { return nil }
