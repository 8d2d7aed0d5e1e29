// Package domain holds the entities shared by the chatdesk core: chat sessions,
// messages, handoff tickets, agents and the verified caller identity.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a ChatSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEscalated SessionStatus = "escalated"
	SessionAssigned  SessionStatus = "assigned"
	SessionResolved  SessionStatus = "resolved"
	SessionClosed    SessionStatus = "closed"
)

// ChatSession is a conversation between a visitor and the tenant.
// SessionID is unique within TenantID.
type ChatSession struct {
	TenantID  string        `json:"tenant_id"`
	SessionID string        `json:"session_id"`
	VisitorID string        `json:"visitor_id,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// BotActive reports whether the bot answers this session: before the first
// escalation and again after the last ticket was resolved.
func (s *ChatSession) BotActive() bool {
	return s.Status == SessionActive || s.Status == SessionResolved
}

// SessionRef identifies a ChatSession across tenants.
type SessionRef struct {
	TenantID  string `json:"tenant_id" bson:"tid"`
	SessionID string `json:"session_id" bson:"sid"`
}

func (s *ChatSession) Ref() SessionRef {
	return SessionRef{TenantID: s.TenantID, SessionID: s.SessionID}
}

// SenderRole identifies who authored a ChatMessage.
type SenderRole string

const (
	SenderUser  SenderRole = "user"
	SenderBot   SenderRole = "bot"
	SenderAgent SenderRole = "agent"
)

// Attachment references externally stored content.
type Attachment struct {
	URL      string `json:"url" bson:"url"`
	Name     string `json:"name,omitempty" bson:"n,omitempty"`
	MimeType string `json:"mime_type,omitempty" bson:"mt,omitempty"`
	Size     int64  `json:"size,omitempty" bson:"sz,omitempty"`
}

// Extensions carries optional per-message metadata. Unknown keys are not accepted.
type Extensions struct {
	ClientMessageID  string   `json:"client_message_id,omitempty" bson:"cmid,omitempty"`
	Locale           string   `json:"locale,omitempty" bson:"loc,omitempty"`
	Source           string   `json:"source,omitempty" bson:"src,omitempty"`
	AnswerConfidence *float64 `json:"answer_confidence,omitempty" bson:"conf,omitempty"`
	EscalationRef    string   `json:"escalation_ref,omitempty" bson:"eref,omitempty"`
}

// IsZero reports whether no extension is set.
func (e Extensions) IsZero() bool {
	return e.ClientMessageID == "" && e.Locale == "" && e.Source == "" &&
		e.AnswerConfidence == nil && e.EscalationRef == ""
}

// ChatMessage is an append-only entry in a session's history.
type ChatMessage struct {
	ID          string       `json:"id"`
	Session     SessionRef   `json:"session"`
	SenderRole  SenderRole   `json:"sender_role"`
	SenderID    string       `json:"sender_id,omitempty"`
	SenderName  string       `json:"sender_name,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Extensions  Extensions   `json:"extensions,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// TicketStatus is the lifecycle state of a HandoffTicket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketAssigned TicketStatus = "assigned"
	TicketResolved TicketStatus = "resolved"
)

// Open reports whether the ticket still occupies its session's single open slot.
func (s TicketStatus) Open() bool {
	return s == TicketPending || s == TicketAssigned
}

// Priority of an escalation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Transfer records a reassignment between agents.
type Transfer struct {
	From string    `json:"from" bson:"f"`
	To   string    `json:"to" bson:"t"`
	At   time.Time `json:"at" bson:"at"`
}

// HandoffTicket tracks one escalation of a session to the human queue.
type HandoffTicket struct {
	ID               string       `json:"id"`
	Session          SessionRef   `json:"session"`
	EscalationReason string       `json:"escalation_reason"`
	Priority         Priority     `json:"priority"`
	Status           TicketStatus `json:"status"`
	AssignedAgent    string       `json:"assigned_agent,omitempty"`
	EscalatedAt      time.Time    `json:"escalated_at"`
	AssignedAt       *time.Time   `json:"assigned_at,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Transfers        []Transfer   `json:"transfers,omitempty"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t *HandoffTicket) Clone() *HandoffTicket {
	if t == nil {
		return nil
	}
	c := *t
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.ResolvedAt != nil {
		rt := *t.ResolvedAt
		c.ResolvedAt = &rt
	}
	c.Transfers = append([]Transfer(nil), t.Transfers...)
	return &c
}

// AgentStatus is the derived presence of an agent.
type AgentStatus string

const (
	AgentOffline   AgentStatus = "offline"
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentAway      AgentStatus = "away"
)

// LoginState is what the agent explicitly asked for. It bounds the derived status.
type LoginState string

const (
	LoginOnline  LoginState = "online"
	LoginAway    LoginState = "away"
	LoginOffline LoginState = "offline"
)

// Agent is a human support agent and their live load.
// CurrentSessions never exceeds MaxConcurrentSessions.
type Agent struct {
	ID                    string      `json:"id"`
	TenantID              string      `json:"tenant_id"`
	Name                  string      `json:"name,omitempty"`
	Status                AgentStatus `json:"status"`
	LoginState            LoginState  `json:"login_state"`
	MaxConcurrentSessions int         `json:"max_concurrent_sessions"`
	CurrentSessions       int         `json:"current_session_count"`
	LastHeartbeatAt       time.Time   `json:"last_heartbeat_at"`
	Specializations       []string    `json:"specializations,omitempty"`
	TotalHandled          int         `json:"total_handled"`
}

// HasCapacity reports whether the agent can take one more session.
func (a *Agent) HasCapacity() bool {
	return a.CurrentSessions < a.MaxConcurrentSessions
}

// Clone returns a deep copy safe to hand out of a store.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Specializations = append([]string(nil), a.Specializations...)
	return &c
}

// Role of an authenticated caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleBot   Role = "bot"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Identity is the verified caller context supplied by the auth collaborator.
type Identity struct {
	TenantID  string `json:"tenant_id"`
	Role      Role   `json:"role"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

// SenderRole maps the caller role onto the role recorded on messages.
// Admins write as agents.
func (i Identity) SenderRole() SenderRole {
	switch i.Role {
	case RoleBot:
		return SenderBot
	case RoleAgent, RoleAdmin:
		return SenderAgent
	default:
		return SenderUser
	}
}

// SenderID is the id recorded on messages authored by this caller.
func (i Identity) SenderID() string {
	if i.Role == RoleAgent && i.AgentID != "" {
		return i.AgentID
	}
	return i.UserID
}

// IsStaff reports whether the caller acts on behalf of the tenant.
func (i Identity) IsStaff() bool {
	return i.Role == RoleAgent || i.Role == RoleAdmin
}

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// NewMessageID returns a time-ordered identifier. IDs minted by one process
// sort in creation order, which breaks timestamp ties in message history.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
