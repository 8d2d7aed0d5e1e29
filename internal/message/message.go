package message

import (
	"encoding/json"
	"time"

	"github.com/real-rm/chatdesk/internal/domain"
)

// MessageType represents the type of WebSocket frame
type MessageType string

const (
	// Inbound and mirrored outbound
	TypeChatMessage MessageType = "chat_message"
	TypeTyping      MessageType = "typing"
	TypeAgentJoin   MessageType = "agent_join"
	TypePing        MessageType = "ping"

	// Outbound only
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
	TypeTicketEscalated  MessageType = "ticket_escalated"
	TypeTicketAssigned   MessageType = "ticket_assigned"
	TypeTicketReassigned MessageType = "ticket_reassigned"
	TypeTicketResolved   MessageType = "ticket_resolved"
	TypeAgentStatus      MessageType = "agent_status"
)

// ErrorInfo contains error details
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// SenderInfo identifies the author of an outbound frame.
type SenderInfo struct {
	Role domain.SenderRole `json:"role"`
	ID   string            `json:"id,omitempty"`
	Name string            `json:"name,omitempty"`
}

// Message is a WebSocket frame. Inbound frames only use Type, Content,
// Attachments, IsTyping and Extensions; the server fills the rest.
type Message struct {
	Type        MessageType           `json:"type"`
	TenantID    string                `json:"tenant_id,omitempty"`
	SessionID   string                `json:"session_id,omitempty"`
	MessageID   string                `json:"message_id,omitempty"`
	Content     string                `json:"content,omitempty"`
	Attachments []domain.Attachment   `json:"attachments,omitempty"`
	IsTyping    *bool                 `json:"is_typing,omitempty"`
	Extensions  *domain.Extensions    `json:"extensions,omitempty"`
	Ticket      *domain.HandoffTicket `json:"ticket,omitempty"`
	Agent       *AgentSummary         `json:"agent,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
	SenderInfo  *SenderInfo           `json:"sender_info,omitempty"`
	Error       *ErrorInfo            `json:"error,omitempty"`
}

// AgentSummary is the presence view of an agent sent to agent rooms.
type AgentSummary struct {
	ID              string             `json:"id"`
	Name            string             `json:"name,omitempty"`
	Status          domain.AgentStatus `json:"status"`
	CurrentSessions int                `json:"current_session_count"`
	MaxSessions     int                `json:"max_concurrent_sessions"`
}

// SummarizeAgent builds the wire view of an agent.
func SummarizeAgent(a *domain.Agent) *AgentSummary {
	return &AgentSummary{
		ID:              a.ID,
		Name:            a.Name,
		Status:          a.Status,
		CurrentSessions: a.CurrentSessions,
		MaxSessions:     a.MaxConcurrentSessions,
	}
}

// FromChatMessage builds the outbound chat_message frame for a stored message.
func FromChatMessage(m *domain.ChatMessage) *Message {
	out := &Message{
		Type:        TypeChatMessage,
		TenantID:    m.Session.TenantID,
		SessionID:   m.Session.SessionID,
		MessageID:   m.ID,
		Content:     m.Content,
		Attachments: m.Attachments,
		Timestamp:   m.Timestamp,
		SenderInfo:  &SenderInfo{Role: m.SenderRole, ID: m.SenderID, Name: m.SenderName},
	}
	if !m.Extensions.IsZero() {
		ext := m.Extensions
		out.Extensions = &ext
	}
	return out
}

// NewError builds an error frame.
func NewError(info *ErrorInfo) *Message {
	return &Message{Type: TypeError, Error: info, Timestamp: time.Now()}
}

// MarshalJSON implements custom JSON marshaling for Message
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}

	return nil
}
