// Package notification turns handoff and presence changes into room
// broadcasts and audit events.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/events"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/registry"
	"github.com/real-rm/chatdesk/internal/util"
)

// Fanout delivers notifications. Delivery is best-effort: failures are
// logged and never surfaced to the caller, since stored state is
// authoritative.
type Fanout struct {
	rooms  registry.Broadcaster
	sink   events.Sink
	logger zerolog.Logger
}

// NewFanout creates a fanout over rooms. A nil sink discards audit events.
func NewFanout(rooms registry.Broadcaster, sink events.Sink, logger zerolog.Logger) *Fanout {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Fanout{
		rooms:  rooms,
		sink:   sink,
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// Send encodes msg once and broadcasts it to each room. It returns the total
// number of connections reached.
func (f *Fanout) Send(msg *message.Message, roomKeys ...string) int {
	frame, err := json.Marshal(msg)
	if err != nil {
		util.LogError(f.logger, "notification", "encode frame", err, "type", string(msg.Type))
		return 0
	}

	total := 0
	for _, key := range roomKeys {
		total += f.rooms.Broadcast(key, frame)
	}
	return total
}

// TicketChanged notifies the session room and the tenant agents room of a
// ticket transition. Assignments also go to the assigned agent's room.
func (f *Fanout) TicketChanged(ctx context.Context, eventType message.MessageType, t *domain.HandoffTicket, previousAgent string, actor *message.SenderInfo) {
	tenantID := t.Session.TenantID
	rooms := []string{
		registry.SessionRoom(tenantID, t.Session.SessionID),
		registry.AgentsRoom(tenantID),
	}
	if (eventType == message.TypeTicketAssigned || eventType == message.TypeTicketReassigned) && t.AssignedAgent != "" {
		rooms = append(rooms, registry.AgentRoom(tenantID, t.AssignedAgent))
	}

	snapshot := t.Clone()
	delivered := f.Send(&message.Message{
		Type:       eventType,
		TenantID:   tenantID,
		SessionID:  t.Session.SessionID,
		Ticket:     snapshot,
		Timestamp:  time.Now().UTC(),
		SenderInfo: actor,
	}, rooms...)

	f.logger.Debug().
		Str("event", string(eventType)).
		Str("ticket_id", t.ID).
		Str("tenant_id", tenantID).
		Int("delivered", delivered).
		Msg("Ticket notification sent")

	f.publish(ctx, events.TicketEvent(string(eventType), snapshot, previousAgent))
}

// AccessRevoked drops the agent's connections from the session room once
// the agent no longer holds the session. Broadcasters that cannot evict
// leave membership alone.
func (f *Fanout) AccessRevoked(ref domain.SessionRef, agentID string) {
	ev, ok := f.rooms.(registry.Evictor)
	if !ok || agentID == "" {
		return
	}
	n := ev.EvictAgent(registry.SessionRoom(ref.TenantID, ref.SessionID), agentID)
	f.logger.Debug().
		Str("tenant_id", ref.TenantID).
		Str("session_id", ref.SessionID).
		Str("agent_id", agentID).
		Int("evicted", n).
		Msg("Session access revoked")
}

// AgentStatusChanged notifies the tenant agents room of a status change.
func (f *Fanout) AgentStatusChanged(ctx context.Context, a *domain.Agent, previous domain.AgentStatus) {
	f.Send(&message.Message{
		Type:       message.TypeAgentStatus,
		TenantID:   a.TenantID,
		Agent:      message.SummarizeAgent(a),
		Timestamp:  time.Now().UTC(),
		SenderInfo: &message.SenderInfo{Role: domain.SenderAgent, ID: a.ID, Name: a.Name},
	}, registry.AgentsRoom(a.TenantID))

	f.logger.Debug().
		Str("agent_id", a.ID).
		Str("from", string(previous)).
		Str("to", string(a.Status)).
		Msg("Agent status notification sent")

	f.publish(ctx, events.AgentEvent(a))
}

func (f *Fanout) publish(ctx context.Context, e events.Event) {
	pubCtx, cancel := util.NewTimeoutContext(util.Detach(ctx), constants.EventPublishTimeout)
	defer cancel()
	if err := f.sink.Publish(pubCtx, e); err != nil {
		util.LogWarn(f.logger, "notification", "publish event", err, "event_type", e.Type, "tenant_id", e.TenantID)
	}
}

// Close closes the audit sink.
func (f *Fanout) Close() error {
	return f.sink.Close()
}
