package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/real-rm/chatdesk/internal/domain"
)

// MemoryStore is an in-process Store. A single lock makes every
// conditional update linearizable.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionRef]*domain.ChatSession
	messages map[domain.SessionRef][]*domain.ChatMessage
	tickets  map[string]*domain.HandoffTicket // ticket id -> ticket
	open     map[domain.SessionRef]string     // session -> open ticket id
	agents   map[string]*domain.Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[domain.SessionRef]*domain.ChatSession),
		messages: make(map[domain.SessionRef][]*domain.ChatMessage),
		tickets:  make(map[string]*domain.HandoffTicket),
		open:     make(map[domain.SessionRef]string),
		agents:   make(map[string]*domain.Agent),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error  { return nil }
func (m *MemoryStore) Close(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateSession(ctx context.Context, s *domain.ChatSession) (*domain.ChatSession, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("%w: session is nil", ErrInvalidInput)
	}
	ref := s.Ref()
	if err := validRef(ref); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[ref]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *s
	m.sessions[ref] = &c
	out := c
	return &out, true, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, ref domain.SessionRef) (*domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[ref]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) SetSessionStatus(ctx context.Context, ref domain.SessionRef, status domain.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[ref]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidInput)
	}
	if err := validRef(msg.Session); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.Session]; !ok {
		return ErrNotFound
	}
	c := *msg
	c.Attachments = append([]domain.Attachment(nil), msg.Attachments...)
	m.messages[msg.Session] = append(m.messages[msg.Session], &c)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, ref domain.SessionRef, limit int) ([]*domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[ref]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*domain.ChatMessage, 0, len(all)-start)
	for _, msg := range all[start:] {
		c := *msg
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) OpenTicket(ctx context.Context, t *domain.HandoffTicket) (*domain.HandoffTicket, bool, error) {
	if t == nil || t.ID == "" {
		return nil, false, fmt.Errorf("%w: ticket and ticket id are required", ErrInvalidInput)
	}
	if err := validRef(t.Session); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.open[t.Session]; ok {
		return m.tickets[id].Clone(), false, nil
	}
	c := t.Clone()
	c.Status = domain.TicketPending
	m.tickets[c.ID] = c
	m.open[c.Session] = c.ID
	return c.Clone(), true, nil
}

func (m *MemoryStore) GetTicket(ctx context.Context, tenantID, ticketID string) (*domain.HandoffTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[ticketID]
	if !ok || t.Session.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) OpenTicketForSession(ctx context.Context, ref domain.SessionRef) (*domain.HandoffTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.open[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return m.tickets[id].Clone(), nil
}

// ticketLocked returns the live ticket; callers hold m.mu.
func (m *MemoryStore) ticketLocked(tenantID, ticketID string) (*domain.HandoffTicket, error) {
	t, ok := m.tickets[ticketID]
	if !ok || t.Session.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ClaimTicket(ctx context.Context, tenantID, ticketID, agentID string, at time.Time) (*domain.HandoffTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ticketLocked(tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TicketPending {
		return nil, ErrConflict
	}
	t.Status = domain.TicketAssigned
	t.AssignedAgent = agentID
	assignedAt := at
	t.AssignedAt = &assignedAt
	return t.Clone(), nil
}

func (m *MemoryStore) TransferTicket(ctx context.Context, tenantID, ticketID, from, to string, at time.Time) (*domain.HandoffTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ticketLocked(tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TicketAssigned || t.AssignedAgent != from {
		return nil, ErrConflict
	}
	t.AssignedAgent = to
	t.Transfers = append(t.Transfers, domain.Transfer{From: from, To: to, At: at})
	return t.Clone(), nil
}

func (m *MemoryStore) ResolveTicket(ctx context.Context, tenantID, ticketID, notes string, at time.Time) (*domain.HandoffTicket, *domain.HandoffTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ticketLocked(tenantID, ticketID)
	if err != nil {
		return nil, nil, err
	}
	if !t.Status.Open() {
		return nil, nil, ErrConflict
	}
	before := t.Clone()
	t.Status = domain.TicketResolved
	resolvedAt := at
	t.ResolvedAt = &resolvedAt
	if notes != "" {
		t.Notes = notes
	}
	delete(m.open, t.Session)
	return before, t.Clone(), nil
}

func (m *MemoryStore) ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.HandoffTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.HandoffTicket
	for _, t := range m.tickets {
		if t.Session.TenantID != tenantID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	return out, nil
}

func (m *MemoryStore) CountPendingBefore(ctx context.Context, tenantID string, escalatedAt time.Time, ticketID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target := &domain.HandoffTicket{ID: ticketID, EscalatedAt: escalatedAt}
	n := 0
	for _, t := range m.tickets {
		if t.Session.TenantID != tenantID || t.Status != domain.TicketPending || t.ID == ticketID {
			continue
		}
		if queueLess(t, target) {
			n++
		}
	}
	return n, nil
}

// queueLess orders tickets by escalation time, then id.
func queueLess(a, b *domain.HandoffTicket) bool {
	if !a.EscalatedAt.Equal(b.EscalatedAt) {
		return a.EscalatedAt.Before(b.EscalatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	if a == nil || a.ID == "" || a.TenantID == "" {
		return nil, fmt.Errorf("%w: agent id and tenant are required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[a.ID]
	if !ok {
		c := a.Clone()
		c.Status = domain.AgentOffline
		c.LoginState = domain.LoginOffline
		c.CurrentSessions = 0
		m.agents[a.ID] = c
		return c.Clone(), nil
	}
	if existing.TenantID != a.TenantID {
		return nil, fmt.Errorf("%w: agent belongs to another tenant", ErrConflict)
	}
	if existing.CurrentSessions > a.MaxConcurrentSessions {
		return nil, fmt.Errorf("%w: %d sessions exceed capacity %d", ErrCapacity, existing.CurrentSessions, a.MaxConcurrentSessions)
	}
	existing.Name = a.Name
	existing.MaxConcurrentSessions = a.MaxConcurrentSessions
	existing.Specializations = append([]string(nil), a.Specializations...)
	return existing.Clone(), nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, tenantID string) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Agent
	for _, a := range m.agents {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchAgent(ctx context.Context, agentID string, at time.Time) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if at.After(a.LastHeartbeatAt) {
		a.LastHeartbeatAt = at
	}
	return a.Clone(), nil
}

func (m *MemoryStore) SetLoginState(ctx context.Context, agentID string, state domain.LoginState, at time.Time) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	a.LoginState = state
	if state == domain.LoginOnline && at.After(a.LastHeartbeatAt) {
		a.LastHeartbeatAt = at
	}
	return a.Clone(), nil
}

func (m *MemoryStore) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, guard AgentGuard) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return false, ErrNotFound
	}
	if a.CurrentSessions != guard.CurrentSessions || a.LoginState != guard.LoginState ||
		!a.LastHeartbeatAt.Equal(guard.LastHeartbeatAt) {
		return false, nil
	}
	a.Status = status
	return true, nil
}

func (m *MemoryStore) ReserveSlot(ctx context.Context, agentID string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.HasCapacity() {
		return nil, ErrCapacity
	}
	a.CurrentSessions++
	return a.Clone(), nil
}

func (m *MemoryStore) ReleaseSlot(ctx context.Context, agentID string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.CurrentSessions > 0 {
		a.CurrentSessions--
	}
	return a.Clone(), nil
}

func (m *MemoryStore) IncrementHandled(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.TotalHandled++
	return nil
}
