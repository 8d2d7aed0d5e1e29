// Package testutil provides common test helpers and mock implementations
// shared by the transport and server tests.
package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatdesk/internal/answer"
	"github.com/real-rm/chatdesk/internal/auth"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/events"
)

// TestSecret signs tokens in tests. It passes config validation.
const TestSecret = "4f9c2b7e1a0d8c6b5e3f2a1d9c8b7a6e"

// Token issues an HS256 token for id signed with TestSecret.
func Token(t *testing.T, id domain.Identity) string {
	t.Helper()
	token, err := auth.IssueToken(TestSecret, id, time.Hour)
	require.NoError(t, err)
	return token
}

// Visitor returns a user identity bound to one session.
func Visitor(tenantID, userID, sessionID string) domain.Identity {
	return domain.Identity{TenantID: tenantID, Role: domain.RoleUser, UserID: userID, SessionID: sessionID}
}

// AgentIdentity returns an agent identity.
func AgentIdentity(tenantID, agentID string) domain.Identity {
	return domain.Identity{TenantID: tenantID, Role: domain.RoleAgent, UserID: "u-" + agentID, AgentID: agentID, Name: agentID}
}

// Admin returns an admin identity.
func Admin(tenantID, userID string) domain.Identity {
	return domain.Identity{TenantID: tenantID, Role: domain.RoleAdmin, UserID: userID}
}

// CreateTestAgent builds an online agent with capacity max.
func CreateTestAgent(tenantID, agentID string, max int, specializations ...string) *domain.Agent {
	return &domain.Agent{
		ID:                    agentID,
		TenantID:              tenantID,
		Name:                  agentID,
		Status:                domain.AgentAvailable,
		LoginState:            domain.LoginOnline,
		MaxConcurrentSessions: max,
		LastHeartbeatAt:       time.Now().UTC(),
		Specializations:       specializations,
	}
}

// CreateTestLogger returns a logger that writes to the test log at error level.
func CreateTestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// RecordingConn is a registry connection that keeps every frame it receives.
type RecordingConn struct {
	mu sync.Mutex

	id       string
	identity domain.Identity
	frames   [][]byte
	full     bool
	closing  bool

	Closed      bool
	CloseCode   int
	CloseReason string
}

// NewRecordingConn creates a connection with the given id.
func NewRecordingConn(id string) *RecordingConn {
	return &RecordingConn{id: id}
}

// NewIdentifiedConn creates a connection that reports identity as its caller.
func NewIdentifiedConn(id string, identity domain.Identity) *RecordingConn {
	return &RecordingConn{id: id, identity: identity}
}

func (c *RecordingConn) ID() string { return c.id }

// Identity returns the caller the connection was created for.
func (c *RecordingConn) Identity() domain.Identity { return c.identity }

// Closing reports whether the connection is shutting down or closed.
func (c *RecordingConn) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.Closed
}

// BeginClose makes the connection refuse frames as a closing one does,
// without recording a close code.
func (c *RecordingConn) BeginClose() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

// Enqueue records frame unless the connection is full or closed.
func (c *RecordingConn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closing || c.Closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

// Disconnect marks the connection closed.
func (c *RecordingConn) Disconnect(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	c.CloseCode = code
	c.CloseReason = reason
}

// SetFull makes subsequent Enqueue calls fail.
func (c *RecordingConn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// Frames returns a copy of the recorded frames.
func (c *RecordingConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// IsClosed reports whether Disconnect was called.
func (c *RecordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// RecordingSink is an events.Sink that keeps published events.
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event

	// PublishError is returned from every Publish when set.
	PublishError error
	closed       bool
}

func (s *RecordingSink) Publish(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PublishError != nil {
		return s.PublishError
	}
	s.events = append(s.events, e)
	return nil
}

func (s *RecordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the published events.
func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

// Types returns the type of every published event in order.
func (s *RecordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// MockAnswerProvider is a mock implementation of answer.Provider.
// It tracks calls and allows configurable behavior.
type MockAnswerProvider struct {
	mu sync.Mutex

	AnswerFunc  func(ctx context.Context, tenantID, question string) (*answer.Answer, error)
	AnswerError error
	CallCount   int
	Questions   []string
}

func (m *MockAnswerProvider) Init(ctx context.Context) error { return nil }

// Answer returns AnswerFunc's result, AnswerError, or answer.ErrNoAnswer.
func (m *MockAnswerProvider) Answer(ctx context.Context, tenantID, question string) (*answer.Answer, error) {
	m.mu.Lock()
	m.CallCount++
	m.Questions = append(m.Questions, question)
	fn, err := m.AnswerFunc, m.AnswerError
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, tenantID, question)
	}
	return nil, answer.ErrNoAnswer
}

func (m *MockAnswerProvider) Close() error { return nil }

// Calls returns the number of Answer calls.
func (m *MockAnswerProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// AssertGoroutineCount fails if the goroutine count grew by more than a small tolerance.
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	const tolerance = 5
	t.Logf("Goroutine count (%s): %d -> %d", description, before, after)
	assert.InDelta(t, before, after, tolerance, "goroutine count should not increase significantly")
}

// MeasureGoroutines returns the current goroutine count after letting
// exiting goroutines finish.
func MeasureGoroutines() int {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return runtime.NumGoroutine()
}
