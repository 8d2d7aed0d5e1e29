package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []domain.AgentStatus
}

func (n *recordingNotifier) AgentStatusChanged(ctx context.Context, a *domain.Agent, previous domain.AgentStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, a.Status)
}

func newTestTracker(t *testing.T, max int) (*Tracker, *storage.MemoryStore, *fakeClock, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	_, err := store.UpsertAgent(context.Background(), &domain.Agent{ID: "a1", TenantID: "acme", MaxConcurrentSessions: max})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewTracker(store, DefaultConfig(), zerolog.Nop())
	tr.SetClock(clock.Now)
	n := &recordingNotifier{}
	tr.SetNotifier(n)
	return tr, store, clock, n
}

func TestDeriveStatus(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		agent domain.Agent
		want  domain.AgentStatus
	}{
		{"logged out", domain.Agent{LoginState: domain.LoginOffline, LastHeartbeatAt: now, MaxConcurrentSessions: 2}, domain.AgentOffline},
		{"fresh and idle", domain.Agent{LoginState: domain.LoginOnline, LastHeartbeatAt: now, MaxConcurrentSessions: 2}, domain.AgentAvailable},
		{"fresh at capacity", domain.Agent{LoginState: domain.LoginOnline, LastHeartbeatAt: now, CurrentSessions: 2, MaxConcurrentSessions: 2}, domain.AgentBusy},
		{"six minutes idle", domain.Agent{LoginState: domain.LoginOnline, LastHeartbeatAt: now.Add(-6 * time.Minute), MaxConcurrentSessions: 2}, domain.AgentAway},
		{"exactly five minutes", domain.Agent{LoginState: domain.LoginOnline, LastHeartbeatAt: now.Add(-5 * time.Minute), MaxConcurrentSessions: 2}, domain.AgentAvailable},
		{"twenty minutes idle", domain.Agent{LoginState: domain.LoginOnline, LastHeartbeatAt: now.Add(-20 * time.Minute), CurrentSessions: 2, MaxConcurrentSessions: 2}, domain.AgentOffline},
		{"explicit away", domain.Agent{LoginState: domain.LoginAway, LastHeartbeatAt: now, MaxConcurrentSessions: 2}, domain.AgentAway},
		{"explicit away but stale", domain.Agent{LoginState: domain.LoginAway, LastHeartbeatAt: now.Add(-16 * time.Minute), MaxConcurrentSessions: 2}, domain.AgentOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.agent
			assert.Equal(t, tt.want, DeriveStatus(&a, now, cfg))
		})
	}
}

func TestDeriveStatus_LogoutAlwaysWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	now := time.Now()

	properties.Property("a logged-out agent is offline whatever its activity", prop.ForAll(
		func(idleSeconds, current, max int) bool {
			a := &domain.Agent{
				LoginState:            domain.LoginOffline,
				LastHeartbeatAt:       now.Add(-time.Duration(idleSeconds) * time.Second),
				CurrentSessions:       current,
				MaxConcurrentSessions: max,
			}
			return DeriveStatus(a, now, DefaultConfig()) == domain.AgentOffline
		},
		gen.IntRange(0, 3600),
		gen.IntRange(0, 10),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestTracker_LoginMakesAvailable(t *testing.T) {
	tr, _, _, n := newTestTracker(t, 2)

	a, err := tr.Login(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, a.Status)
	assert.Equal(t, []domain.AgentStatus{domain.AgentAvailable}, n.changes)
}

func TestTracker_StaleAgentGoesOfflineOnSweep(t *testing.T) {
	tr, store, clock, _ := newTestTracker(t, 2)
	ctx := context.Background()
	_, err := tr.Login(ctx, "a1")
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)

	changed, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	a, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, a.Status)
}

func TestTracker_SweepMovesIdleAgentToAwayThenBack(t *testing.T) {
	tr, store, clock, _ := newTestTracker(t, 2)
	ctx := context.Background()
	_, err := tr.Login(ctx, "a1")
	require.NoError(t, err)

	clock.Advance(7 * time.Minute)
	_, err = tr.Sweep(ctx)
	require.NoError(t, err)
	a, _ := store.GetAgent(ctx, "a1")
	assert.Equal(t, domain.AgentAway, a.Status)

	a, err = tr.Heartbeat(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, a.Status)
}

func TestTracker_HeartbeatDoesNotResurrectLoggedOutAgent(t *testing.T) {
	tr, _, clock, _ := newTestTracker(t, 2)
	ctx := context.Background()
	_, err := tr.Login(ctx, "a1")
	require.NoError(t, err)
	_, err = tr.Logout(ctx, "a1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	a, err := tr.Heartbeat(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, a.Status)

	a, err = tr.Login(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, a.Status)
}

func TestTracker_CapacityChangesReevaluateImmediately(t *testing.T) {
	tr, _, _, n := newTestTracker(t, 1)
	ctx := context.Background()
	_, err := tr.Login(ctx, "a1")
	require.NoError(t, err)

	a, err := tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, a.Status)

	_, err = tr.Reserve(ctx, "a1")
	assert.True(t, chaterrors.IsUnavailable(err))

	a, err = tr.Release(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, a.Status)

	assert.Equal(t, []domain.AgentStatus{domain.AgentAvailable, domain.AgentBusy, domain.AgentAvailable}, n.changes)
}

func TestTracker_UpdateAgentStatus(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, 2)
	ctx := context.Background()

	a, err := tr.UpdateAgentStatus(ctx, "a1", domain.AgentAvailable)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, a.Status)

	a, err = tr.UpdateAgentStatus(ctx, "a1", domain.AgentAway)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAway, a.Status)

	_, err = tr.UpdateAgentStatus(ctx, "a1", domain.AgentBusy)
	assert.True(t, chaterrors.IsInvalidArgument(err))

	_, err = tr.UpdateAgentStatus(ctx, "ghost", domain.AgentAvailable)
	assert.True(t, chaterrors.IsNotFound(err))
}

func TestTracker_StartStop(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, Config{SweepInterval: 5 * time.Millisecond}, zerolog.Nop())

	tr.Start(context.Background())
	tr.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	tr.Stop()
	tr.Stop()
}
