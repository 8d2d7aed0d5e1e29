package chatdesk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatdesk/internal/config"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/storage"
	"github.com/real-rm/chatdesk/internal/testutil"
)

const tenant = "acme"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadViper(viper.New())
	require.NoError(t, err)
	cfg.Auth.JWTSecret = testutil.TestSecret
	return cfg
}

func newTestService(t *testing.T, mutate ...func(*config.Config)) *Service {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	svc, err := NewWithStore(context.Background(), cfg, storage.NewMemoryStore(), testutil.CreateTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

// addAgent creates an agent through the admin facade and logs it in.
func addAgent(t *testing.T, svc *Service, agentID string, max int, specs ...string) {
	t.Helper()
	ctx := context.Background()
	admin := testutil.Admin(tenant, "admin-1")
	_, err := svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{
		ID:                    agentID,
		Name:                  agentID,
		MaxConcurrentSessions: max,
		Specializations:       specs,
	})
	require.NoError(t, err)
	_, err = svc.Desk().UpdateAgentStatus(ctx, admin, tenant, agentID, domain.AgentAvailable)
	require.NoError(t, err)
}

// escalate opens a visitor session and escalates it.
func escalate(t *testing.T, svc *Service, sessionID, reason string) *domain.HandoffTicket {
	t.Helper()
	ctx := context.Background()
	visitor := testutil.Visitor(tenant, "visitor-"+sessionID, sessionID)
	_, _, err := svc.Desk().OpenSession(ctx, visitor, tenant, sessionID)
	require.NoError(t, err)
	ticket, _, err := svc.Desk().EscalateSession(ctx, visitor, tenant, sessionID, reason, "")
	require.NoError(t, err)
	return ticket
}

func TestDesk_EscalateIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	visitor := testutil.Visitor(tenant, "v1", "s1")

	_, created, err := svc.Desk().OpenSession(ctx, visitor, tenant, "s1")
	require.NoError(t, err)
	assert.True(t, created)

	first, created, err := svc.Desk().EscalateSession(ctx, visitor, tenant, "s1", "billing question", domain.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TicketPending, first.Status)
	assert.Equal(t, domain.PriorityHigh, first.Priority)

	second, created, err := svc.Desk().EscalateSession(ctx, visitor, tenant, "s1", "again", domain.PriorityLow)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.PriorityHigh, second.Priority, "the open ticket is returned unchanged")
}

func TestDesk_EscalateAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Desk().OpenSession(ctx, testutil.Visitor(tenant, "v1", "s1"), tenant, "s1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      domain.Identity
		session string
		check   func(error) bool
	}{
		{"other visitor", testutil.Visitor(tenant, "v2", "s2"), "s1", chaterrors.IsForbidden},
		{"foreign agent", testutil.AgentIdentity("globex", "a1"), "s1", chaterrors.IsForbidden},
		{"unknown session", testutil.Admin(tenant, "admin-1"), "missing", chaterrors.IsNotFound},
		{"missing session", testutil.Admin(tenant, "admin-1"), "", chaterrors.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Desk().EscalateSession(ctx, tt.id, tenant, tt.session, "", "")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	t.Run("agent of tenant", func(t *testing.T) {
		ticket, created, err := svc.Desk().EscalateSession(ctx, testutil.AgentIdentity(tenant, "a1"), tenant, "s1", "", "")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, constants.DefaultEscalateReason, ticket.EscalationReason)
	})
}

func TestDesk_AssignRace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	const agents = 8
	for i := 0; i < agents; i++ {
		addAgent(t, svc, "agent-"+string(rune('a'+i)), 2)
	}
	ticket := escalate(t, svc, "s1", "")
	admin := testutil.Admin(tenant, "admin-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		conflicts int
	)
	for i := 0; i < agents; i++ {
		agentID := "agent-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.Desk().AssignSession(ctx, admin, tenant, ticket.ID, agentID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded = append(succeeded, got.AssignedAgent)
				return
			}
			if chaterrors.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Len(t, succeeded, 1, "exactly one claim wins")
	assert.Equal(t, agents-1, conflicts)

	final, err := svc.store.GetTicket(ctx, tenant, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, succeeded[0], final.AssignedAgent)

	list, err := svc.store.ListAgents(ctx, tenant)
	require.NoError(t, err)
	load := 0
	for _, a := range list {
		load += a.CurrentSessions
	}
	assert.Equal(t, 1, load, "losing claims release their slot")
}

func TestDesk_AssignRules(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addAgent(t, svc, "alice", 2)
	addAgent(t, svc, "bob", 2, "billing")

	t.Run("visitor cannot assign", func(t *testing.T) {
		ticket := escalate(t, svc, "s-visitor", "")
		_, err := svc.Desk().AssignSession(ctx, testutil.Visitor(tenant, "visitor-s-visitor", "s-visitor"), tenant, ticket.ID, "alice")
		assert.True(t, chaterrors.IsForbidden(err))
	})

	t.Run("agent claims for self only", func(t *testing.T) {
		ticket := escalate(t, svc, "s-self", "")
		_, err := svc.Desk().AssignSession(ctx, testutil.AgentIdentity(tenant, "alice"), tenant, ticket.ID, "bob")
		assert.True(t, chaterrors.IsForbidden(err))

		got, err := svc.Desk().AssignSession(ctx, testutil.AgentIdentity(tenant, "alice"), tenant, ticket.ID, "")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.AssignedAgent)
	})

	t.Run("admin without agent gets best match", func(t *testing.T) {
		ticket := escalate(t, svc, "s-best", "billing refund")
		got, err := svc.Desk().AssignSession(ctx, testutil.Admin(tenant, "admin-1"), tenant, ticket.ID, "")
		require.NoError(t, err)
		assert.Equal(t, "bob", got.AssignedAgent)

		_, err = svc.Desk().AssignSession(ctx, testutil.Admin(tenant, "admin-1"), tenant, ticket.ID, "")
		assert.True(t, chaterrors.IsConflict(err), "an assigned ticket cannot be auto-assigned again")
	})

	t.Run("offline agent is unavailable", func(t *testing.T) {
		ticket := escalate(t, svc, "s-offline", "")
		admin := testutil.Admin(tenant, "admin-1")
		// A profile claiming to be available is still stored offline until login.
		saved, err := svc.Desk().UpsertAgent(ctx, admin, tenant, testutil.CreateTestAgent(tenant, "carol", 1))
		require.NoError(t, err)
		assert.Equal(t, domain.AgentOffline, saved.Status)
		_, err = svc.Desk().AssignSession(ctx, admin, tenant, ticket.ID, "carol")
		assert.True(t, chaterrors.IsUnavailable(err))
	})
}

func TestDesk_ReassignAndResolve(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addAgent(t, svc, "alice", 2)
	addAgent(t, svc, "bob", 2)
	ticket := escalate(t, svc, "s1", "")

	alice := testutil.AgentIdentity(tenant, "alice")
	bob := testutil.AgentIdentity(tenant, "bob")
	_, err := svc.Desk().AssignSession(ctx, alice, tenant, ticket.ID, "")
	require.NoError(t, err)

	_, err = svc.Desk().ResolveSession(ctx, bob, tenant, ticket.ID, "")
	assert.True(t, chaterrors.IsForbidden(err), "only the holder may resolve")

	_, err = svc.Desk().ReassignSession(ctx, alice, tenant, ticket.ID, "")
	assert.True(t, chaterrors.IsInvalidArgument(err))

	moved, err := svc.Desk().ReassignSession(ctx, alice, tenant, ticket.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", moved.AssignedAgent)
	require.NotEmpty(t, moved.Transfers)

	resolved, err := svc.Desk().ResolveSession(ctx, bob, tenant, ticket.ID, "refund issued")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketResolved, resolved.Status)

	for _, id := range []string{"alice", "bob"} {
		a, err := svc.store.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, a.CurrentSessions, "agent %s holds no sessions", id)
	}

	_, err = svc.Desk().ResolveSession(ctx, testutil.Admin(tenant, "admin-1"), tenant, ticket.ID, "")
	assert.True(t, chaterrors.IsConflict(err), "a resolved ticket cannot be resolved again")
}

func TestDesk_ListPendingTickets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	var ids []string
	for _, s := range []string{"s1", "s2", "s3"} {
		ids = append(ids, escalate(t, svc, s, "").ID)
		time.Sleep(2 * time.Millisecond)
	}

	_, err := svc.Desk().ListPendingTickets(ctx, testutil.Visitor(tenant, "v1", "s1"), tenant)
	assert.True(t, chaterrors.IsForbidden(err))

	queue, err := svc.Desk().ListPendingTickets(ctx, testutil.AgentIdentity(tenant, "alice"), tenant)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, q := range queue {
		assert.Equal(t, ids[i], q.ID, "oldest escalation first")
		assert.Equal(t, i+1, q.Position)
		assert.Equal(t, int(svc.matcher.EstimatedWait(i+1).Seconds()), q.EstimatedWaitSeconds)
	}

	status, err := svc.Desk().QueueStatus(ctx, testutil.Visitor(tenant, "visitor-s2", "s2"), tenant, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 2, status.Position)

	_, err = svc.Desk().QueueStatus(ctx, testutil.Visitor(tenant, "visitor-s1", "s1"), tenant, ids[1])
	assert.True(t, chaterrors.IsForbidden(err), "visitors only see their own ticket")

	_, err = svc.Desk().ListTickets(ctx, testutil.Admin(tenant, "admin-1"), tenant, "closed")
	assert.True(t, chaterrors.IsInvalidArgument(err))

	assigned, err := svc.Desk().ListTickets(ctx, testutil.Admin(tenant, "admin-1"), tenant, domain.TicketAssigned)
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestDesk_Candidates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addAgent(t, svc, "alice", 2)
	addAgent(t, svc, "bob", 2, "billing")
	ticket := escalate(t, svc, "s1", "billing issue")

	cands, err := svc.Desk().Candidates(ctx, testutil.Admin(tenant, "admin-1"), tenant, ticket.ID)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "bob", cands[0].Agent.ID)
	assert.GreaterOrEqual(t, cands[0].Score, cands[1].Score)

	_, err = svc.Desk().Candidates(ctx, testutil.Admin("globex", "admin-2"), tenant, ticket.ID)
	assert.True(t, chaterrors.IsForbidden(err))
}

func TestDesk_UpsertAgent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admin := testutil.Admin(tenant, "admin-1")

	_, err := svc.Desk().UpsertAgent(ctx, testutil.AgentIdentity(tenant, "alice"), tenant, &domain.Agent{ID: "alice"})
	assert.True(t, chaterrors.IsForbidden(err))

	_, err = svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{ID: "alice", MaxConcurrentSessions: constants.MaxAgentConcurrentLimit + 1})
	assert.True(t, chaterrors.IsInvalidArgument(err))

	_, err = svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{})
	assert.True(t, chaterrors.IsInvalidArgument(err))

	saved, err := svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{ID: "alice", TenantID: "globex"})
	require.NoError(t, err)
	assert.Equal(t, tenant, saved.TenantID, "the tenant comes from the caller")
	assert.Equal(t, constants.DefaultMaxConcurrent, saved.MaxConcurrentSessions)
	assert.Equal(t, domain.LoginOffline, saved.LoginState)

	_, err = svc.Desk().UpsertAgent(ctx, testutil.Admin("globex", "admin-2"), "globex", &domain.Agent{ID: "alice"})
	assert.True(t, chaterrors.IsForbidden(err), "an agent id cannot move between tenants")
}

func TestDesk_UpsertAgentCapacityChange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admin := testutil.Admin(tenant, "admin-1")
	addAgent(t, svc, "alice", 2)
	for _, s := range []string{"s1", "s2"} {
		ticket := escalate(t, svc, s, "")
		_, err := svc.Desk().AssignSession(ctx, admin, tenant, ticket.ID, "alice")
		require.NoError(t, err)
	}
	busy, err := svc.store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, busy.Status)

	_, err = svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{ID: "alice", Name: "alice", MaxConcurrentSessions: 1})
	assert.True(t, chaterrors.IsInvalidArgument(err), "capacity cannot drop below the live load")
	kept, err := svc.store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, kept.MaxConcurrentSessions)
	assert.Equal(t, 2, kept.CurrentSessions)

	raised, err := svc.Desk().UpsertAgent(ctx, admin, tenant, &domain.Agent{ID: "alice", Name: "alice", MaxConcurrentSessions: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, raised.Status, "spare capacity frees a busy agent at once")
	stored, err := svc.store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, stored.Status)
	assert.Equal(t, 2, stored.CurrentSessions)
}

func TestDesk_AgentStatusAndHeartbeat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addAgent(t, svc, "alice", 2)
	addAgent(t, svc, "bob", 2)
	alice := testutil.AgentIdentity(tenant, "alice")

	away, err := svc.Desk().UpdateAgentStatus(ctx, alice, tenant, "alice", domain.AgentAway)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAway, away.Status)

	_, err = svc.Desk().UpdateAgentStatus(ctx, alice, tenant, "alice", domain.AgentBusy)
	assert.True(t, chaterrors.IsInvalidArgument(err), "busy is derived, never set")

	_, err = svc.Desk().UpdateAgentStatus(ctx, alice, tenant, "bob", domain.AgentOffline)
	assert.True(t, chaterrors.IsForbidden(err))

	_, err = svc.Desk().Heartbeat(ctx, testutil.Admin(tenant, "admin-1"), tenant, "nobody")
	assert.True(t, chaterrors.IsNotFound(err))

	_, err = svc.Desk().Heartbeat(ctx, testutil.Admin("globex", "admin-2"), "globex", "alice")
	assert.True(t, chaterrors.IsNotFound(err), "agents of other tenants are invisible")

	before := time.Now().UTC().Add(-time.Second)
	beat, err := svc.Desk().Heartbeat(ctx, alice, tenant, "alice")
	require.NoError(t, err)
	assert.True(t, beat.LastHeartbeatAt.After(before))
}
