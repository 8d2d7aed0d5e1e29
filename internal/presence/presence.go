// Package presence derives agent status from heartbeats, explicit login
// state and session load, and keeps it current with a background sweep.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/storage"
	"github.com/real-rm/chatdesk/internal/util"
)

// statusWriteAttempts bounds retries of the guarded status write when the
// agent changes underneath us.
const statusWriteAttempts = 3

// Config holds presence thresholds.
type Config struct {
	AwayAfter     time.Duration
	OfflineAfter  time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the standard thresholds: AWAY after 5 minutes
// without a heartbeat, OFFLINE after 15.
func DefaultConfig() Config {
	return Config{
		AwayAfter:     constants.DefaultAwayAfter,
		OfflineAfter:  constants.DefaultOfflineAfter,
		SweepInterval: constants.DefaultSweepInterval,
	}
}

// StatusNotifier is told about every applied status change.
type StatusNotifier interface {
	AgentStatusChanged(ctx context.Context, agent *domain.Agent, previous domain.AgentStatus)
}

// DeriveStatus computes an agent's status at now. An explicit logout always
// wins; staleness comes next, then an explicit away, then load.
func DeriveStatus(a *domain.Agent, now time.Time, cfg Config) domain.AgentStatus {
	if a.LoginState == domain.LoginOffline || a.LoginState == "" {
		return domain.AgentOffline
	}

	idle := now.Sub(a.LastHeartbeatAt)
	if idle > cfg.OfflineAfter {
		return domain.AgentOffline
	}
	if idle > cfg.AwayAfter {
		return domain.AgentAway
	}
	if a.LoginState == domain.LoginAway {
		return domain.AgentAway
	}
	if a.CurrentSessions >= a.MaxConcurrentSessions {
		return domain.AgentBusy
	}
	return domain.AgentAvailable
}

// Tracker owns agent presence.
type Tracker struct {
	store    storage.AgentStore
	cfg      Config
	logger   zerolog.Logger
	notifier StatusNotifier
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewTracker creates a tracker. Call Start to run the sweep.
func NewTracker(store storage.AgentStore, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = constants.DefaultAwayAfter
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = constants.DefaultOfflineAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultSweepInterval
	}
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "presence").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier wires the status change listener.
func (t *Tracker) SetNotifier(n StatusNotifier) {
	t.notifier = n
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Config returns the tracker thresholds.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Heartbeat records activity. It never brings a logged-out agent back.
func (t *Tracker) Heartbeat(ctx context.Context, agentID string) (*domain.Agent, error) {
	if _, err := t.store.TouchAgent(ctx, agentID, t.now()); err != nil {
		return nil, t.mapErr(agentID, err)
	}
	return t.Refresh(ctx, agentID)
}

// Login marks the agent as explicitly online and refreshes its heartbeat.
func (t *Tracker) Login(ctx context.Context, agentID string) (*domain.Agent, error) {
	return t.setLogin(ctx, agentID, domain.LoginOnline)
}

// Logout marks the agent as explicitly offline until the next Login.
func (t *Tracker) Logout(ctx context.Context, agentID string) (*domain.Agent, error) {
	return t.setLogin(ctx, agentID, domain.LoginOffline)
}

// SetAway marks the agent as explicitly away until the next Login.
func (t *Tracker) SetAway(ctx context.Context, agentID string) (*domain.Agent, error) {
	return t.setLogin(ctx, agentID, domain.LoginAway)
}

// UpdateAgentStatus applies an operator-requested status. BUSY is derived
// from load and cannot be requested.
func (t *Tracker) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	switch status {
	case domain.AgentAvailable:
		return t.Login(ctx, agentID)
	case domain.AgentAway:
		return t.SetAway(ctx, agentID)
	case domain.AgentOffline:
		return t.Logout(ctx, agentID)
	default:
		return nil, chaterrors.NewValidationError(chaterrors.ErrCodeInvalidFormat,
			fmt.Sprintf("status %q cannot be set explicitly", status), nil)
	}
}

func (t *Tracker) setLogin(ctx context.Context, agentID string, state domain.LoginState) (*domain.Agent, error) {
	if _, err := t.store.SetLoginState(ctx, agentID, state, t.now()); err != nil {
		return nil, t.mapErr(agentID, err)
	}
	t.logger.Info().Str("agent_id", agentID).Str("login_state", string(state)).Msg("Agent login state changed")
	return t.Refresh(ctx, agentID)
}

// Reserve takes one session slot for the agent and re-derives its status.
func (t *Tracker) Reserve(ctx context.Context, agentID string) (*domain.Agent, error) {
	if _, err := t.store.ReserveSlot(ctx, agentID); err != nil {
		return nil, t.mapErr(agentID, err)
	}
	return t.Refresh(ctx, agentID)
}

// Release frees one session slot and re-derives the agent's status.
func (t *Tracker) Release(ctx context.Context, agentID string) (*domain.Agent, error) {
	if _, err := t.store.ReleaseSlot(ctx, agentID); err != nil {
		return nil, t.mapErr(agentID, err)
	}
	return t.Refresh(ctx, agentID)
}

// Refresh re-derives and stores the agent's status, notifying on change.
func (t *Tracker) Refresh(ctx context.Context, agentID string) (*domain.Agent, error) {
	var a *domain.Agent
	for attempt := 0; attempt < statusWriteAttempts; attempt++ {
		var err error
		a, err = t.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, t.mapErr(agentID, err)
		}
		applied, changed, err := t.apply(ctx, a)
		if err != nil {
			return nil, t.mapErr(agentID, err)
		}
		if applied || !changed {
			return a, nil
		}
	}
	// Someone else keeps changing the agent; their own refresh will settle it.
	return a, nil
}

// apply writes the derived status for a freshly read agent. a is updated
// in place when the write lands.
func (t *Tracker) apply(ctx context.Context, a *domain.Agent) (applied, changed bool, err error) {
	next := DeriveStatus(a, t.now(), t.cfg)
	if next == a.Status {
		return false, false, nil
	}

	applied, err = t.store.SetAgentStatus(ctx, a.ID, next, storage.GuardOf(a))
	if err != nil || !applied {
		return false, true, err
	}

	previous := a.Status
	a.Status = next
	metrics.AgentStatusChanges.WithLabelValues(string(next)).Inc()
	t.logger.Info().
		Str("agent_id", a.ID).
		Str("tenant_id", a.TenantID).
		Str("from", string(previous)).
		Str("to", string(next)).
		Msg("Agent status changed")
	if t.notifier != nil {
		t.notifier.AgentStatusChanged(ctx, a, previous)
	}
	return true, true, nil
}

// Sweep reclassifies every agent once and returns how many changed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	agents, err := t.store.ListAgents(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list agents: %w", err)
	}

	changed := 0
	for _, a := range agents {
		if DeriveStatus(a, t.now(), t.cfg) == a.Status {
			continue
		}
		before := a.Status
		refreshed, err := t.Refresh(ctx, a.ID)
		if err != nil {
			util.LogWarn(t.logger, "presence", "refresh agent during sweep", err, "agent_id", a.ID)
			continue
		}
		if refreshed.Status != before {
			changed++
		}
	}
	return changed, nil
}

// Start runs the sweep every SweepInterval until Stop or ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})
	stopped := t.stopped

	util.SafeGo(t.logger, "presence-sweep", func() {
		defer close(stopped)
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := t.Sweep(ctx)
				if err != nil {
					util.LogError(t.logger, "presence", "sweep agents", err)
					continue
				}
				if n > 0 {
					t.logger.Debug().Int("changed", n).Msg("Presence sweep completed")
				}
			}
		}
	})
}

// Stop halts the sweep and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, stopped := t.cancel, t.stopped
	t.cancel, t.stopped = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (t *Tracker) mapErr(agentID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return chaterrors.ErrAgentNotFound(agentID)
	case errors.Is(err, storage.ErrCapacity):
		return chaterrors.ErrAgentAtCapacity(agentID)
	case errors.As(err, new(*chaterrors.ChatError)):
		return err
	default:
		return chaterrors.ErrDatabaseError(err)
	}
}
