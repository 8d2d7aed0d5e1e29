// Package matching ranks agents for a handoff ticket and reports queue
// position and estimated wait for pending tickets.
package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/storage"
)

// Candidate is an eligible agent with its score.
type Candidate struct {
	Agent *domain.Agent `json:"agent"`
	Score float64       `json:"score"`
}

// Matcher ranks agents and computes queue positions.
type Matcher struct {
	agents        storage.AgentStore
	tickets       storage.TicketStore
	avgHandleTime time.Duration
	now           func() time.Time
}

// New creates a matcher. avgHandleTime <= 0 selects the default of 60s.
func New(agents storage.AgentStore, tickets storage.TicketStore, avgHandleTime time.Duration) *Matcher {
	if avgHandleTime <= 0 {
		avgHandleTime = constants.DefaultAvgHandleTime
	}
	return &Matcher{
		agents:        agents,
		tickets:       tickets,
		avgHandleTime: avgHandleTime,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for recency.
func (m *Matcher) SetClock(now func() time.Time) {
	m.now = now
}

// Eligible reports whether the agent may be offered the ticket.
func Eligible(a *domain.Agent, t *domain.HandoffTicket) bool {
	return a.TenantID == t.Session.TenantID &&
		a.Status == domain.AgentAvailable &&
		a.HasCapacity()
}

// Score rates an agent for an escalation reason:
//
//	10·available + 20·(1 − current/max) + 15·specializationOverlap
//	  + 5·min(handled/100, 1) + recency
//
// where recency is 5 for activity within the hour and 2 within the day.
func Score(a *domain.Agent, reason string, now time.Time) float64 {
	var score float64
	if a.Status == domain.AgentAvailable {
		score += constants.WeightAvailability
	}
	if a.MaxConcurrentSessions > 0 {
		load := float64(a.CurrentSessions) / float64(a.MaxConcurrentSessions)
		if load > 1 {
			load = 1
		}
		score += constants.WeightLoad * (1 - load)
	}
	score += constants.WeightSpecialization * SpecializationOverlap(reason, a.Specializations)

	experience := float64(a.TotalHandled) / constants.ExperienceSaturation
	if experience > 1 {
		experience = 1
	}
	score += constants.WeightExperience * experience

	switch idle := now.Sub(a.LastHeartbeatAt); {
	case idle < constants.RecentActivityWindow:
		score += constants.BonusRecentHour
	case idle < constants.DailyActivityWindow:
		score += constants.BonusRecentDay
	}
	return score
}

// SpecializationOverlap is the fraction of the agent's specializations that
// the escalation reason mentions, in [0, 1].
func SpecializationOverlap(reason string, specializations []string) float64 {
	if len(specializations) == 0 {
		return 0
	}
	text := normalize(reason)
	if text == "" {
		return 0
	}

	matched := 0
	for _, s := range specializations {
		if term := normalize(s); term != "" && strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(specializations))
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	return " " + strings.Join(fields, " ") + " "
}

// Candidates returns the eligible agents for the ticket, best first.
// Equal scores are ordered by agent id.
func (m *Matcher) Candidates(ctx context.Context, t *domain.HandoffTicket) ([]Candidate, error) {
	agents, err := m.agents.ListAgents(ctx, t.Session.TenantID)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(fmt.Errorf("list agents: %w", err))
	}

	now := m.now()
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if !Eligible(a, t) {
			continue
		}
		out = append(out, Candidate{Agent: a, Score: Score(a, t.EscalationReason, now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out, nil
}

// Best returns the top candidate, or Unavailable when nobody is eligible.
func (m *Matcher) Best(ctx context.Context, t *domain.HandoffTicket) (*Candidate, error) {
	cands, err := m.Candidates(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, chaterrors.ErrNoAvailableAgents()
	}
	return &cands[0], nil
}

// QueuePosition is 1 plus the number of pending tickets of the same tenant
// escalated earlier. Tickets that are no longer pending have position 0.
func (m *Matcher) QueuePosition(ctx context.Context, t *domain.HandoffTicket) (int, error) {
	if t.Status != domain.TicketPending {
		return 0, nil
	}
	n, err := m.tickets.CountPendingBefore(ctx, t.Session.TenantID, t.EscalatedAt, t.ID)
	if err != nil {
		return 0, chaterrors.ErrDatabaseError(err)
	}
	return n + 1, nil
}

// EstimatedWait is position times the average handle time.
func (m *Matcher) EstimatedWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * m.avgHandleTime
}

// QueueStatus bundles position and wait for a ticket.
type QueueStatus struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

// Status computes the queue status of a ticket.
func (m *Matcher) Status(ctx context.Context, t *domain.HandoffTicket) (QueueStatus, error) {
	pos, err := m.QueuePosition(ctx, t)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{Position: pos, EstimatedWaitSeconds: int(m.EstimatedWait(pos) / time.Second)}, nil
}
