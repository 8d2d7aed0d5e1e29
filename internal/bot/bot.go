// Package bot answers visitors while no human holds the session and decides
// when to hand the conversation over.
package bot

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/answer"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/util"
)

// Reasons recorded on tickets the bot opens.
const (
	ReasonKeywordPrefix = "keyword:"
	ReasonFallback      = "bot_fallback"
)

// BotID is the sender id of bot messages.
const BotID = "bot"

// Escalator opens handoff tickets.
type Escalator interface {
	Escalate(ctx context.Context, ref domain.SessionRef, reason string, priority domain.Priority, actor *message.SenderInfo) (*domain.HandoffTicket, bool, error)
}

// Replier posts bot messages into a session.
type Replier interface {
	PostBotMessage(ctx context.Context, ref domain.SessionRef, content string, ext domain.Extensions) (*domain.ChatMessage, error)
}

// Config tunes the responder.
type Config struct {
	// EscalationKeywords hand the session to a human when found in a visitor message.
	EscalationKeywords []string
	// UrgentKeywords raise an escalation to high priority.
	UrgentKeywords []string
	// MinConfidence is the lowest answer confidence the bot replies with.
	MinConfidence   float64
	HandoffMessage  string
	FallbackMessage string
}

// DefaultConfig returns the stock keywords and messages.
func DefaultConfig() Config {
	return Config{
		EscalationKeywords: []string{"human", "agent", "representative", "real person", "operator", "speak to someone"},
		UrgentKeywords:     []string{"urgent", "emergency", "asap", "immediately"},
		MinConfidence:      constants.DefaultMinConfidence,
		HandoffMessage:     "Connecting you with a member of our team. Please hold on.",
		FallbackMessage:    "I'm not sure I can help with that. Let me find someone who can.",
	}
}

// Outcome is what the responder did with a message.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeKeyword  Outcome = "keyword_escalation"
	OutcomeFallback Outcome = "fallback_escalation"
	OutcomeSkipped  Outcome = "skipped"
)

// Responder reacts to visitor messages on bot-handled sessions.
type Responder struct {
	provider  answer.Provider
	escalator Escalator
	replier   Replier
	cfg       Config
	logger    zerolog.Logger
}

// NewResponder creates a responder. The replier is usually the message
// router, which is built after the responder, so it is set separately.
func NewResponder(provider answer.Provider, escalator Escalator, cfg Config, logger zerolog.Logger) *Responder {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = constants.DefaultMinConfidence
	}
	return &Responder{
		provider:  provider,
		escalator: escalator,
		cfg:       cfg,
		logger:    logger.With().Str("component", "bot").Logger(),
	}
}

// SetReplier sets where bot messages are posted.
func (r *Responder) SetReplier(replier Replier) {
	r.replier = replier
}

// HandleVisitorMessage answers msg or escalates the session.
func (r *Responder) HandleVisitorMessage(ctx context.Context, msg *domain.ChatMessage) (Outcome, error) {
	if msg.SenderRole != domain.SenderUser || msg.Content == "" {
		return OutcomeSkipped, nil
	}
	ref := msg.Session

	if kw, ok := firstMatch(msg.Content, r.cfg.EscalationKeywords); ok {
		priority := domain.PriorityMedium
		if _, urgent := firstMatch(msg.Content, r.cfg.UrgentKeywords); urgent {
			priority = domain.PriorityHigh
		}
		if err := r.escalate(ctx, ref, ReasonKeywordPrefix+kw, priority, r.cfg.HandoffMessage, nil); err != nil {
			return OutcomeKeyword, err
		}
		return OutcomeKeyword, nil
	}

	ans := r.ask(ctx, ref.TenantID, msg.Content)
	if ans != nil && ans.Confidence >= r.cfg.MinConfidence {
		conf := ans.Confidence
		_, err := r.reply(ctx, ref, ans.Text, domain.Extensions{AnswerConfidence: &conf})
		return OutcomeAnswered, err
	}

	var conf *float64
	if ans != nil {
		c := ans.Confidence
		conf = &c
	}
	if err := r.escalate(ctx, ref, ReasonFallback, domain.PriorityLow, r.cfg.FallbackMessage, conf); err != nil {
		return OutcomeFallback, err
	}
	return OutcomeFallback, nil
}

// ask queries the provider. Errors count as no answer.
func (r *Responder) ask(ctx context.Context, tenantID, question string) *answer.Answer {
	if r.provider == nil {
		return nil
	}
	askCtx, cancel := util.NewTimeoutContext(ctx, constants.AnswerTimeout)
	defer cancel()

	ans, err := r.provider.Answer(askCtx, tenantID, question)
	if err != nil {
		if !errors.Is(err, answer.ErrNoAnswer) {
			util.LogWarn(r.logger, "bot", "get answer", err, "tenant_id", tenantID)
		}
		return nil
	}
	return ans
}

func (r *Responder) escalate(ctx context.Context, ref domain.SessionRef, reason string, priority domain.Priority, notice string, conf *float64) error {
	actor := &message.SenderInfo{Role: domain.SenderBot, ID: BotID}
	ticket, created, err := r.escalator.Escalate(ctx, ref, reason, priority, actor)
	if err != nil {
		util.LogError(r.logger, "bot", "escalate session", err,
			"tenant_id", ref.TenantID, "session_id", ref.SessionID, "reason", reason)
		return err
	}
	r.logger.Info().
		Str("tenant_id", ref.TenantID).
		Str("session_id", ref.SessionID).
		Str("ticket_id", ticket.ID).
		Str("reason", reason).
		Bool("created", created).
		Msg("Bot handed session to a human")

	if !created || notice == "" {
		return nil
	}
	_, err = r.reply(ctx, ref, notice, domain.Extensions{AnswerConfidence: conf, EscalationRef: ticket.ID})
	return err
}

func (r *Responder) reply(ctx context.Context, ref domain.SessionRef, content string, ext domain.Extensions) (*domain.ChatMessage, error) {
	if r.replier == nil {
		return nil, nil
	}
	m, err := r.replier.PostBotMessage(ctx, ref, content, ext)
	if err != nil {
		util.LogError(r.logger, "bot", "post bot message", err, "tenant_id", ref.TenantID, "session_id", ref.SessionID)
	}
	return m, err
}

// Close shuts the answer provider down.
func (r *Responder) Close() error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

func firstMatch(text string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if answer.ContainsPhrase(text, p) {
			return p, true
		}
	}
	return "", false
}
