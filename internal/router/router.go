// Package router persists chat messages and delivers them to the rooms that
// may see them. A visitor message on a bot-handled session is also handed to
// the bot responder.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/bot"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/notification"
	"github.com/real-rm/chatdesk/internal/ratelimit"
	"github.com/real-rm/chatdesk/internal/registry"
	"github.com/real-rm/chatdesk/internal/storage"
	"github.com/real-rm/chatdesk/internal/util"
)

// ErrShuttingDown is returned by Shutdown when in-flight bot work outlives ctx.
var ErrShuttingDown = errors.New("router shutdown timed out")

// VisitorHandler reacts to visitor messages on sessions no human holds.
type VisitorHandler interface {
	HandleVisitorMessage(ctx context.Context, msg *domain.ChatMessage) (bot.Outcome, error)
}

// Config tunes the router.
type Config struct {
	// RateLimit is the number of visitor messages allowed per RateWindow.
	RateLimit    int
	RateWindow   time.Duration
	HistoryLimit int
}

// Router routes chat messages.
type Router struct {
	store   storage.Store
	fanout  *notification.Fanout
	limiter *ratelimit.MessageLimiter
	visitor VisitorHandler
	locks   *lockTable
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.Mutex // guards closing and wg.Add
	closing  bool
	inFlight sync.WaitGroup
}

// New creates a router. visitor may be nil, in which case no bot runs.
func New(store storage.Store, fanout *notification.Fanout, visitor VisitorHandler, cfg Config, logger zerolog.Logger) *Router {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = constants.DefaultHistoryLimit
	}
	routerLogger := logger.With().Str("component", "router").Logger()

	limiter := ratelimit.NewMessageLimiter("message", cfg.RateWindow, cfg.RateLimit, routerLogger)
	limiter.StartCleanup()

	return &Router{
		store:   store,
		fanout:  fanout,
		limiter: limiter,
		visitor: visitor,
		locks:   newLockTable(),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger:  routerLogger,
	}
}

// SetClock replaces the time source used for message timestamps.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Limiter exposes the visitor message limiter.
func (r *Router) Limiter() *ratelimit.MessageLimiter {
	return r.limiter
}

// Route validates, persists and broadcasts one chat message. The stored
// message, carrying its server-assigned id and timestamp, is returned.
//
// Checks run in order: the session must exist, the caller must be allowed
// to write to it, and the message must carry content or attachments.
func (r *Router) Route(ctx context.Context, id domain.Identity, tenantID, sessionID, content string, attachments []domain.Attachment, ext domain.Extensions) (*domain.ChatMessage, error) {
	sess, ticket, err := r.AuthorizeSessionAccess(ctx, id, tenantID, sessionID)
	if err != nil {
		return nil, r.reject(err)
	}
	if err := validateContent(content, attachments); err != nil {
		return nil, r.reject(err)
	}

	if id.Role == domain.RoleUser {
		key := tenantID + "/" + id.SenderID()
		if !r.limiter.Allow(key) {
			return nil, r.reject(chaterrors.ErrTooManyRequests(r.limiter.RetryAfter(key)))
		}
	}

	msg := &domain.ChatMessage{
		Session:     sess.Ref(),
		SenderRole:  id.SenderRole(),
		SenderID:    id.SenderID(),
		SenderName:  id.Name,
		Content:     content,
		Attachments: attachments,
		Extensions:  ext,
	}
	ticket, err = r.persistAndBroadcast(ctx, msg, id)
	if err != nil {
		return nil, r.reject(err)
	}
	metrics.MessagesRouted.WithLabelValues(string(msg.SenderRole)).Inc()

	if msg.SenderRole == domain.SenderUser && ticket == nil && sess.BotActive() {
		r.handToVisitorHandler(ctx, msg)
	}
	return msg, nil
}

// persistAndBroadcast stamps, stores and delivers msg while holding the
// session lock, so every consumer sees messages in storage order. The open
// ticket is read again under the lock; the one seen during authorization
// may have been assigned or moved since. The fresh ticket is returned.
func (r *Router) persistAndBroadcast(ctx context.Context, msg *domain.ChatMessage, id domain.Identity) (*domain.HandoffTicket, error) {
	unlock := r.locks.lock(msg.Session)
	defer unlock()

	ticket, err := r.openTicket(ctx, msg.Session)
	if err != nil {
		return nil, err
	}
	if id.Role == domain.RoleAgent && !heldBy(ticket, id.SenderID()) {
		return nil, chaterrors.ErrNotParticipant()
	}

	msg.ID = domain.NewMessageID()
	msg.Timestamp = r.now()

	if err := r.store.AppendMessage(ctx, msg); err != nil {
		util.LogError(r.logger, "router", "append message", err,
			"tenant_id", msg.Session.TenantID, "session_id", msg.Session.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, chaterrors.ErrSessionNotFound(msg.Session.SessionID)
		}
		return nil, chaterrors.ErrDatabaseError(err)
	}

	r.fanout.Send(message.FromChatMessage(msg), deliveryRooms(msg.Session, ticket)...)
	return ticket, nil
}

// openTicket returns the session's open ticket, or nil when there is none.
func (r *Router) openTicket(ctx context.Context, ref domain.SessionRef) (*domain.HandoffTicket, error) {
	ticket, err := r.store.OpenTicketForSession(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return ticket, nil
}

func heldBy(ticket *domain.HandoffTicket, agentID string) bool {
	return ticket != nil && ticket.Status == domain.TicketAssigned && ticket.AssignedAgent == agentID
}

// deliveryRooms is the session room plus the personal room of the agent
// holding the session, if any.
func deliveryRooms(ref domain.SessionRef, ticket *domain.HandoffTicket) []string {
	rooms := []string{registry.SessionRoom(ref.TenantID, ref.SessionID)}
	if ticket != nil && ticket.Status == domain.TicketAssigned && ticket.AssignedAgent != "" {
		rooms = append(rooms, registry.AgentRoom(ref.TenantID, ticket.AssignedAgent))
	}
	return rooms
}

// PostBotMessage routes a message authored by the bot.
func (r *Router) PostBotMessage(ctx context.Context, ref domain.SessionRef, content string, ext domain.Extensions) (*domain.ChatMessage, error) {
	id := domain.Identity{TenantID: ref.TenantID, Role: domain.RoleBot, UserID: bot.BotID, Name: "Assistant"}
	return r.Route(ctx, id, ref.TenantID, ref.SessionID, content, nil, ext)
}

// Typing tells the session room that the caller started or stopped typing.
// Typing frames are not stored.
func (r *Router) Typing(ctx context.Context, id domain.Identity, tenantID, sessionID string, isTyping bool) error {
	if _, _, err := r.AuthorizeSessionAccess(ctx, id, tenantID, sessionID); err != nil {
		return err
	}
	r.fanout.Send(&message.Message{
		Type:       message.TypeTyping,
		TenantID:   tenantID,
		SessionID:  sessionID,
		IsTyping:   &isTyping,
		Timestamp:  r.now(),
		SenderInfo: senderOf(id),
	}, registry.SessionRoom(tenantID, sessionID))
	return nil
}

// AnnounceAgentJoin tells the session room that the assigned agent joined.
func (r *Router) AnnounceAgentJoin(ctx context.Context, id domain.Identity, tenantID, sessionID string) error {
	if !id.IsStaff() {
		return chaterrors.ErrInsufficientPermissions()
	}
	if _, _, err := r.AuthorizeSessionAccess(ctx, id, tenantID, sessionID); err != nil {
		return err
	}
	r.fanout.Send(&message.Message{
		Type:       message.TypeAgentJoin,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Timestamp:  r.now(),
		SenderInfo: senderOf(id),
	}, registry.SessionRoom(tenantID, sessionID))
	return nil
}

// AuthorizeSessionAccess loads the session and checks that the caller may
// read and write it. The session's open ticket, if any, is returned too.
//
// Users and the bot may access sessions of their own tenant (a visitor
// credential bound to one session only reaches that session), admins any
// session of their tenant, agents only the session whose open ticket is
// assigned to them.
func (r *Router) AuthorizeSessionAccess(ctx context.Context, id domain.Identity, tenantID, sessionID string) (*domain.ChatSession, *domain.HandoffTicket, error) {
	if tenantID == "" {
		return nil, nil, chaterrors.ErrMissingField("tenant_id")
	}
	if sessionID == "" {
		return nil, nil, chaterrors.ErrMissingField("session_id")
	}
	ref := domain.SessionRef{TenantID: tenantID, SessionID: sessionID}

	sess, err := r.store.GetSession(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, chaterrors.ErrSessionNotFound(sessionID)
		}
		return nil, nil, chaterrors.ErrDatabaseError(err)
	}

	if id.TenantID != tenantID {
		return nil, nil, chaterrors.ErrTenantMismatch()
	}

	ticket, err := r.openTicket(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	switch id.Role {
	case domain.RoleUser:
		if id.SessionID != "" && id.SessionID != sessionID {
			return nil, nil, chaterrors.ErrNotParticipant()
		}
		// A credential without a session is bound to the visitor instead.
		if id.SessionID == "" && sess.VisitorID != "" && sess.VisitorID != id.UserID {
			return nil, nil, chaterrors.ErrNotParticipant()
		}
	case domain.RoleBot, domain.RoleAdmin:
	case domain.RoleAgent:
		if !heldBy(ticket, id.SenderID()) {
			return nil, nil, chaterrors.ErrNotParticipant()
		}
	default:
		return nil, nil, chaterrors.ErrInsufficientPermissions()
	}
	return sess, ticket, nil
}

// History returns the newest limit messages of a session, oldest first.
func (r *Router) History(ctx context.Context, id domain.Identity, tenantID, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	sess, _, err := r.AuthorizeSessionAccess(ctx, id, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.cfg.HistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	msgs, err := r.store.ListMessages(ctx, sess.Ref(), limit)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return msgs, nil
}

// OpenSession returns the caller's session, creating it on first use. A
// visitor whose credential names a session always gets that session. An
// empty sessionID mints a new one.
func (r *Router) OpenSession(ctx context.Context, id domain.Identity, tenantID, sessionID string) (*domain.ChatSession, bool, error) {
	if tenantID == "" {
		return nil, false, chaterrors.ErrMissingField("tenant_id")
	}
	if id.TenantID != tenantID {
		return nil, false, chaterrors.ErrTenantMismatch()
	}

	switch id.Role {
	case domain.RoleUser:
		if id.SessionID != "" {
			if sessionID != "" && sessionID != id.SessionID {
				return nil, false, chaterrors.ErrNotParticipant()
			}
			sessionID = id.SessionID
		}
	case domain.RoleBot, domain.RoleAdmin:
	default:
		return nil, false, chaterrors.ErrInsufficientPermissions()
	}
	if sessionID == "" {
		sessionID = domain.NewID()
	}

	now := r.now()
	sess := &domain.ChatSession{
		TenantID:  tenantID,
		SessionID: sessionID,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if id.Role == domain.RoleUser {
		sess.VisitorID = id.UserID
	}

	got, created, err := r.store.CreateSession(ctx, sess)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return nil, false, chaterrors.ErrInvalidMessageFormat(err.Error(), err)
		}
		return nil, false, chaterrors.ErrDatabaseError(err)
	}
	if created {
		r.logger.Info().
			Str("tenant_id", tenantID).
			Str("session_id", sessionID).
			Str("visitor_id", sess.VisitorID).
			Msg("Chat session opened")
	}
	return got, created, nil
}

// Shutdown stops accepting bot work and waits for in-flight bot replies.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down message router")

	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.limiter.StopCleanup()

	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShuttingDown, ctx.Err())
	}
}

// handToVisitorHandler runs the bot on msg in the background. The bot
// outlives the request that delivered the message.
func (r *Router) handToVisitorHandler(ctx context.Context, msg *domain.ChatMessage) {
	if r.visitor == nil {
		return
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.inFlight.Add(1)
	r.mu.Unlock()

	botCtx := util.Detach(ctx)
	util.SafeGo(r.logger, "router", func() {
		defer r.inFlight.Done()

		runCtx, cancel := util.NewTimeoutContext(botCtx, 2*constants.AnswerTimeout)
		defer cancel()

		outcome, err := r.visitor.HandleVisitorMessage(runCtx, msg)
		if err != nil {
			util.LogError(r.logger, "router", "bot reply", err,
				"tenant_id", msg.Session.TenantID, "session_id", msg.Session.SessionID, "message_id", msg.ID)
			return
		}
		r.logger.Debug().
			Str("session_id", msg.Session.SessionID).
			Str("outcome", string(outcome)).
			Msg("Bot handled visitor message")
	})
}

func (r *Router) reject(err error) error {
	metrics.RouteRejections.WithLabelValues(string(chaterrors.CategoryOf(err))).Inc()
	return err
}

func validateContent(content string, attachments []domain.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return chaterrors.ErrEmptyMessage()
	}
	if utf8.RuneCountInString(content) > constants.MaxContentLength {
		return chaterrors.ErrInvalidMessageFormat(fmt.Sprintf("content exceeds %d characters", constants.MaxContentLength), nil)
	}
	if len(attachments) > constants.MaxAttachments {
		return chaterrors.ErrInvalidMessageFormat(fmt.Sprintf("at most %d attachments allowed", constants.MaxAttachments), nil)
	}
	for i, a := range attachments {
		if strings.TrimSpace(a.URL) == "" {
			return chaterrors.ErrMissingField(fmt.Sprintf("attachments[%d].url", i))
		}
	}
	return nil
}

func senderOf(id domain.Identity) *message.SenderInfo {
	return &message.SenderInfo{Role: id.SenderRole(), ID: id.SenderID(), Name: id.Name}
}

// lockTable hands out one mutex per session. Entries are dropped when no
// goroutine holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[domain.SessionRef]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[domain.SessionRef]*sessionLock)}
}

func (lt *lockTable) lock(ref domain.SessionRef) func() {
	lt.mu.Lock()
	l, ok := lt.locks[ref]
	if !ok {
		l = &sessionLock{}
		lt.locks[ref] = l
	}
	l.refs++
	lt.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		lt.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(lt.locks, ref)
		}
		lt.mu.Unlock()
	}
}

func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
