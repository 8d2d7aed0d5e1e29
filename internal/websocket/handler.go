// Package websocket upgrades authenticated HTTP requests to WebSocket
// connections, joins them to their rooms and feeds inbound frames to the
// message router.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/auth"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	chaterrors "github.com/real-rm/chatdesk/internal/errors"
	"github.com/real-rm/chatdesk/internal/message"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/ratelimit"
	"github.com/real-rm/chatdesk/internal/registry"
	"github.com/real-rm/chatdesk/internal/util"
)

// ErrShutdownTimeout is returned when connections outlive the shutdown deadline.
var ErrShutdownTimeout = errors.New("websocket shutdown deadline exceeded")

// Router is the part of the message router the transport drives.
type Router interface {
	Route(ctx context.Context, id domain.Identity, tenantID, sessionID, content string, attachments []domain.Attachment, ext domain.Extensions) (*domain.ChatMessage, error)
	Typing(ctx context.Context, id domain.Identity, tenantID, sessionID string, isTyping bool) error
	AnnounceAgentJoin(ctx context.Context, id domain.Identity, tenantID, sessionID string) error
	AuthorizeSessionAccess(ctx context.Context, id domain.Identity, tenantID, sessionID string) (*domain.ChatSession, *domain.HandoffTicket, error)
}

// Heartbeater records agent liveness.
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentID string) (*domain.Agent, error)
}

// Config holds connection limits and timeouts.
type Config struct {
	MaxMessageSize int64
	SendQueueSize  int
	// MaxConnections is the number of concurrent connections per user.
	MaxConnections int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = constants.DefaultMaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = constants.DefaultSendQueueSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = constants.DefaultMaxConnections
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Handler manages WebSocket connections.
type Handler struct {
	validator      *auth.JWTValidator
	router         Router
	rooms          *registry.Registry
	heartbeats     Heartbeater
	connLimiter    *ratelimit.ConnectionLimiter
	cfg            Config
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	logger         zerolog.Logger

	mu          sync.Mutex
	connections map[string]*Connection
	closing     bool
	drained     chan struct{}
}

// NewHandler creates a handler. heartbeats may be nil.
func NewHandler(validator *auth.JWTValidator, router Router, rooms *registry.Registry, heartbeats Heartbeater, cfg Config, logger zerolog.Logger) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		validator:      validator,
		router:         router,
		rooms:          rooms,
		heartbeats:     heartbeats,
		connLimiter:    ratelimit.NewConnectionLimiter(cfg.MaxConnections),
		cfg:            cfg,
		allowedOrigins: make(map[string]bool),
		logger:         logger.With().Str("component", "websocket").Logger(),
		connections:    make(map[string]*Connection),
	}
	for _, origin := range cfg.AllowedOrigins {
		h.allowedOrigins[origin] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// IsOpenOrigin reports whether every origin is accepted.
func (h *Handler) IsOpenOrigin() bool {
	return len(h.allowedOrigins) == 0
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn().Str("origin", origin).Msg("Origin not allowed")
	return false
}

// ConnectionCount returns the number of open connections.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeRoom upgrades the request and joins the connection to the room named
// by tenantID and the optional sessionID. Setup failures after the upgrade
// close the socket with an application close code.
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request, tenantID, sessionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarn(h.logger, "websocket", "upgrade connection", err)
		return
	}

	token := r.URL.Query().Get("token")
	if bearer, err := util.ExtractBearerToken(r.Header.Get("Authorization")); err == nil {
		token = bearer
	}
	if token == "" {
		h.reject(ws, constants.CloseMissingToken, "missing credential")
		return
	}

	id, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Token validation failed")
		h.reject(ws, constants.CloseInvalidToken, "invalid credential")
		return
	}

	ctx := auth.WithIdentity(util.Detach(r.Context()), *id)
	rooms, code, reason := h.resolveRooms(ctx, *id, tenantID, sessionID)
	if code != 0 {
		h.logger.Warn().
			Str("tenant_id", tenantID).
			Str("session_id", sessionID).
			Str("user_id", id.UserID).
			Int("close_code", code).
			Msg("Connection refused")
		h.reject(ws, code, reason)
		return
	}

	if !h.connLimiter.Allow(id.UserID) {
		h.reject(ws, websocket.ClosePolicyViolation, chaterrors.ErrConnectionLimitExceeded(0).Message)
		return
	}

	conn := newConnection(ws, *id, tenantID, sessionID, h.cfg.SendQueueSize)
	conn.ctx, conn.cancel = context.WithCancel(ctx)
	if !h.register(conn) {
		h.connLimiter.Release(id.UserID)
		h.reject(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}

	role := id.Role
	for _, key := range rooms {
		h.rooms.Join(key, conn, role)
	}

	h.logger.Info().
		Str("connection_id", conn.id).
		Str("tenant_id", tenantID).
		Str("session_id", sessionID).
		Str("user_id", id.UserID).
		Str("role", string(role)).
		Strs("rooms", rooms).
		Msg("WebSocket connection established")

	util.SafeGo(h.logger, "websocket", func() { h.readPump(conn) })
	util.SafeGo(h.logger, "websocket", func() { h.writePump(conn) })
}

// resolveRooms decides which rooms the caller joins. A non-zero code means
// the connection is refused.
func (h *Handler) resolveRooms(ctx context.Context, id domain.Identity, tenantID, sessionID string) ([]string, int, string) {
	if tenantID == "" {
		return nil, constants.CloseMissingRoom, "missing tenant"
	}

	if sessionID == "" {
		if !id.IsStaff() {
			return nil, constants.CloseMissingRoom, "missing session"
		}
		if id.TenantID != tenantID {
			return nil, constants.CloseForbidden, "tenant forbidden"
		}
		rooms := []string{registry.AgentsRoom(tenantID)}
		if id.Role == domain.RoleAgent {
			rooms = append(rooms, registry.AgentRoom(tenantID, id.SenderID()))
		}
		return rooms, 0, ""
	}

	if _, _, err := h.router.AuthorizeSessionAccess(ctx, id, tenantID, sessionID); err != nil {
		switch {
		case chaterrors.IsNotFound(err):
			return nil, constants.CloseMissingRoom, "unknown session"
		case chaterrors.IsForbidden(err):
			return nil, constants.CloseForbidden, "session forbidden"
		default:
			util.LogError(h.logger, "websocket", "authorize session", err, "tenant_id", tenantID, "session_id", sessionID)
			return nil, websocket.CloseInternalServerErr, "authorization unavailable"
		}
	}
	return []string{registry.SessionRoom(tenantID, sessionID)}, 0, ""
}

func (h *Handler) reject(ws *websocket.Conn, code int, reason string) {
	metrics.ConnectionRejections.WithLabelValues(strconv.Itoa(code)).Inc()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteWait))
	_ = ws.Close()
}

func (h *Handler) register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.connections[c.id] = c
	metrics.WebSocketConnections.Inc()
	return true
}

// unregister drops the connection from every room. Ticket state is untouched.
func (h *Handler) unregister(c *Connection) {
	h.rooms.LeaveAll(c.id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c.id]; !ok {
		return
	}
	delete(h.connections, c.id)
	h.connLimiter.Release(c.identity.UserID)
	metrics.WebSocketConnections.Dec()
	if h.closing && len(h.connections) == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// ShutdownWithContext closes every connection with a going-away code and
// waits until they are gone or ctx ends.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down WebSocket handler, closing all connections")

	h.mu.Lock()
	h.closing = true
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	var drained chan struct{}
	if len(conns) > 0 {
		drained = make(chan struct{})
		h.drained = drained
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Disconnect(websocket.CloseGoingAway, "server shutting down")
	}
	if drained == nil {
		return nil
	}

	select {
	case <-drained:
		h.logger.Info().Msg("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn().Int("connections", h.ConnectionCount()).Msg("Shutdown deadline exceeded")
		return ErrShutdownTimeout
	}
}

// readPump reads frames until the peer goes away, then cleans up.
func (h *Handler) readPump(c *Connection) {
	defer func() {
		h.unregister(c)
		c.Disconnect(websocket.CloseNormalClosure, "")
		h.logger.Info().
			Str("connection_id", c.id).
			Str("user_id", c.identity.UserID).
			Msg("WebSocket connection closed")
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warn().Str("connection_id", c.id).Int64("limit", h.cfg.MaxMessageSize).Msg("WebSocket message size limit exceeded")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				util.LogWarn(h.logger, "websocket", "read frame", err, "connection_id", c.id)
			}
			return
		}
		h.handleFrame(c, raw)
	}
}

// handleFrame dispatches one inbound frame. Failures are reported to the
// sender as error frames; the connection stays open.
func (h *Handler) handleFrame(c *Connection, raw []byte) {
	var msg message.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, "", chaterrors.ErrInvalidMessageFormat("malformed JSON", err))
		return
	}
	if err := msg.ValidateInbound(); err != nil {
		h.sendError(c, msg.SessionID, chaterrors.ErrInvalidMessageFormat(err.Error(), err))
		return
	}
	msg.Sanitize()
	metrics.FramesReceived.WithLabelValues(string(msg.Type)).Inc()

	if msg.Type == message.TypePing {
		h.heartbeat(c)
		c.Enqueue(mustEncode(&message.Message{Type: message.TypePong, Timestamp: time.Now().UTC()}))
		return
	}

	// Session connections are bound to their session; tenant connections
	// name the session in each frame.
	sessionID := c.sessionID
	if sessionID == "" {
		sessionID = msg.SessionID
	}
	if sessionID == "" {
		h.sendError(c, "", chaterrors.ErrMissingField("session_id"))
		return
	}

	var err error
	switch msg.Type {
	case message.TypeChatMessage:
		var ext domain.Extensions
		if msg.Extensions != nil {
			ext = *msg.Extensions
		}
		_, err = h.router.Route(c.ctx, c.identity, c.tenantID, sessionID, msg.Content, msg.Attachments, ext)
	case message.TypeTyping:
		isTyping := msg.IsTyping == nil || *msg.IsTyping
		err = h.router.Typing(c.ctx, c.identity, c.tenantID, sessionID, isTyping)
	case message.TypeAgentJoin:
		err = h.router.AnnounceAgentJoin(c.ctx, c.identity, c.tenantID, sessionID)
	}
	if err != nil {
		h.sendError(c, sessionID, err)
	}
}

func (h *Handler) heartbeat(c *Connection) {
	if h.heartbeats == nil || c.identity.Role != domain.RoleAgent {
		return
	}
	if _, err := h.heartbeats.Heartbeat(c.ctx, c.identity.SenderID()); err != nil {
		util.LogWarn(h.logger, "websocket", "record heartbeat", err, "agent_id", c.identity.SenderID())
	}
}

func (h *Handler) sendError(c *Connection, sessionID string, err error) {
	ce, ok := chaterrors.As(err)
	if !ok || ce.Category == chaterrors.CategoryService {
		util.LogError(h.logger, "websocket", "handle frame", err, "connection_id", c.id)
		ce = chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "Failed to process message", err)
	}
	metrics.FrameErrors.WithLabelValues(string(ce.Code)).Inc()

	frame := message.NewError(ce.ToErrorInfo())
	frame.TenantID = c.tenantID
	frame.SessionID = sessionID
	c.Enqueue(mustEncode(frame))
}

// writePump drains the outbound queue, pings the peer, and writes the
// close frame once the connection is disconnected.
func (h *Handler) writePump(c *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Disconnect(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Disconnect(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			code, reason := c.closeStatus()
			if code != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteWait))
			}
			return
		}
	}
}

func mustEncode(m *message.Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return b
}

// Connection is one client socket. It satisfies registry.Conn.
type Connection struct {
	id        string
	ws        *websocket.Conn
	identity  domain.Identity
	tenantID  string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	send    chan []byte
	closing atomic.Bool
	once    sync.Once
	done    chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newConnection(ws *websocket.Conn, id domain.Identity, tenantID, sessionID string, queueSize int) *Connection {
	return &Connection{
		id:        domain.NewID(),
		ws:        ws,
		identity:  id,
		tenantID:  tenantID,
		sessionID: sessionID,
		ctx:       context.Background(),
		cancel:    func() {},
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns the authenticated caller.
func (c *Connection) Identity() domain.Identity { return c.identity }

// Enqueue queues frame without blocking. It returns false if the queue is
// full or the connection is closing.
func (c *Connection) Enqueue(frame []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Closing reports whether Disconnect has been called.
func (c *Connection) Closing() bool { return c.closing.Load() }

// Disconnect closes the connection with code. Only the first call counts.
func (c *Connection) Disconnect(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()

		c.closing.Store(true)
		c.cancel()
		close(c.done)
	})
}

func (c *Connection) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
