package chatdesk

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/auth"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/httperrors"
	"github.com/real-rm/chatdesk/internal/logging"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/ratelimit"
	"github.com/real-rm/chatdesk/internal/util"
)

const ctxKeyIdentity = "identity"

// Register mounts the WebSocket, API, health and metrics routes on r under
// the configured path prefix.
func (s *Service) Register(r *gin.Engine) {
	prefix := s.cfg.Server.PathPrefix

	if len(s.cfg.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
			util.LogWarn(s.logger, "chatdesk", "set trusted proxies", err)
		} else {
			s.logger.Info().Strs("proxies", s.cfg.Server.TrustedProxies).Msg("Trusted proxies configured")
		}
	}

	r.Use(logging.GinMiddleware(s.logger))
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.Server.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	root := r.Group(prefix)
	{
		root.GET("/ws/:tenant_id", s.handleWebSocket)
		root.GET("/ws/:tenant_id/:session_id", s.handleWebSocket)

		api := root.Group("/api")
		api.Use(authMiddleware(s.validator, s.logger))
		api.Use(apiRateLimitMiddleware(s.adminLimiter, s.logger))
		{
			api.POST("/sessions", s.handleOpenSession)
			api.GET("/sessions/:session_id/messages", s.handleHistory)
			api.POST("/sessions/:session_id/messages", s.handlePostMessage)
			api.POST("/sessions/:session_id/escalate", s.handleEscalate)

			api.GET("/tickets", s.handleListTickets)
			api.GET("/tickets/:ticket_id/candidates", s.handleCandidates)
			api.GET("/tickets/:ticket_id/queue", s.handleQueueStatus)
			api.POST("/tickets/:ticket_id/assign", s.handleAssign)
			api.POST("/tickets/:ticket_id/reassign", s.handleReassign)
			api.POST("/tickets/:ticket_id/resolve", s.handleResolve)

			api.PUT("/agents/:agent_id", s.handleUpsertAgent)
			api.PUT("/agents/:agent_id/status", s.handleAgentStatus)
			api.POST("/agents/:agent_id/heartbeat", s.handleAgentHeartbeat)
		}

		public := publicRateLimitMiddleware(s.publicLimiter, s.logger)
		root.GET("/healthz", public, handleHealthCheck)
		root.GET("/readyz", public, s.handleReadyCheck)
		root.GET("/metrics/prometheus",
			metricsNetworkMiddleware(parseNetworks(s.cfg.Server.MetricsNetworks, s.logger), s.logger),
			public,
			gin.WrapH(promhttp.Handler()),
		)
	}

	s.logger.Info().
		Str("websocket_endpoint", prefix+"/ws/:tenant_id[/:session_id]").
		Str("api_endpoints", prefix+"/api/*").
		Str("health_endpoints", prefix+"/healthz, "+prefix+"/readyz").
		Str("metrics_endpoint", prefix+"/metrics/prometheus").
		Msg("Chatdesk routes registered")
}

// handleWebSocket moves a query token into the Authorization header so it
// never shows up in access logs, then hands the request to the hub.
func (s *Service) handleWebSocket(c *gin.Context) {
	if token := c.Query("token"); token != "" {
		if c.Request.Header.Get("Authorization") == "" {
			c.Request.Header.Set("Authorization", "Bearer "+token)
		}
		q := c.Request.URL.Query()
		q.Del("token")
		c.Request.URL.RawQuery = q.Encode()
	}
	s.ws.ServeRoom(c.Writer, c.Request, c.Param("tenant_id"), c.Param("session_id"))
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": endpoint,
			"method":   c.Request.Method,
			"status":   strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}

// authMiddleware validates the bearer token and stores the caller's
// identity on both the gin and the request context.
func authMiddleware(validator *auth.JWTValidator, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			return
		}

		id, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn().Err(err).Str("component", "auth").Msg("Token validation failed")
			httperrors.RespondInvalidToken(c)
			return
		}

		c.Set(ctxKeyIdentity, *id)
		c.Set(logging.FieldTenantID, id.TenantID)
		c.Set(logging.FieldUserID, id.UserID)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), *id))
		c.Next()
	}
}

// apiRateLimitMiddleware limits API calls per tenant and user.
func apiRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityOf(c)
		if !ok {
			c.Next()
			return
		}

		key := id.TenantID + "/" + id.UserID
		if !limiter.Allow(key) {
			retryAfter := limiter.RetryAfter(key)
			logger.Warn().
				Str("tenant_id", id.TenantID).
				Str("user_id", id.UserID).
				Str("endpoint", c.FullPath()).
				Int("retry_after_ms", retryAfter).
				Msg("API rate limit exceeded")
			httperrors.RespondTooManyRequests(c, retryAfter)
			return
		}
		c.Next()
	}
}

// publicRateLimitMiddleware limits the unauthenticated endpoints by client
// IP. ClientIP honours the trusted proxy list.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			logger.Debug().Str("client_ip", clientIP).Str("endpoint", c.FullPath()).Msg("Public rate limit exceeded")
			httperrors.RespondTooManyRequests(c, limiter.RetryAfter(clientIP))
			return
		}
		c.Next()
	}
}

// parseNetworks parses CIDR strings, skipping invalid entries.
func parseNetworks(cidrs []string, logger zerolog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn().Str("cidr", cidr).Err(err).Msg("Invalid CIDR in metrics_allowed_networks")
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowed []*net.IPNet, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP != nil {
			for _, ipNet := range allowed {
				if ipNet.Contains(clientIP) {
					c.Next()
					return
				}
			}
		}

		logger.Warn().Str("client_ip", c.ClientIP()).Str("component", "metrics").Msg("Metrics access denied from unauthorized network")
		httperrors.RespondForbidden(c)
	}
}

// handleHealthCheck is the liveness probe: if we can respond, we're alive.
func handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe. It pings the store.
func (s *Service) handleReadyCheck(c *gin.Context) {
	ctx, cancel := util.NewTimeoutContext(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true
	if err := s.store.Ping(ctx); err != nil {
		util.LogWarn(s.logger, "health", "storage ping", err)
		checks["storage"] = gin.H{"status": "not ready", "reason": "Storage connectivity check failed"}
		ready = false
	} else {
		checks["storage"] = gin.H{"status": "ready", "driver": s.cfg.Database.Driver}
	}

	s.mu.Lock()
	shuttingDown := s.shutdown
	s.mu.Unlock()
	if shuttingDown {
		checks["service"] = gin.H{"status": "not ready", "reason": "Shutting down"}
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"checks":      checks,
		"connections": s.ws.ConnectionCount(),
	})
}

func identityOf(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

// caller returns the authenticated identity. The API group always runs
// authMiddleware first, so a missing identity is an internal error.
func caller(c *gin.Context) (domain.Identity, bool) {
	id, ok := identityOf(c)
	if !ok {
		httperrors.RespondInternalError(c)
	}
	return id, ok
}

// bindOptionalJSON decodes the body into v when there is one.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		httperrors.RespondBadRequest(c, "invalid request body")
		return false
	}
	return true
}

type openSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Service) handleOpenSession(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req openSessionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	sess, created, err := s.desk.OpenSession(c.Request.Context(), id, id.TenantID, req.SessionID)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"session": sess, "created": created})
}

func (s *Service) handleHistory(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httperrors.RespondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := s.desk.History(c.Request.Context(), id, id.TenantID, c.Param("session_id"), limit)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type postMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
	Extensions  domain.Extensions   `json:"extensions"`
}

func (s *Service) handlePostMessage(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "invalid request body")
		return
	}

	msg, err := s.desk.PostMessage(c.Request.Context(), id, id.TenantID, c.Param("session_id"), req.Content, req.Attachments, req.Extensions)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type escalateRequest struct {
	Reason   string          `json:"reason"`
	Priority domain.Priority `json:"priority"`
}

func (s *Service) handleEscalate(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req escalateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ticket, created, err := s.desk.EscalateSession(c.Request.Context(), id, id.TenantID, c.Param("session_id"), req.Reason, req.Priority)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"ticket": ticket, "created": created})
}

func (s *Service) handleListTickets(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	status := domain.TicketStatus(c.DefaultQuery("status", string(domain.TicketPending)))

	if status == domain.TicketPending {
		queue, err := s.desk.ListPendingTickets(c.Request.Context(), id, id.TenantID)
		if err != nil {
			httperrors.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tickets": queue, "count": len(queue)})
		return
	}

	tickets, err := s.desk.ListTickets(c.Request.Context(), id, id.TenantID, status)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

func (s *Service) handleCandidates(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	candidates, err := s.desk.Candidates(c.Request.Context(), id, id.TenantID, c.Param("ticket_id"))
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates, "count": len(candidates)})
}

func (s *Service) handleQueueStatus(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	status, err := s.desk.QueueStatus(c.Request.Context(), id, id.TenantID, c.Param("ticket_id"))
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Service) handleAssign(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req assignRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ticket, err := s.desk.AssignSession(c.Request.Context(), id, id.TenantID, c.Param("ticket_id"), req.AgentID)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Service) handleReassign(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req assignRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ticket, err := s.desk.ReassignSession(c.Request.Context(), id, id.TenantID, c.Param("ticket_id"), req.AgentID)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Service) handleResolve(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ticket, err := s.desk.ResolveSession(c.Request.Context(), id, id.TenantID, c.Param("ticket_id"), req.Notes)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type upsertAgentRequest struct {
	Name                  string   `json:"name"`
	MaxConcurrentSessions int      `json:"max_concurrent_sessions"`
	Specializations       []string `json:"specializations"`
}

func (s *Service) handleUpsertAgent(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req upsertAgentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	agent, err := s.desk.UpsertAgent(c.Request.Context(), id, id.TenantID, &domain.Agent{
		ID:                    c.Param("agent_id"),
		Name:                  req.Name,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		Specializations:       req.Specializations,
	})
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type agentStatusRequest struct {
	Status domain.AgentStatus `json:"status" binding:"required"`
}

func (s *Service) handleAgentStatus(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req agentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "status is required")
		return
	}

	agent, err := s.desk.UpdateAgentStatus(c.Request.Context(), id, id.TenantID, c.Param("agent_id"), req.Status)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Service) handleAgentHeartbeat(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	agent, err := s.desk.Heartbeat(c.Request.Context(), id, id.TenantID, c.Param("agent_id"))
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}
