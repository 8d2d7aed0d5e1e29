// Package chatdesk wires the live chat core into a running service: storage,
// rooms, the bot, handoff and presence, plus the WebSocket and HTTP
// endpoints that expose them.
package chatdesk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/answer"
	"github.com/real-rm/chatdesk/internal/auth"
	"github.com/real-rm/chatdesk/internal/bot"
	"github.com/real-rm/chatdesk/internal/broker"
	"github.com/real-rm/chatdesk/internal/config"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/events"
	"github.com/real-rm/chatdesk/internal/handoff"
	"github.com/real-rm/chatdesk/internal/matching"
	"github.com/real-rm/chatdesk/internal/notification"
	"github.com/real-rm/chatdesk/internal/presence"
	"github.com/real-rm/chatdesk/internal/ratelimit"
	"github.com/real-rm/chatdesk/internal/registry"
	"github.com/real-rm/chatdesk/internal/router"
	"github.com/real-rm/chatdesk/internal/storage"
	"github.com/real-rm/chatdesk/internal/util"
	"github.com/real-rm/chatdesk/internal/websocket"
)

// Service owns every long-lived component of one chatdesk instance.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	store       storage.Store
	rooms       *registry.Registry
	redisClient *redis.Client
	bridge      *broker.RedisBridge
	fanout      *notification.Fanout
	tracker     *presence.Tracker
	matcher     *matching.Matcher
	machine     *handoff.Machine
	responder   *bot.Responder
	router      *router.Router
	ws          *websocket.Handler
	desk        *Desk
	validator   *auth.JWTValidator

	adminLimiter  *ratelimit.MessageLimiter
	publicLimiter *ratelimit.MessageLimiter

	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown bool
}

// New builds a service from configuration. It connects to the configured
// database, Redis and Kafka; nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, cfg, store, logger)
}

// NewWithStore builds a service on an already opened store. The service
// owns the store from then on and closes it on shutdown or failure.
func NewWithStore(ctx context.Context, cfg *config.Config, store storage.Store, logger zerolog.Logger) (_ *Service, err error) {
	s := &Service{
		cfg:       cfg,
		logger:    logger.With().Str("component", "chatdesk").Logger(),
		store:     store,
		validator: auth.NewJWTValidator(cfg.Auth.JWTSecret),
	}
	defer func() {
		if err != nil {
			s.closeExternal(context.Background())
		}
	}()

	s.rooms = registry.New(logger)
	var rooms registry.Broadcaster = s.rooms
	if cfg.Redis.Enabled() {
		s.redisClient, err = broker.NewRedisClient(ctx, cfg.Redis.Bridge())
		if err != nil {
			return nil, err
		}
		s.bridge = broker.NewRedisBridge(s.redisClient, cfg.Redis.Channel, instanceID(cfg), s.rooms, logger)
		rooms = s.bridge
		s.logger.Info().Str("address", cfg.Redis.Address).Msg("Cross-instance room bridge enabled")
	}

	var sink events.Sink = events.NopSink{}
	if cfg.Kafka.Enabled() {
		kafkaSink, err := events.NewKafkaSink(cfg.Kafka.Sink(), logger)
		if err != nil {
			return nil, err
		}
		sink = kafkaSink
		s.logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Handoff event stream enabled")
	}
	s.fanout = notification.NewFanout(rooms, sink, logger)

	s.tracker = presence.NewTracker(store, cfg.Presence.Tracker(), logger)
	s.tracker.SetNotifier(s.fanout)
	s.matcher = matching.New(store, store, cfg.Handoff.AvgHandleTime)
	s.machine = handoff.New(store, s.tracker, s.matcher, s.fanout, handoff.Config{AutoAssign: cfg.Handoff.AutoAssign}, logger)

	provider, err := newAnswerProvider(ctx, cfg.Answer, logger)
	if err != nil {
		return nil, err
	}
	s.responder = bot.NewResponder(provider, s.machine, cfg.Answer.Bot(), logger)

	s.router = router.New(store, s.fanout, s.responder, router.Config{
		RateLimit:  cfg.RateLimit.MessageLimit,
		RateWindow: cfg.RateLimit.Window,
	}, logger)
	s.responder.SetReplier(s.router)

	s.ws = websocket.NewHandler(s.validator, s.router, s.rooms, s.tracker, websocket.Config{
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendQueueSize:  cfg.WebSocket.SendQueueSize,
		MaxConnections: cfg.WebSocket.MaxConnections,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	if s.ws.IsOpenOrigin() {
		s.logger.Warn().Msg("No allowed origins configured, allowing all origins (development mode)")
	}

	s.desk = NewDesk(store, s.router, s.machine, s.matcher, s.tracker, logger)
	s.adminLimiter = ratelimit.NewMessageLimiter("api", cfg.RateLimit.Window, cfg.RateLimit.AdminLimit, logger)
	s.publicLimiter = ratelimit.NewMessageLimiter("public", constants.DefaultRateWindow, constants.PublicEndpointRate, logger)

	s.logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("answer_provider", cfg.Answer.Provider).
		Bool("auto_assign", cfg.Handoff.AutoAssign).
		Msg("Chatdesk service initialized")
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	if cfg.Database.Driver != config.DriverMongo {
		logger.Warn().Msg("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	connectCtx, cancel := util.NewTimeoutContext(ctx, cfg.Database.ConnectTimeout)
	defer cancel()
	store, err := storage.NewMongoStore(connectCtx, cfg.Database.Mongo(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	indexCtx, indexCancel := util.NewTimeoutContext(ctx, constants.MongoIndexTimeout)
	defer indexCancel()
	if err := store.EnsureIndexes(indexCtx); err != nil {
		// The unique open-ticket index backs escalation; refuse to run without it.
		_ = store.Close(context.Background())
		return nil, fmt.Errorf("failed to create mongodb indexes: %w", err)
	}

	if !strings.Contains(cfg.Database.URI, "@") {
		logger.Warn().Msg("MongoDB URI does not contain authentication credentials, ensure auth is configured for production")
	}
	return store, nil
}

func newAnswerProvider(ctx context.Context, cfg config.AnswerConfig, logger zerolog.Logger) (answer.Provider, error) {
	var provider answer.Provider
	switch cfg.Provider {
	case config.ProviderStatic:
		provider = answer.NewStaticProvider(cfg.Entries)
	case config.ProviderHTTP:
		provider = answer.NewHTTPProvider(cfg.HTTP(), logger)
	default:
		return nil, nil
	}
	if err := provider.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize answer provider: %w", err)
	}
	return provider, nil
}

func instanceID(cfg *config.Config) string {
	if cfg.Server.InstanceID != "" {
		return cfg.Server.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "chatdesk"
}

// Desk returns the service facade.
func (s *Service) Desk() *Desk { return s.desk }

// Store returns the storage backend.
func (s *Service) Store() storage.Store { return s.store }

// Start launches the presence sweep, the room bridge and limiter cleanup.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.shutdown {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.tracker.Start(runCtx)
	if s.bridge != nil {
		util.SafeGo(s.logger, "broker", func() { s.bridge.Run(runCtx) })
	}
	s.adminLimiter.StartCleanup()
	s.publicLimiter.StartCleanup()
}

// Shutdown closes connections first, then waits for in-flight bot work and
// releases external resources. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Starting graceful shutdown of chatdesk service")

	var errs []error
	if err := s.ws.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.tracker.Stop()
	s.adminLimiter.StopCleanup()
	s.publicLimiter.StopCleanup()
	if cancel != nil {
		cancel()
		if s.bridge != nil {
			select {
			case <-s.bridge.Done():
			case <-ctx.Done():
			}
		}
	}

	s.closeExternal(ctx)
	s.logger.Info().Msg("Chatdesk service shutdown complete")
	return errors.Join(errs...)
}

// closeExternal releases connections to outside systems. Failures are logged.
func (s *Service) closeExternal(ctx context.Context) {
	if s.responder != nil {
		if err := s.responder.Close(); err != nil {
			util.LogWarn(s.logger, "chatdesk", "close answer provider", err)
		}
	}
	if s.fanout != nil {
		if err := s.fanout.Close(); err != nil {
			util.LogWarn(s.logger, "chatdesk", "close event sink", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			util.LogWarn(s.logger, "chatdesk", "close redis client", err)
		}
	}
	if err := s.store.Close(util.Detach(ctx)); err != nil {
		util.LogWarn(s.logger, "chatdesk", "close storage", err)
	}
}
