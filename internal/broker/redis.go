// Package broker relays room broadcasts between chatdesk instances over
// Redis Pub/Sub, so a frame reaches every member of a room no matter which
// instance holds its connection.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/registry"
	"github.com/real-rm/chatdesk/internal/util"
)

const reconnectDelay = 2 * time.Second

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// Client is the part of *redis.Client the bridge uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// envelope carries either a frame for a room or, with Evict set, the id of
// an agent whose connections must leave the room.
type envelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Frame  []byte `json:"frame,omitempty"`
	Evict  string `json:"evict,omitempty"`
}

// RedisBridge delivers broadcasts locally and republishes them for other
// instances. Envelopes published by this instance are ignored on receipt.
// Publishing happens on a background worker fed by a bounded outbox, so a
// slow or unreachable Redis never holds up the caller.
type RedisBridge struct {
	client     Client
	channel    string
	instanceID string
	local      registry.Broadcaster
	logger     zerolog.Logger
	outbox     chan []byte
	doneCh     chan struct{}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisBridge wraps the local broadcaster.
func NewRedisBridge(client Client, channel, instanceID string, local registry.Broadcaster, logger zerolog.Logger) *RedisBridge {
	if channel == "" {
		channel = constants.DefaultBrokerChannel
	}
	return &RedisBridge{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		local:      local,
		logger:     logger.With().Str("component", "broker").Str("instance_id", instanceID).Logger(),
		outbox:     make(chan []byte, constants.BrokerOutboxSize),
		doneCh:     make(chan struct{}),
	}
}

// Broadcast delivers to local members, then queues the frame for remote
// ones. It never waits on Redis.
func (b *RedisBridge) Broadcast(roomKey string, frame []byte) int {
	delivered := b.local.Broadcast(roomKey, frame)
	b.enqueue(envelope{Origin: b.instanceID, Room: roomKey, Frame: frame})
	return delivered
}

// EvictAgent removes the agent's connections from the room on this
// instance and asks the others to do the same.
func (b *RedisBridge) EvictAgent(roomKey, agentID string) int {
	evicted := 0
	if ev, ok := b.local.(registry.Evictor); ok {
		evicted = ev.EvictAgent(roomKey, agentID)
	}
	b.enqueue(envelope{Origin: b.instanceID, Room: roomKey, Evict: agentID})
	return evicted
}

func (b *RedisBridge) enqueue(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Str("room", env.Room).Msg("Failed to encode broker envelope")
		return
	}
	select {
	case b.outbox <- payload:
	default:
		metrics.BrokerMessages.WithLabelValues("dropped").Inc()
		b.logger.Warn().Str("room", env.Room).Msg("Broker outbox full, dropping room frame")
	}
}

// publishLoop drains the outbox until ctx is done.
func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-b.outbox:
			b.publish(ctx, payload)
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, payload []byte) {
	pubCtx, cancel := context.WithTimeout(ctx, constants.EventPublishTimeout)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.channel, payload).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish room frame")
		return
	}
	metrics.BrokerMessages.WithLabelValues("out").Inc()
}

// Done is closed when Run returns.
func (b *RedisBridge) Done() <-chan struct{} { return b.doneCh }

// Run publishes queued frames and delivers remote ones until ctx is done,
// reconnecting the subscription after receive errors.
func (b *RedisBridge) Run(ctx context.Context) {
	publisherDone := make(chan struct{})
	util.SafeGo(b.logger, "broker", func() {
		defer close(publisherDone)
		b.publishLoop(ctx)
	})
	defer func() {
		<-publisherDone
		close(b.doneCh)
	}()

	for {
		err := b.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("Broker subscription error, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *RedisBridge) runSubscription(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info().Str("channel", b.channel).Msg("Broker subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			b.handleMessage(msg.Payload)
		}
	}
}

// handleMessage delivers one received envelope locally.
func (b *RedisBridge) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("Invalid broker payload")
		return
	}
	if env.Room == "" || env.Origin == b.instanceID {
		return
	}
	metrics.BrokerMessages.WithLabelValues("in").Inc()
	if env.Evict != "" {
		if ev, ok := b.local.(registry.Evictor); ok {
			ev.EvictAgent(env.Room, env.Evict)
		}
		return
	}
	b.local.Broadcast(env.Room, env.Frame)
}
