package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/metrics"
)

type published struct {
	channel string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	sent []published
	err  error
	// block, when set, holds every Publish until it is closed or the
	// context ends.
	block chan struct{}
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			cmd.SetErr(ctx.Err())
			return cmd
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	panic("not used")
}

func (f *fakeClient) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	frames  map[string][]string
	evicted []string
}

func (r *recordingBroadcaster) Broadcast(roomKey string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]string)
	}
	r.frames[roomKey] = append(r.frames[roomKey], string(frame))
	return 1
}

func (r *recordingBroadcaster) EvictAgent(roomKey, agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, roomKey+"#"+agentID)
	return 1
}

// startPublisher runs the bridge's outbox worker for the test's lifetime.
func startPublisher(t *testing.T, b *RedisBridge) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.publishLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRedisBridge_BroadcastDeliversLocallyAndPublishes(t *testing.T) {
	client := &fakeClient{}
	local := &recordingBroadcaster{}
	b := NewRedisBridge(client, "", "node-1", local, zerolog.Nop())
	startPublisher(t, b)

	n := b.Broadcast("tenant/acme/agents", []byte(`{"type":"ticket_escalated"}`))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"type":"ticket_escalated"}`}, local.frames["tenant/acme/agents"])

	require.Eventually(t, func() bool { return len(client.published()) == 1 }, time.Second, 5*time.Millisecond)
	sent := client.published()[0]
	assert.Equal(t, "chatdesk:rooms", sent.channel)

	var env envelope
	require.NoError(t, json.Unmarshal(sent.payload, &env))
	assert.Equal(t, "node-1", env.Origin)
	assert.Equal(t, "tenant/acme/agents", env.Room)
	assert.JSONEq(t, `{"type":"ticket_escalated"}`, string(env.Frame))
	assert.Empty(t, env.Evict)
}

func TestRedisBridge_PublishFailureKeepsLocalDelivery(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	local := &recordingBroadcaster{}
	b := NewRedisBridge(client, "rooms", "node-1", local, zerolog.Nop())
	startPublisher(t, b)

	assert.Equal(t, 1, b.Broadcast("tenant/acme/session/s1", []byte("{}")))
	assert.Len(t, local.frames["tenant/acme/session/s1"], 1)
}

func TestRedisBridge_StalledRedisDoesNotBlockBroadcast(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	b := NewRedisBridge(client, "rooms", "node-1", &recordingBroadcaster{}, zerolog.Nop())
	startPublisher(t, b)
	defer close(client.block)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Broadcast("tenant/acme/session/s1", []byte("{}"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast waited on Redis")
	}
}

func TestRedisBridge_FullOutboxDropsFrames(t *testing.T) {
	b := NewRedisBridge(&fakeClient{}, "rooms", "node-1", &recordingBroadcaster{}, zerolog.Nop())
	dropped := metrics.BrokerMessages.WithLabelValues("dropped")
	before := testutil.ToFloat64(dropped)

	for i := 0; i < constants.BrokerOutboxSize+3; i++ {
		b.Broadcast("tenant/acme/session/s1", []byte("{}"))
	}
	assert.Equal(t, before+3, testutil.ToFloat64(dropped))
	assert.Len(t, b.outbox, constants.BrokerOutboxSize)
}

func TestRedisBridge_EvictAgentRelaysToOtherInstances(t *testing.T) {
	client := &fakeClient{}
	local := &recordingBroadcaster{}
	b := NewRedisBridge(client, "rooms", "node-1", local, zerolog.Nop())
	startPublisher(t, b)

	assert.Equal(t, 1, b.EvictAgent("tenant/acme/session/s1", "a1"))
	assert.Equal(t, []string{"tenant/acme/session/s1#a1"}, local.evicted)

	require.Eventually(t, func() bool { return len(client.published()) == 1 }, time.Second, 5*time.Millisecond)
	var env envelope
	require.NoError(t, json.Unmarshal(client.published()[0].payload, &env))
	assert.Equal(t, "a1", env.Evict)
	assert.Empty(t, env.Frame)

	remote := &recordingBroadcaster{}
	peer := NewRedisBridge(&fakeClient{}, "rooms", "node-2", remote, zerolog.Nop())
	peer.handleMessage(string(client.published()[0].payload))
	assert.Equal(t, []string{"tenant/acme/session/s1#a1"}, remote.evicted)
	assert.Empty(t, remote.frames, "an eviction is not a frame")
}

func TestRedisBridge_HandleMessage(t *testing.T) {
	local := &recordingBroadcaster{}
	b := NewRedisBridge(&fakeClient{}, "rooms", "node-1", local, zerolog.Nop())

	remote, _ := json.Marshal(envelope{Origin: "node-2", Room: "tenant/acme/session/s1", Frame: []byte(`{"a":1}`)})
	own, _ := json.Marshal(envelope{Origin: "node-1", Room: "tenant/acme/session/s1", Frame: []byte(`{"a":2}`)})

	b.handleMessage(string(remote))
	b.handleMessage(string(own))
	b.handleMessage("not json")
	b.handleMessage(`{"origin":"node-3"}`)

	assert.Equal(t, []string{`{"a":1}`}, local.frames["tenant/acme/session/s1"])
	assert.Len(t, local.frames, 1)
	assert.Empty(t, local.evicted)
}
