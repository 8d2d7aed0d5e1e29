// Package registry tracks which live connections belong to which rooms and
// fans frames out to them. Each room has its own lock, so traffic in one
// room never waits on membership changes in another.
package registry

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
	"github.com/real-rm/chatdesk/internal/metrics"
)

// Conn is the registry's view of a live connection.
type Conn interface {
	ID() string
	// Enqueue queues a frame without blocking. It returns false when the
	// outbound queue is full or the connection is closing.
	Enqueue(frame []byte) bool
	// Closing reports whether the connection is already shutting down.
	Closing() bool
	// Disconnect closes the connection with a close code.
	Disconnect(code int, reason string)
}

// Identified is implemented by connections that know their caller.
type Identified interface {
	Identity() domain.Identity
}

// Broadcaster delivers a pre-encoded frame to every member of a room.
type Broadcaster interface {
	Broadcast(roomKey string, frame []byte) int
}

// Evictor removes one agent's connections from a room.
type Evictor interface {
	EvictAgent(roomKey, agentID string) int
}

// Room keys

func SessionRoom(tenantID, sessionID string) string {
	return "tenant/" + tenantID + "/session/" + sessionID
}

func AgentsRoom(tenantID string) string {
	return "tenant/" + tenantID + "/agents"
}

func AgentRoom(tenantID, agentID string) string {
	return "tenant/" + tenantID + "/agent/" + agentID
}

// RoomKind returns "session", "agents", "agent" or "unknown" for a room key.
func RoomKind(roomKey string) string {
	parts := strings.Split(roomKey, "/")
	if len(parts) >= 3 && parts[0] == "tenant" {
		return parts[2]
	}
	return "unknown"
}

// RoomTenant returns the tenant a room key belongs to.
func RoomTenant(roomKey string) string {
	parts := strings.SplitN(roomKey, "/", 3)
	if len(parts) >= 2 && parts[0] == "tenant" {
		return parts[1]
	}
	return ""
}

type member struct {
	conn Conn
	role domain.Role
}

type room struct {
	mu      sync.RWMutex
	members map[string]member
	// dead is set when the room emptied and is being removed from the index.
	// A Join that finds a dead room retries with a fresh one.
	dead bool
}

// Registry maps room keys to their member connections.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	connMu sync.Mutex
	byConn map[string]map[string]struct{} // connection id -> room keys

	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Join adds conn to the room. Joining twice is a no-op apart from updating the role.
func (r *Registry) Join(roomKey string, conn Conn, role domain.Role) {
	for {
		rm := r.getOrCreate(roomKey)

		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[conn.ID()] = member{conn: conn, role: role}
		rm.mu.Unlock()
		break
	}

	r.connMu.Lock()
	keys, ok := r.byConn[conn.ID()]
	if !ok {
		keys = make(map[string]struct{})
		r.byConn[conn.ID()] = keys
	}
	keys[roomKey] = struct{}{}
	r.connMu.Unlock()

	r.logger.Debug().Str("room", roomKey).Str("connection_id", conn.ID()).Str("role", string(role)).Msg("Joined room")
}

func (r *Registry) getOrCreate(roomKey string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[roomKey]; ok {
		return rm
	}
	rm = &room{members: make(map[string]member)}
	r.rooms[roomKey] = rm
	metrics.Rooms.Set(float64(len(r.rooms)))
	return rm
}

// Leave removes the connection from the room. Leaving a room the connection
// is not in is a no-op.
func (r *Registry) Leave(roomKey, connID string) {
	r.leave(roomKey, connID)

	r.connMu.Lock()
	if keys, ok := r.byConn[connID]; ok {
		delete(keys, roomKey)
		if len(keys) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.connMu.Unlock()
}

func (r *Registry) leave(roomKey, connID string) {
	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	if empty {
		rm.dead = true
	}
	rm.mu.Unlock()

	if !empty {
		return
	}
	r.mu.Lock()
	if r.rooms[roomKey] == rm {
		delete(r.rooms, roomKey)
	}
	metrics.Rooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()
}

// LeaveAll removes the connection from every room it joined.
func (r *Registry) LeaveAll(connID string) {
	r.connMu.Lock()
	keys := r.byConn[connID]
	delete(r.byConn, connID)
	r.connMu.Unlock()

	for roomKey := range keys {
		r.leave(roomKey, connID)
	}
}

// Broadcast enqueues frame on every member of the room and returns the number
// of connections it reached. Members whose queue is full are disconnected
// and dropped from every room; the broadcaster itself never blocks.
func (r *Registry) Broadcast(roomKey string, frame []byte) int {
	metrics.Broadcasts.WithLabelValues(RoomKind(roomKey)).Inc()

	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	targets := make([]Conn, 0, len(rm.members))
	for _, m := range rm.members {
		targets = append(targets, m.conn)
	}
	rm.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(frame) {
			delivered++
			continue
		}
		if c.Closing() {
			// Its own teardown leaves the rooms.
			continue
		}
		r.logger.Warn().Str("room", roomKey).Str("connection_id", c.ID()).Msg("Outbound queue full, disconnecting slow consumer")
		metrics.SlowConsumerDisconnects.Inc()
		r.LeaveAll(c.ID())
		c.Disconnect(constants.CloseSlowConsumer, constants.CloseReasonSlowReader)
	}
	metrics.FramesDelivered.Add(float64(delivered))
	return delivered
}

// EvictAgent removes the agent's connections from the room and returns how
// many left. Only members that joined as agents and expose their identity
// are matched. A connection left without any room is closed.
func (r *Registry) EvictAgent(roomKey, agentID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	var targets []Conn
	for _, m := range rm.members {
		if m.role != domain.RoleAgent {
			continue
		}
		if ic, ok := m.conn.(Identified); ok && ic.Identity().SenderID() == agentID {
			targets = append(targets, m.conn)
		}
	}
	rm.mu.RUnlock()

	for _, c := range targets {
		r.Leave(roomKey, c.ID())
		r.logger.Info().Str("room", roomKey).Str("connection_id", c.ID()).Str("agent_id", agentID).Msg("Agent connection evicted from room")
		if len(r.Rooms(c.ID())) == 0 {
			c.Disconnect(constants.CloseForbidden, constants.CloseReasonUnassigned)
		}
	}
	return len(targets)
}

// Members returns the connection ids currently in the room.
func (r *Registry) Members(roomKey string) []string {
	r.mu.RLock()
	rm, ok := r.rooms[roomKey]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// Rooms returns the room keys the connection is in.
func (r *Registry) Rooms(connID string) []string {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	keys := make([]string, 0, len(r.byConn[connID]))
	for k := range r.byConn[connID] {
		keys = append(keys, k)
	}
	return keys
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
