// Package ratelimit bounds connections and messages per caller.
// MessageLimiter is a sliding window; ConnectionLimiter is a plain counter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/metrics"
)

// ConnectionLimiter limits the number of concurrent connections per user
type ConnectionLimiter struct {
	connections map[string]int // userID -> connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	if maxPerUser <= 0 {
		maxPerUser = constants.DefaultMaxConnections
	}
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a connection slot for the user if one is free
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		metrics.RateLimitViolations.WithLabelValues("connection").Inc()
		return false
	}

	cl.connections[userID] = count + 1
	return true
}

// Release decrements the connection count for a user
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[userID]; ok {
		if count <= 1 {
			delete(cl.connections, userID)
		} else {
			cl.connections[userID] = count - 1
		}
	}
}

// GetCount returns the current connection count for a user
func (cl *ConnectionLimiter) GetCount(userID string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[userID]
}

// MessageLimiter limits the rate of messages per key using a sliding window
type MessageLimiter struct {
	name   string
	events map[string][]time.Time // key -> timestamps inside the window
	window time.Duration
	limit  int
	now    func() time.Time
	mu     sync.Mutex
	logger zerolog.Logger

	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCleanup     chan struct{}
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a limiter allowing limit events per window.
// name labels the limiter in metrics and logs.
func NewMessageLimiter(name string, window time.Duration, limit int, logger zerolog.Logger) *MessageLimiter {
	if window <= 0 {
		window = constants.DefaultRateWindow
	}
	if limit <= 0 {
		limit = constants.DefaultRateLimit
	}
	return &MessageLimiter{
		name:            name,
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		now:             time.Now,
		logger:          logger.With().Str("component", "ratelimit").Str("limiter", name).Logger(),
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (ml *MessageLimiter) SetClock(now func() time.Time) {
	ml.mu.Lock()
	ml.now = now
	ml.mu.Unlock()
}

// Allow records an event for key and reports whether it is within the limit
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	events := ml.events[key]
	if events == nil && len(ml.events) >= constants.MaxUsersTracked {
		metrics.RateLimitViolations.WithLabelValues(ml.name).Inc()
		return false
	}

	recent := prune(events, now.Add(-ml.window))
	if len(recent) >= ml.limit {
		ml.events[key] = recent
		metrics.RateLimitViolations.WithLabelValues(ml.name).Inc()
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

// RetryAfter returns the milliseconds until key may send again, 0 if now
func (ml *MessageLimiter) RetryAfter(key string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	recent := prune(ml.events[key], now.Add(-ml.window))
	if len(recent) < ml.limit {
		return 0
	}

	// The oldest event in the window is the first to expire.
	retry := recent[0].Add(ml.window).Sub(now)
	if retry < 0 {
		return 0
	}
	return int(retry.Milliseconds())
}

// Reset clears the history for key
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup drops expired events and returns how many were removed
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := ml.now().Add(-ml.window)
	removed := 0
	for key, events := range ml.events {
		recent := prune(events, cutoff)
		removed += len(events) - len(recent)
		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
	return removed
}

// StartCleanup runs Cleanup periodically until StopCleanup
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := ml.Cleanup(); removed > 0 {
					ml.logger.Debug().Int("removed", removed).Msg("Rate limit events cleaned up")
				}
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it. Safe to call twice.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() { close(ml.stopCleanup) })
	ml.cleanupWg.Wait()
}

// prune returns the events after cutoff, capped at MaxEventsPerUser.
// Events are kept in time order, so the result is a suffix.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	recent := events[i:]
	if len(recent) > constants.MaxEventsPerUser {
		recent = recent[len(recent)-constants.MaxEventsPerUser:]
	}
	return append([]time.Time(nil), recent...)
}
