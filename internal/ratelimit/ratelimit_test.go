package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(limit int) (*MessageLimiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ml := NewMessageLimiter("test", time.Minute, limit, zerolog.Nop())
	ml.SetClock(c.now)
	return ml, c
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	assert.True(t, cl.Allow("u1"))
	assert.True(t, cl.Allow("u1"))
	assert.False(t, cl.Allow("u1"))
	assert.True(t, cl.Allow("u2"), "limits are per user")
	assert.Equal(t, 2, cl.GetCount("u1"))

	cl.Release("u1")
	assert.True(t, cl.Allow("u1"))

	cl.Release("u1")
	cl.Release("u1")
	cl.Release("u1")
	assert.Equal(t, 0, cl.GetCount("u1"))
}

func TestConnectionLimiter_Concurrent(t *testing.T) {
	cl := NewConnectionLimiter(5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.Allow("u") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

func TestMessageLimiter_SlidingWindow(t *testing.T) {
	ml, c := newLimiter(3)

	for i := 0; i < 3; i++ {
		assert.True(t, ml.Allow("u"))
		c.advance(10 * time.Second)
	}
	assert.False(t, ml.Allow("u"))
	assert.Equal(t, 30_000, ml.RetryAfter("u"))

	c.advance(31 * time.Second)
	assert.True(t, ml.Allow("u"), "the oldest event left the window")
	assert.Equal(t, 0, ml.RetryAfter("other"))
}

func TestMessageLimiter_ResetAndCleanup(t *testing.T) {
	ml, c := newLimiter(1)

	assert.True(t, ml.Allow("a"))
	assert.False(t, ml.Allow("a"))
	ml.Reset("a")
	assert.True(t, ml.Allow("a"))

	assert.True(t, ml.Allow("b"))
	c.advance(2 * time.Minute)
	assert.Equal(t, 2, ml.Cleanup())
	assert.Equal(t, 0, ml.Cleanup())
}

func TestMessageLimiter_StopCleanupTwice(t *testing.T) {
	ml, _ := newLimiter(1)
	ml.StartCleanup()
	ml.StopCleanup()
	ml.StopCleanup()
}

func TestMessageLimiter_NeverExceedsLimit(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("allowed events in any window never exceed the limit", prop.ForAll(
		func(limit int, gaps []int) bool {
			ml, c := newLimiter(limit)
			var allowed []time.Time
			for _, gap := range gaps {
				c.advance(time.Duration(gap) * time.Second)
				if ml.Allow("u") {
					allowed = append(allowed, c.t)
				}
			}
			for i := range allowed {
				inWindow := 0
				for j := i; j < len(allowed) && allowed[j].Sub(allowed[i]) < time.Minute; j++ {
					inWindow++
				}
				if inWindow > limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}
