// ABOUTME: Tests for the accepted-message window used by the intake gate.
// ABOUTME: Validates TTL expiry, size limits, per-user forget and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestWindow_SeenAfterRemember(t *testing.T) {
	w := New(time.Hour, 100)
	defer w.Close()

	assert.False(t, w.Seen("u1", "m1"))
	w.Remember("u1", "m1")
	assert.True(t, w.Seen("u1", "m1"))

	// Same message ID from another user is distinct
	assert.False(t, w.Seen("u2", "m1"))
}

func TestWindow_EmptyIDIgnored(t *testing.T) {
	w := New(time.Hour, 100)
	defer w.Close()

	w.Remember("u1", "")
	assert.False(t, w.Seen("u1", ""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	w := New(10*time.Minute, 100, WithClock(clock.Now))
	defer w.Close()

	w.Remember("u1", "m1")
	clock.Advance(9 * time.Minute)
	assert.True(t, w.Seen("u1", "m1"))

	clock.Advance(2 * time.Minute)
	assert.False(t, w.Seen("u1", "m1"))
}

func TestWindow_PruneDropsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	w := New(10*time.Minute, 100, WithClock(clock.Now))
	defer w.Close()

	w.Remember("u1", "old")
	clock.Advance(11 * time.Minute)
	w.Remember("u1", "fresh")

	w.prune()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("u1", "fresh"))
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w := New(time.Hour, 3)
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.Remember("u1", fmt.Sprintf("m%d", i))
	}

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("u1", "m0"))
	assert.True(t, w.Seen("u1", "m3"))
}

func TestWindow_RememberRefreshesPosition(t *testing.T) {
	w := New(time.Hour, 2)
	defer w.Close()

	w.Remember("u1", "a")
	w.Remember("u1", "b")
	w.Remember("u1", "a") // refresh a, b becomes oldest
	w.Remember("u1", "c")

	assert.True(t, w.Seen("u1", "a"))
	assert.False(t, w.Seen("u1", "b"))
	assert.True(t, w.Seen("u1", "c"))
}

func TestWindow_Forget(t *testing.T) {
	w := New(time.Hour, 100)
	defer w.Close()

	w.Remember("u1", "m1")
	w.Remember("u1", "m2")
	w.Remember("u2", "m1")

	assert.Equal(t, 2, w.Forget("u1"))
	assert.False(t, w.Seen("u1", "m1"))
	assert.True(t, w.Seen("u2", "m1"))
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := New(time.Hour, 10)
	w.Close()
	w.Close()
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(time.Hour, 1000)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			w.Remember("u1", id)
			assert.True(t, w.Seen("u1", id))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, w.Len())
}
