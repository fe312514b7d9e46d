// ABOUTME: Tests for the notification dedupe window.
// ABOUTME: Covers TTL expiry, size-bounded eviction, prefix forgetting and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newWindow(t *testing.T, ttl time.Duration, size int) (*Window, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, size, WithClock(c.Now))
	t.Cleanup(w.Close)
	return w, c
}

func TestWindow_SeenRecordsFirstOccurrence(t *testing.T) {
	w, _ := newWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("a"))
	assert.True(t, w.Seen("a"))
	assert.True(t, w.Contains("a"))
	assert.False(t, w.Contains("b"))
	assert.Equal(t, 1, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, c := newWindow(t, time.Minute, 10)

	w.Seen("a")
	c.Advance(59 * time.Second)
	assert.True(t, w.Contains("a"))

	c.Advance(time.Second)
	assert.False(t, w.Contains("a"))
	assert.False(t, w.Seen("a"), "an expired key counts as new")
	assert.True(t, w.Seen("a"))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, _ := newWindow(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		w.Seen(k)
	}
	// Refresh "a" so "b" becomes the oldest.
	w.Seen("a")
	w.Seen("a")
	w.Seen("d")

	assert.Equal(t, 3, w.Len())
	assert.True(t, w.Contains("a"))
	assert.False(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
	assert.True(t, w.Contains("d"))
}

func TestWindow_Sweep(t *testing.T) {
	w, c := newWindow(t, time.Minute, 10)

	w.Seen("old")
	c.Advance(30 * time.Second)
	w.Seen("new")
	c.Advance(31 * time.Second)

	w.Sweep()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("new"))
}

func TestWindow_ForgetPrefix(t *testing.T) {
	w, _ := newWindow(t, time.Hour, 10)

	w.Seen(NotificationKey("agent-1", "added", "r1", 1))
	w.Seen(NotificationKey("agent-1", "removed", "r1", 2))
	w.Seen(NotificationKey("agent-2", "added", "r9", 1))

	assert.Equal(t, 2, w.ForgetPrefix("agent-1|"))
	assert.Equal(t, 1, w.Len())
	assert.False(t, w.Seen(NotificationKey("agent-1", "added", "r1", 1)))
}

func TestNotificationKey(t *testing.T) {
	assert.Equal(t, "a|added|r|0", NotificationKey("a", "added", "r", 0))
	assert.Equal(t, "a|rekeyed|r|18446744073709551615", NotificationKey("a", "rekeyed", "r", ^uint64(0)))
}

func TestWindow_ConcurrentSeenAdmitsOnce(t *testing.T) {
	w, _ := newWindow(t, time.Hour, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared") {
				fresh.Add(1)
			}
			w.Seen(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, 51, w.Len())
}

func TestWindow_CloseTwice(t *testing.T) {
	w := New(time.Minute, 1)
	w.Close()
	assert.NotPanics(t, w.Close)
}
