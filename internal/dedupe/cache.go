// ABOUTME: Thread-safe TTL window of notification keys seen from agents.
// ABOUTME: The core consults it before acting on a componentNotification.

package dedupe

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Window remembers keys for a TTL, bounded by size. The oldest key is evicted
// first when the window is full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option customizes a Window.
type Option func(*Window)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// New creates a Window and starts its sweeper.
func New(ttl time.Duration, maxSize int, opts ...Option) *Window {
	w := &Window{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.sweepLoop()
	return w
}

// NotificationKey builds the key of one notification from one agent.
func NotificationKey(agentID, kind, resourceID string, seq uint64) string {
	var b strings.Builder
	b.WriteString(agentID)
	b.WriteByte('|')
	b.WriteString(kind)
	b.WriteByte('|')
	b.WriteString(resourceID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(seq, 10))
	return b.String()
}

// Seen reports whether key was already recorded inside the TTL. A new or
// expired key is recorded and reported as unseen.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.seen[key]; ok && now.Sub(e.at) < w.ttl {
		return true
	}
	w.recordLocked(key, now)
	return false
}

// Contains reports whether key is recorded and unexpired, without recording it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.seen[key]
	return ok && w.now().Sub(e.at) < w.ttl
}

// ForgetPrefix drops every key starting with prefix and returns how many were dropped.
// The core uses it with an agent id when that agent restarts.
func (w *Window) ForgetPrefix(prefix string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for key, e := range w.seen {
		if strings.HasPrefix(key, prefix) {
			w.order.Remove(e.element)
			delete(w.seen, key)
			n++
		}
	}
	return n
}

// Len returns the number of recorded keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) recordLocked(key string, now time.Time) {
	if e, ok := w.seen[key]; ok {
		e.at = now
		w.order.MoveToBack(e.element)
		return
	}

	if w.maxSize > 0 && len(w.seen) >= w.maxSize {
		if front := w.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			w.order.Remove(front)
			delete(w.seen, oldest)
		}
	}

	w.seen[key] = &seenEntry{at: now, element: w.order.PushBack(key)}
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.done:
			return
		}
	}
}

// Sweep removes expired keys.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for key, e := range w.seen {
		if now.Sub(e.at) >= w.ttl {
			w.order.Remove(e.element)
			delete(w.seen, key)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
