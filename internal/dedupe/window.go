// ABOUTME: Bounded TTL window of recently accepted inbound message IDs.
// ABOUTME: Lets the intake gate reject redeliveries of any recently accepted message, not only the latest.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a message ID was accepted and its position in the eviction list.
type entry struct {
	userID    string
	messageID string
	seenAt    time.Time
	element   *list.Element
}

// Window remembers (user, message ID) pairs for a fixed TTL, bounded by size.
// Oldest pairs are evicted first once the window is full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in acceptance order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// New creates a window with the given TTL and maximum size.
// A background goroutine periodically drops expired pairs.
func New(ttl time.Duration, maxSize int, opts ...Option) *Window {
	if maxSize <= 0 {
		maxSize = 10000
	}
	w := &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.cleanup()
	return w
}

func key(userID, messageID string) string {
	return userID + "\x00" + messageID
}

// Seen reports whether the pair was remembered and has not expired.
// Empty message IDs are never seen.
func (w *Window) Seen(userID, messageID string) bool {
	if messageID == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.seen[key(userID, messageID)]
	return ok && w.now().Sub(e.seenAt) < w.ttl
}

// Remember records the pair, refreshing it if already present.
func (w *Window) Remember(userID, messageID string) {
	if messageID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	k := key(userID, messageID)
	now := w.now()
	if e, ok := w.seen[k]; ok {
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	w.seen[k] = &entry{
		userID:    userID,
		messageID: messageID,
		seenAt:    now,
		element:   w.order.PushBack(k),
	}
}

// Forget drops every pair belonging to the user. Returns how many were removed.
func (w *Window) Forget(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for k, e := range w.seen {
		if e.userID == userID {
			w.order.Remove(e.element)
			delete(w.seen, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered pairs, including expired ones not yet cleaned.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// evictOldest removes the oldest pair. Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, k)
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.prune()
		case <-w.done:
			return
		}
	}
}

// prune removes expired pairs from the front of the list.
// Entries are ordered by last refresh, so the scan stops at the first live one.
func (w *Window) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		k, _ := front.Value.(string)
		e := w.seen[k]
		if e != nil && now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, k)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
