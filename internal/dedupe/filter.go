// ABOUTME: TTL + size-bounded replay filter for inbound envelopes.
// ABOUTME: Drops duplicates when a reconnected agent flushes its offline buffer.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and order-list element for a seen key.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Filter tracks recently seen envelope ids. A client runtime that buffered
// messages while disconnected may resend some the coordinator already
// processed; the filter makes that flush idempotent. Insertion order is kept
// in a doubly-linked list for O(1) eviction at capacity.
type Filter struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a replay filter. A background goroutine reaps expired entries.
func New(ttl time.Duration, maxSize int) *Filter {
	f := &Filter{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go f.reapLoop()
	return f
}

// Duplicate atomically checks whether the envelope was already seen and marks
// it if not. Returns true for replays, false for first sightings.
func (f *Filter) Duplicate(sender, messageID string) bool {
	key := sender + "\x00" + messageID

	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.seen[key]; ok && time.Since(e.seenAt) < f.ttl {
		return true
	}
	f.markLocked(key)
	return false
}

// markLocked records a key. Must be called with mu held.
func (f *Filter) markLocked(key string) {
	now := time.Now()

	if e, exists := f.seen[key]; exists {
		e.seenAt = now
		f.order.MoveToBack(e.element)
		return
	}

	if len(f.seen) >= f.maxSize {
		f.evictOldest()
	}

	elem := f.order.PushBack(key)
	f.seen[key] = &entry{seenAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (f *Filter) evictOldest() {
	front := f.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	f.order.Remove(front)
	delete(f.seen, key)
}

func (f *Filter) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.reap()
		case <-f.done:
			return
		}
	}
}

// reap removes all expired entries.
func (f *Filter) reap() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for key, e := range f.seen {
		if now.Sub(e.seenAt) > f.ttl {
			f.order.Remove(e.element)
			delete(f.seen, key)
		}
	}
}

// Len reports the number of tracked keys.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Close stops the background reaper. Safe to call multiple times.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.done)
		f.closed = true
	}
}
