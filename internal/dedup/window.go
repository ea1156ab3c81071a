// Package dedup suppresses repeated processing of the same message id
// within a bounded time window.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 10000
)

// Window tracks recently seen message ids with expiry. First-seen timestamps
// are never refreshed by duplicates, so expiry order equals insertion order
// and a FIFO queue paired with a lookup map gives O(1) amortized insert and
// expiry instead of a full sweep per call. Memory is additionally bounded by
// a maximum entry count, evicting oldest first.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]struct{}
	queue []entry
	now   func() time.Time // overridable in tests
}

type entry struct {
	id     string
	seenAt time.Time
}

// New creates a Window with the given TTL and entry bound. Non-positive
// values fall back to the defaults.
func New(ttl time.Duration, maxEntries int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Window{
		ttl:  ttl,
		max:  maxEntries,
		seen: make(map[string]struct{}),
		now:  time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL, recording it
// as newly seen when it was not. Expiry, membership check, and insert run
// under one lock so two concurrent events with the same id cannot both be
// classified as fresh.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)

	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	w.queue = append(w.queue, entry{id: id, seenAt: now})
	return false
}

// evict drops entries older than the TTL and, at the size bound, the oldest
// live entries so that one more insert fits.
func (w *Window) evict(now time.Time) {
	cut := 0
	for cut < len(w.queue) && now.Sub(w.queue[cut].seenAt) > w.ttl {
		delete(w.seen, w.queue[cut].id)
		cut++
	}
	for len(w.queue)-cut >= w.max {
		delete(w.seen, w.queue[cut].id)
		cut++
	}
	if cut > 0 {
		w.queue = append(w.queue[:0], w.queue[cut:]...)
	}
}

// Len returns the number of live entries after an expiry pass.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	return len(w.queue)
}
