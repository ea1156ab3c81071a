package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(ttl time.Duration, max int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	w := New(ttl, max)
	w.now = clock.Now
	return w, clock
}

func TestWindow_FirstSightingIsFresh(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 0)
	if w.Seen("m1") {
		t.Error("first sighting should not be a duplicate")
	}
}

func TestWindow_SecondSightingWithinTTL(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	w.Seen("m1")
	clock.Advance(time.Second)
	if !w.Seen("m1") {
		t.Error("second sighting within TTL should be a duplicate")
	}
}

func TestWindow_ExpiresAfterTTL(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	w.Seen("m1")
	clock.Advance(61 * time.Second)
	if w.Seen("m1") {
		t.Error("sighting after TTL should be fresh again")
	}
}

func TestWindow_DuplicateDoesNotRefreshTimestamp(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	w.Seen("m1")
	clock.Advance(50 * time.Second)
	if !w.Seen("m1") {
		t.Fatal("expected duplicate at 50s")
	}
	// If the duplicate had refreshed the timestamp, the id would still be
	// present at 70s from the first sighting.
	clock.Advance(20 * time.Second)
	if w.Seen("m1") {
		t.Error("entry should have expired 60s after first sighting")
	}
}

func TestWindow_ExpiryPurgesOnAnyCall(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 0)
	w.Seen("m1")
	w.Seen("m2")
	clock.Advance(61 * time.Second)
	// A call for a different id triggers the purge.
	w.Seen("other")
	if got := w.Len(); got != 1 {
		t.Errorf("expected only the fresh entry after purge, got %d", got)
	}
}

func TestWindow_BoundedByMaxEntries(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 3)
	w.Seen("a")
	w.Seen("b")
	w.Seen("c")
	w.Seen("d") // evicts "a"
	if got := w.Len(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if w.Seen("a") {
		t.Error("oldest entry should have been evicted at the size bound")
	}
}

func TestWindow_Defaults(t *testing.T) {
	w := New(0, 0)
	if w.ttl != DefaultTTL {
		t.Errorf("expected default TTL, got %v", w.ttl)
	}
	if w.max != DefaultMaxEntries {
		t.Errorf("expected default max entries, got %d", w.max)
	}
}

func TestWindow_ConcurrentSameID(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 0)

	const goroutines = 50
	var fresh int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !w.Seen("same") {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("exactly one goroutine should see the id as fresh, got %d", fresh)
	}
}
