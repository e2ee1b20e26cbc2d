// Package ratelimit implements the shared fixed-window rate limiter of
// §4.1: one process-wide instance, state bounded to a configurable number
// of tracked keys, LRU eviction on overflow, and a background sweep that
// expires stale windows. A key's window opens on its first hit and its
// count resets once the window size has elapsed; hits are not weighted
// across window boundaries, so the window does not slide.
//
// golang.org/x/time/rate was considered and rejected: its token-bucket
// algorithm has no notion of "window" to report a retry_after_ms against,
// and it has no built-in bound on the number of distinct limiter instances
// — the spec requires both. See DESIGN.md for the full justification.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// Result is the outcome of a Limiter.Allow call.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
}

type window struct {
	count      int
	windowOpen time.Time
	lastSeen   time.Time
	elem       *list.Element
}

// Limiter is a per-key fixed-window counter keyed by an arbitrary string (the
// spec's `(client_ip, route_class)` tuple, pre-joined by the caller). It is
// safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	order      *list.List // front = most recently seen
	windowSize time.Duration
	maxPerKey  int
	maxKeys    int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Limiter. windowSize and maxPerKey define the policy;
// maxKeys bounds memory; cleanupInterval controls how often the background
// sweep expires windows older than 2x windowSize (§4.1).
func New(windowSize time.Duration, maxPerKey, maxKeys int, cleanupInterval time.Duration) *Limiter {
	l := &Limiter{
		windows:    make(map[string]*window, maxKeys),
		order:      list.New(),
		windowSize: windowSize,
		maxPerKey:  maxPerKey,
		maxKeys:    maxKeys,
		stop:       make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop(cleanupInterval)
	return l
}

// Close stops the background sweep goroutine.
func (l *Limiter) Close() {
	close(l.stop)
	l.wg.Wait()
}

// Allow records one hit for key and reports whether it falls within the
// configured rate, resetting the window if it has elapsed. Operations are
// O(1) amortized (map lookup plus a list move-to-front).
func (l *Limiter) Allow(key string) Result {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		if l.order.Len() >= l.maxKeys {
			l.evictOldestLocked()
		}
		w = &window{windowOpen: now}
		w.elem = l.order.PushFront(key)
		l.windows[key] = w
	} else {
		l.order.MoveToFront(w.elem)
	}
	w.lastSeen = now

	if now.Sub(w.windowOpen) >= l.windowSize {
		w.windowOpen = now
		w.count = 0
	}

	w.count++
	if w.count > l.maxPerKey {
		retryAfter := l.windowSize - now.Sub(w.windowOpen)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, RetryAfterMs: retryAfter.Milliseconds()}
	}
	return Result{Allowed: true}
}

// TrackedKeys reports the current number of tracked keys, used by tests to
// assert the bounded-key invariant (§8: "Rate-limiter tracked key count
// never exceeds the configured cap").
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Limiter) evictOldestLocked() {
	oldest := l.order.Back()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	l.order.Remove(oldest)
	delete(l.windows, key)
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-2 * l.windowSize)
	l.mu.Lock()
	defer l.mu.Unlock()

	for e := l.order.Back(); e != nil; {
		prev := e.Prev()
		key := e.Value.(string)
		w := l.windows[key]
		if w.lastSeen.Before(cutoff) {
			l.order.Remove(e)
			delete(l.windows, key)
		} else {
			break // order is most-recent-first; once we hit a fresh entry, the remaining ones toward the front are fresher
		}
		e = prev
	}
}
