// Package ratelimit provides fixed-window limiters, for a single entity or
// keyed per entity.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter applies one fixed window to every caller. Gossip uses it to cap
// the rounds a cell accepts, whoever initiates them.
type Limiter struct {
	mu     sync.Mutex
	cur    window
	rate   int
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter allowing rate requests per window. A nil now uses
// time.Now.
func New(rate int, per time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{rate: rate, window: per, now: now}
}

// Allow reports whether one more request fits in the current window.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur.take(l.now(), l.rate, l.window)
}

// Keyed applies an independent fixed window to every key. App validation
// uses it to throttle reinvocation of the same parked op.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	windows map[K]*window
	rate    int
	window  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// take counts one request, opening a new window when the current one has
// expired or was never opened.
func (w *window) take(now time.Time, rate int, per time.Duration) bool {
	if w.start.IsZero() || now.Sub(w.start) > per {
		*w = window{start: now}
	}
	w.count++
	return w.count <= rate
}

// NewKeyed creates a limiter allowing rate requests per key per window.
// A nil now uses time.Now.
func NewKeyed[K comparable](rate int, per time.Duration, now func() time.Time) *Keyed[K] {
	if now == nil {
		now = time.Now
	}
	return &Keyed[K]{
		windows: make(map[K]*window),
		rate:    rate,
		window:  per,
		now:     now,
	}
}

// Allow returns true if key has not exceeded its rate.
func (k *Keyed[K]) Allow(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	w, ok := k.windows[key]
	if !ok {
		w = new(window)
		k.windows[key] = w
	}
	return w.take(k.now(), k.rate, k.window)
}

// Forget drops a key's window, typically once the key reached a terminal
// state.
func (k *Keyed[K]) Forget(key K) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.windows, key)
}

// Cleanup removes windows that have expired and returns how many it removed.
func (k *Keyed[K]) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
