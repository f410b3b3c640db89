// Package ratelimit implements an in-process sliding-window attempt counter
// keyed by (client key, action).
package ratelimit

import (
	"sync"
	"time"
)

type windowKey struct {
	client string
	action string
}

// window holds the timestamps of accepted attempts, oldest first.
type window struct {
	mu    sync.Mutex
	stamp []time.Time
}

// Limiter counts attempts per key. Each key has its own lock so that distinct
// clients never contend with each other.
type Limiter struct {
	windows sync.Map // windowKey -> *window
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow records an attempt for (clientKey, action) and reports whether it fits
// within maxAttempts over the trailing window. Rejected attempts are not recorded.
func (l *Limiter) Allow(clientKey, action string, maxAttempts int, within time.Duration) bool {
	v, _ := l.windows.LoadOrStore(windowKey{client: clientKey, action: action}, &window{})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.trim(now.Add(-within))
	if len(w.stamp) >= maxAttempts {
		return false
	}
	w.stamp = append(w.stamp, now)
	return true
}

// Remaining reports how many attempts are left for the key without recording one.
func (l *Limiter) Remaining(clientKey, action string, maxAttempts int, within time.Duration) int {
	v, ok := l.windows.Load(windowKey{client: clientKey, action: action})
	if !ok {
		return maxAttempts
	}
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(l.now().Add(-within))
	if n := maxAttempts - len(w.stamp); n > 0 {
		return n
	}
	return 0
}

// trim drops every timestamp at or before cutoff.
func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.stamp) && !w.stamp[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamp = append(w.stamp[:0], w.stamp[i:]...)
	}
}
