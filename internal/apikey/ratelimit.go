package apikey

import (
	"sync"
	"time"
)

// Limiter is the rate-limiter interface the validator depends on. Kept
// abstract per the design note on the teacher's in-process map: a
// multi-process deployment can swap in a shared backend without touching
// the validator.
type Limiter interface {
	// Allow reports whether a request for keyID is permitted right now
	// under limit, and if not, how long the caller should wait before
	// retrying.
	Allow(keyID string, limit RateLimit, now time.Time) (ok bool, retryAfter time.Duration)
}

// windowState tracks one key's sliding window as a ring of timestamps.
type windowState struct {
	mu    sync.Mutex
	times []time.Time
}

// SlidingWindowLimiter is the default in-process Limiter: a bounded
// per-key list of request timestamps, pruned to the current window on
// every check. Grounded on the teacher's per-account atomic Inflight
// counter (pool.go), generalized from an in-flight gauge to a
// sliding-window request-count limiter per §4.5 step 6.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
}

// NewSlidingWindowLimiter returns a ready-to-use in-process limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{windows: make(map[string]*windowState)}
}

func (l *SlidingWindowLimiter) stateFor(keyID string) *windowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[keyID]
	if !ok {
		w = &windowState{}
		l.windows[keyID] = w
	}
	return w
}

func (l *SlidingWindowLimiter) Allow(keyID string, limit RateLimit, now time.Time) (bool, time.Duration) {
	if limit.Max <= 0 {
		return true, 0
	}
	window := time.Duration(limit.WindowMS) * time.Millisecond
	w := l.stateFor(keyID)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= limit.Max {
		oldest := w.times[0]
		retryAfter := oldest.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.times = append(w.times, now)
	return true, 0
}

var _ Limiter = (*SlidingWindowLimiter)(nil)
