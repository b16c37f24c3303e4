// Package ratelimit implements fixed-window admission control per channel key.
//
// This is deliberately a fixed window, not a token or leaky bucket: the
// counter resets at window boundaries, so bursts of up to 2N around a
// boundary are possible. Callers rely on the reset semantics (a suspended
// caller re-evaluates against a fresh counter, it does not simply consume
// a leftover slot).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

type windowState struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*windowState

	now func() time.Time // swapped out in tests
}

// New returns a limiter admitting limit calls per window for each key.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 50
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

// Wait blocks until a send on key is admitted or ctx is done. While under
// the cap admission is immediate; at the cap the caller sleeps until the
// window resets and then re-evaluates against the fresh counter.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		now := l.now()
		st, ok := l.windows[key]
		if !ok || !now.Before(st.resetAt) {
			st = &windowState{resetAt: now.Add(l.window)}
			l.windows[key] = st
		}
		if st.count < l.limit {
			st.count++
			l.mu.Unlock()
			return nil
		}
		wait := st.resetAt.Sub(now)
		l.mu.Unlock()

		metrics.RateLimitWaitsTotal.Inc()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}
