package osuapi

import (
	"context"
	"sync"
	"time"
)

// windowLimiter is a sliding-window limiter that blocks callers until a slot frees up.
type windowLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
	now      func() time.Time
}

// newWindowLimiter returns nil (unlimited) when limit <= 0.
func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	if limit <= 0 {
		return nil
	}
	return &windowLimiter{limit: limit, window: window, now: time.Now}
}

// reserve records a request if under the limit, else returns how long to wait.
func (l *windowLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.requests[:0]
	for _, t := range l.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.requests = kept
	if len(l.requests) < l.limit {
		l.requests = append(l.requests, now)
		return 0
	}
	return l.requests[0].Add(l.window).Sub(now)
}

func (l *windowLimiter) wait(ctx context.Context) error {
	for {
		d := l.reserve()
		if d <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
