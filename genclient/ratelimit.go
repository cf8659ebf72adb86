package genclient

import (
	"context"
	"sync"
	"time"
)

// RateLimiter gates outbound generation calls. The production limiter is one
// per process, shared across all lineages, and injected into every Client;
// it is the single piece of genuinely shared mutable state in the engine.
type RateLimiter interface {
	// Wait blocks until the next request may be sent or ctx is done.
	Wait(ctx context.Context) error
}

// IntervalLimiter enforces a minimum interval between requests. All state
// sits behind one mutex; waiters queue up in FIFO slots computed at
// reservation time, so concurrent lineages never burst past the service's
// throughput limit.
type IntervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time // injectable clock for testing
}

// NewIntervalLimiter creates a limiter with the given minimum inter-request
// interval.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{interval: interval, now: time.Now}
}

// Wait reserves the next send slot and sleeps until it arrives.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	d := slot.Sub(now)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NopLimiter never waits. Used in tests and single-tenant tooling.
type NopLimiter struct{}

func (NopLimiter) Wait(ctx context.Context) error { return ctx.Err() }
