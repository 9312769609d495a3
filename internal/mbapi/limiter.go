// Package mbapi talks to the remote market aggregator: a sliding-window
// rate limiter and a resty HTTP client for aggregated prices, the marketable
// item catalog, and world/datacenter metadata.
package mbapi

import (
	"context"
	"sync"
	"time"
)

// Limiter permits at most limit operations in any trailing one-second
// window. Safe for concurrent callers; the wait is computed under the lock
// and slept outside it.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter for the given per-second rate.
func NewLimiter(perSecond int) *Limiter {
	if perSecond < 1 {
		perSecond = 1
	}
	return &Limiter{
		limit:  perSecond,
		window: time.Second,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Wait blocks until issuing one more request stays within the rate, then
// records the request's timestamp. Returns early only on context cancel,
// in which case no timestamp is recorded.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	l.dropExpiredLocked(now)

	var wait time.Duration
	if len(l.stamps) >= l.limit {
		wait = l.stamps[0].Add(l.window).Sub(now)
	}
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.stamps = append(l.stamps, l.now())
	l.mu.Unlock()
	return nil
}

// Pending reports how many timestamps sit in the current window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropExpiredLocked(l.now())
	return len(l.stamps)
}

func (l *Limiter) dropExpiredLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
