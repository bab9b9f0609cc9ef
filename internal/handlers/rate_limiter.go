package handlers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether key may send another chat message. cache.RedisRateLimiter is the
// shared implementation; NewMemoryRateLimiter covers single-instance runs without Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// memoryRateLimiter keeps, per key, the times of the calls admitted within the last window.
type memoryRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
	sweep time.Time
}

// NewMemoryRateLimiter admits at most limit calls per key in any window-long span. A
// non-positive limit or window yields nil, meaning no limit.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateLimiter{limit: limit, window: window, now: clock, calls: map[string][]time.Time{}}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := dropBefore(l.calls[key], cutoff)
	admitted := len(recent) < l.limit
	if admitted {
		recent = append(recent, now)
	}
	l.calls[key] = recent

	if now.Sub(l.sweep) >= l.window {
		for k, times := range l.calls {
			if len(dropBefore(times, cutoff)) == 0 {
				delete(l.calls, k)
			}
		}
		l.sweep = now
	}
	return admitted, nil
}

// dropBefore trims timestamps at or before cutoff; times are in ascending order.
func dropBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
