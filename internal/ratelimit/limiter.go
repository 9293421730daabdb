// Package ratelimit bounds how many calls one caller may make per window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Remaining calls in the current window; -1 when limiting is disabled.
	Remaining int
	// RetryAfter is set on rejection: time until the window resets.
	RetryAfter time.Duration
}

// Limiter admits or rejects calls per caller key. Every check counts,
// including ones that are later denied by policy.
type Limiter interface {
	Admit(ctx context.Context, callerKey string) (Decision, error)
}

var unlimited = Decision{Allowed: true, Remaining: -1}

// MemoryLimiter is a fixed-window limiter kept in process memory.
type MemoryLimiter struct {
	threshold int
	window    time.Duration
	buckets   sync.Map // caller key -> *bucket
	clock     func() time.Time
}

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	evicted     bool
}

// NewMemoryLimiter allows threshold calls per window per caller.
// threshold <= 0 disables limiting.
func NewMemoryLimiter(threshold int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		threshold: threshold,
		window:    window,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Admit(_ context.Context, callerKey string) (Decision, error) {
	if l.threshold <= 0 || l.window <= 0 {
		return unlimited, nil
	}

	for {
		now := l.clock()
		v, _ := l.buckets.LoadOrStore(callerKey, &bucket{windowStart: now})
		b := v.(*bucket)

		b.mu.Lock()
		if b.evicted {
			// Lost a race with the sweeper; the map entry is already gone.
			b.mu.Unlock()
			continue
		}
		if now.Sub(b.windowStart) >= l.window {
			b.windowStart = now
			b.count = 0
		}
		b.count++
		count, start := b.count, b.windowStart
		b.mu.Unlock()

		if count > l.threshold {
			return Decision{Allowed: false, RetryAfter: start.Add(l.window).Sub(now)}, nil
		}
		return Decision{Allowed: true, Remaining: l.threshold - count}, nil
	}
}

// StartSweeper drops buckets whose window has elapsed every interval.
// Returns a function that stops the sweeper.
func (l *MemoryLimiter) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = l.window
	}
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
	return cancel
}

func (l *MemoryLimiter) sweep() int {
	now := l.clock()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if now.Sub(b.windowStart) >= l.window {
			b.evicted = true
			l.buckets.CompareAndDelete(k, b)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}
