package scheduler

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by all download workers. A limit of
// zero disables throttling.
type RateLimiter struct {
	mu      sync.Mutex
	rate    int64 // bytes per second, 0 = unlimited
	tokens  int64
	updated time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given rate in bytes per second.
func NewRateLimiter(rate int64) *RateLimiter {
	return &RateLimiter{rate: rate, updated: time.Now(), now: time.Now}
}

// SetRate changes the limit at runtime. Zero lifts the limit.
func (l *RateLimiter) SetRate(rate int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	l.tokens = 0
	l.updated = l.now()
}

// Rate returns the current limit in bytes per second.
func (l *RateLimiter) Rate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Wait blocks until n bytes may pass or the context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		if l.rate <= 0 {
			l.mu.Unlock()
			return nil
		}

		now := l.now()
		elapsed := now.Sub(l.updated)
		l.updated = now
		l.tokens += int64(float64(l.rate) * elapsed.Seconds())
		// cap the burst at one second worth of traffic
		if l.tokens > l.rate {
			l.tokens = l.rate
		}

		if l.tokens >= int64(n) {
			l.tokens -= int64(n)
			l.mu.Unlock()
			return nil
		}

		missing := int64(n) - l.tokens
		wait := time.Duration(float64(missing) / float64(l.rate) * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
