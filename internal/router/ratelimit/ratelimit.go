// Package ratelimit provides the per-pool blocking rate limiter used by
// internal/router/pool. Unlike the teacher's non-blocking Allow() check,
// Acquire suspends the caller until a permit is available or its context
// is cancelled, per spec.md §4.5.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with a replaceable
// configuration and a blocking Acquire, cancellable by the caller's
// context (the pool's drain/shutdown context).
type Limiter struct {
	mu                 sync.RWMutex
	limiter            *rate.Limiter
	rateLimitPerMinute *int
	poolCode           string
}

// New creates a Limiter for poolCode. A nil or non-positive
// rateLimitPerMinute disables rate limiting: Acquire always succeeds
// immediately.
func New(poolCode string, rateLimitPerMinute *int) *Limiter {
	l := &Limiter{poolCode: poolCode}
	l.set(rateLimitPerMinute)
	return l
}

func (l *Limiter) set(rateLimitPerMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rateLimitPerMinute == nil || *rateLimitPerMinute <= 0 {
		l.limiter = nil
		l.rateLimitPerMinute = nil
		return
	}

	perSecond := float64(*rateLimitPerMinute) / 60.0
	l.limiter = rate.NewLimiter(rate.Limit(perSecond), *rateLimitPerMinute)
	l.rateLimitPerMinute = rateLimitPerMinute
}

// Acquire blocks until a permit is available or ctx is done. It is a
// no-op when rate limiting is disabled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// IsRateLimited reports whether the limiter currently has no tokens
// available, for status/health reporting.
func (l *Limiter) IsRateLimited() bool {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() < 1
}

// RateLimitPerMinute returns the configured limit, or nil if disabled.
func (l *Limiter) RateLimitPerMinute() *int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimitPerMinute
}

// UpdateRateLimit atomically replaces the limiter's configuration.
func (l *Limiter) UpdateRateLimit(newRateLimitPerMinute *int) {
	l.set(newRateLimitPerMinute)
	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		slog.Info("Rate limiting disabled", "pool", l.poolCode)
		return
	}
	slog.Info("Rate limit updated", "pool", l.poolCode, "rateLimit", *newRateLimitPerMinute)
}
