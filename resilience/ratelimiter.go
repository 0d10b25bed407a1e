// Package resilience provides the per-provider protection primitives the
// router composes: token-bucket rate limiting, circuit breaking, and
// bounded retry with rate-limit-aware backoff.
package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/makaronz/animatize/core"
)

// Limiter is a per-provider token bucket sized from the provider's
// declared requests-per-minute limit. Acquire is the only entry point;
// the bucket is internally synchronized.
type Limiter struct {
	provider string
	lim      *rate.Limiter
	logger   core.Logger
}

// NewLimiter creates a token bucket refilling at rpm requests per minute
// with a burst of one. rpm <= 0 disables limiting.
func NewLimiter(provider string, rpm int, logger core.Logger) *Limiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	l := &Limiter{provider: provider, logger: logger}
	if rpm > 0 {
		l.lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	}
	return l
}

// TryAcquire takes a token if one is immediately available.
func (l *Limiter) TryAcquire() bool {
	if l.lim == nil {
		return true
	}
	return l.lim.Allow()
}

// Acquire blocks until a token is available, the budget is exhausted, or
// the context is done. When the refill delay exceeds the budget it returns
// a synthetic rate_limit_exceeded carrying the computed delay so the
// caller can fail over or queue.
func (l *Limiter) Acquire(ctx context.Context, budget time.Duration) *core.ErrorDetails {
	if l.lim == nil {
		return nil
	}

	res := l.lim.Reserve()
	if !res.OK() {
		return core.NewErrorDetails(core.ErrCodeRateLimitExceeded, l.provider,
			"rate limit cannot be satisfied")
	}

	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	if budget > 0 && delay > budget {
		res.Cancel()
		l.logger.Debug("Rate limit refill exceeds request budget", map[string]interface{}{
			"operation": "rate_limit_acquire",
			"provider":  l.provider,
			"delay_ms":  delay.Milliseconds(),
			"budget_ms": budget.Milliseconds(),
		})
		return core.NewErrorDetails(core.ErrCodeRateLimitExceeded, l.provider,
			"rate limit refill exceeds request budget").
			WithRetryAfter(delay.Milliseconds())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return core.NewErrorDetails(core.ErrCodeTimeout, l.provider,
			"canceled while waiting for rate limit token")
	}
}

// RetryAfter returns the current refill delay without consuming a token.
func (l *Limiter) RetryAfter() time.Duration {
	if l.lim == nil {
		return 0
	}
	res := l.lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	return delay
}
