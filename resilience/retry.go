package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/makaronz/animatize/core"
)

// rateLimitFloor is the minimum wait before re-attempting a rate-limited
// provider, regardless of the hint it returned.
const rateLimitFloor = 60 * time.Second

// jitterFraction is the uniform jitter applied to exponential backoff
// delays: delay * (1 +/- jitterFraction).
const jitterFraction = 0.3

// AttemptFunc performs a single attempt against one provider and returns
// either a response or a classified error.
type AttemptFunc func(attempt int) (*core.UnifiedResponse, *core.ErrorDetails)

// Backoff computes the delay before attempt n+1 for a classified error.
// Rate limits honor the provider's hint with a 60 second floor; everything
// else backs off exponentially with uniform jitter.
func Backoff(cfg core.RetryConfig, attempt int, details *core.ErrorDetails) time.Duration {
	if details.Code == core.ErrCodeRateLimitExceeded {
		delay := rateLimitFloor
		if details.RetryAfterMs != nil {
			if hinted := time.Duration(*details.RetryAfterMs) * time.Millisecond; hinted > delay {
				delay = hinted
			}
		}
		return delay
	}

	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	delay := base << uint(attempt)
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// Retrier re-invokes an attempt against the same provider with bounded
// exponential backoff. Fallback to other providers is the router's
// concern, never this engine's.
type Retrier struct {
	// Config bounds attempt count and base delay.
	Config core.RetryConfig

	// Deadline caps every sleep: a backoff that would run past it aborts
	// the remaining retries. Zero means uncapped.
	Deadline time.Time

	Logger core.Logger

	// OnRetry, when set, observes every scheduled backoff before the
	// sleep begins.
	OnRetry func(attempt int, delay time.Duration, details *core.ErrorDetails)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// the retry budget, would sleep past the deadline, or the context is
// canceled. The returned count is the number of attempts actually issued.
func (r *Retrier) Do(ctx context.Context, fn AttemptFunc) (*core.UnifiedResponse, *core.ErrorDetails, int) {
	logger := r.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var last *core.ErrorDetails
	attempts := 0

	for attempt := 0; attempt <= r.Config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if last == nil {
				last = core.NewErrorDetails(core.ErrCodeTimeout, "", "request canceled before attempt")
			}
			return nil, last, attempts
		default:
		}

		attempts++
		resp, details := fn(attempt)
		if details == nil {
			return resp, nil, attempts
		}
		last = details

		if !details.Retryable {
			return nil, details, attempts
		}
		// The ambiguous code gets a single retry at most.
		if details.Code == core.ErrCodeUnknown && attempt >= 1 {
			return nil, details, attempts
		}
		if attempt == r.Config.MaxRetries {
			break
		}

		delay := Backoff(r.Config, attempt, details)
		if !r.Deadline.IsZero() && time.Now().Add(delay).After(r.Deadline) {
			logger.Debug("Backoff would exceed request deadline, aborting retries", map[string]interface{}{
				"operation": "retry_abort",
				"provider":  details.Provider,
				"attempt":   attempt,
				"delay_ms":  delay.Milliseconds(),
			})
			return nil, details, attempts
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, details)
		}
		logger.Debug("Retry scheduled", map[string]interface{}{
			"operation": "retry_scheduled",
			"provider":  details.Provider,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"code":      string(details.Code),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, last, attempts
		}
	}

	return nil, last, attempts
}
