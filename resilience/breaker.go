package resilience

import (
	"sync"
	"time"

	"github.com/makaronz/animatize/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChangeListener is notified after every breaker transition.
type StateChangeListener func(provider string, from, to CircuitState)

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithLogger sets the breaker's logger.
func WithLogger(logger core.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeListener registers a transition listener.
func WithStateChangeListener(l StateChangeListener) BreakerOption {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, l)
	}
}

// Breaker is a per-provider failure counter with the
// CLOSED/OPEN/HALF_OPEN state machine. Consecutive retryable failures open
// the circuit; non-retryable errors indicate caller error and never count;
// rate limits never trip the breaker by themselves.
type Breaker struct {
	provider   string
	threshold  int
	openWindow time.Duration
	logger     core.Logger
	listeners  []StateChangeListener

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	// Counters for observability.
	opens      int64
	rejections int64
}

// NewBreaker creates a closed breaker for one provider.
func NewBreaker(provider string, threshold int, openWindow time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if openWindow <= 0 {
		openWindow = 60 * time.Second
	}
	b := &Breaker{
		provider:   provider,
		threshold:  threshold,
		openWindow: openWindow,
		logger:     &core.NoOpLogger{},
		state:      StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. In half-open it grants exactly
// one concurrent probe; probe is true when the granted call is that probe
// and its outcome decides the next transition.
func (b *Breaker) Allow() (probe bool, allowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true

	case StateOpen:
		if time.Since(b.openedAt) < b.openWindow {
			b.rejections++
			return false, false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, true

	case StateHalfOpen:
		if b.probing {
			b.rejections++
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// RecordSuccess resets the failure counter and closes the circuit after a
// successful half-open probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.probing = false
		b.transition(StateClosed)
	}
}

// RecordFailure counts a classified failure. Codes that do not indicate
// provider health leave the counter untouched.
func (b *Breaker) RecordFailure(code core.ErrorCode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if code.CountsAgainstBreaker() {
			b.openLocked()
		}
		return
	}

	if !code.CountsAgainstBreaker() {
		return
	}

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.threshold {
		b.openLocked()
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Blocking reports whether the breaker is open and still inside its open
// window, meaning a call would be rejected without even a probe. Used by
// candidate selection; a breaker past its window stays eligible so the
// half-open probe can happen.
func (b *Breaker) Blocking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.openedAt) < b.openWindow
}

// Metrics returns a snapshot for observability surfaces.
func (b *Breaker) Metrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := map[string]interface{}{
		"provider":             b.provider,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"opens":                b.opens,
		"rejections":           b.rejections,
	}
	if b.state != StateClosed {
		m["opened_at"] = b.openedAt.UTC().Format(time.RFC3339)
	}
	return m
}

// Reset returns the breaker to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// openLocked must be called with the lock held.
func (b *Breaker) openLocked() {
	b.openedAt = time.Now()
	b.opens++
	b.transition(StateOpen)
}

// transition must be called with the lock held.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}

	b.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":            "breaker_transition",
		"provider":             b.provider,
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": b.consecutiveFailures,
	})

	for _, l := range b.listeners {
		go l(b.provider, from, to)
	}
}
