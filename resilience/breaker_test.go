package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/makaronz/animatize/core"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker("sora", 3, time.Minute)
	if b.State() != StateClosed {
		t.Fatalf("initial state = %s, want closed", b.State())
	}
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("closed breaker must allow calls")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("sora", 3, time.Minute)

	b.RecordFailure(core.ErrCodeProviderError)
	b.RecordFailure(core.ErrCodeProviderError)
	if b.State() != StateClosed {
		t.Fatal("breaker opened below threshold")
	}

	b.RecordFailure(core.ErrCodeProviderError)
	if b.State() != StateOpen {
		t.Fatal("breaker should open at the threshold")
	}
	if _, allowed := b.Allow(); allowed {
		t.Fatal("open breaker must reject calls")
	}
	if !b.Blocking() {
		t.Fatal("open breaker inside its window must report blocking")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := NewBreaker("sora", 3, time.Minute)

	b.RecordFailure(core.ErrCodeProviderError)
	b.RecordFailure(core.ErrCodeProviderError)
	b.RecordSuccess()
	b.RecordFailure(core.ErrCodeProviderError)
	b.RecordFailure(core.ErrCodeProviderError)

	// Consecutive means consecutive: interleaved success restarts the run.
	if b.State() != StateClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerIgnoresNonHealthCodes(t *testing.T) {
	b := NewBreaker("sora", 2, time.Minute)

	for i := 0; i < 10; i++ {
		b.RecordFailure(core.ErrCodeInvalidRequest)
		b.RecordFailure(core.ErrCodeContentPolicyViolation)
		b.RecordFailure(core.ErrCodeRateLimitExceeded)
		b.RecordFailure(core.ErrCodeAuthenticationFailed)
	}
	if b.State() != StateClosed {
		t.Fatal("caller errors and rate limits must not trip the breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("sora", 1, 20*time.Millisecond)
	b.RecordFailure(core.ErrCodeProviderError)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)
	if b.Blocking() {
		t.Fatal("breaker past its window must not block candidate selection")
	}

	probe, allowed := b.Allow()
	if !allowed || !probe {
		t.Fatalf("expected the single half-open probe, got probe=%v allowed=%v", probe, allowed)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// A second concurrent caller is rejected while the probe is in flight.
	if _, allowed := b.Allow(); allowed {
		t.Fatal("only one probe may fly in half-open")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("successful probe must close the breaker")
	}
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("closed breaker must allow calls again")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("sora", 1, 10*time.Millisecond)
	b.RecordFailure(core.ErrCodeProviderError)

	time.Sleep(15 * time.Millisecond)
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("probe should be granted")
	}
	b.RecordFailure(core.ErrCodeTimeout)
	if b.State() != StateOpen {
		t.Fatal("failed probe must reopen the breaker")
	}
}

func TestBreakerHalfOpenNonCountingFailureReleasesProbe(t *testing.T) {
	b := NewBreaker("sora", 1, 10*time.Millisecond)
	b.RecordFailure(core.ErrCodeProviderError)

	time.Sleep(15 * time.Millisecond)
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("probe should be granted")
	}
	// A rate-limited probe says nothing about health; the probe slot must
	// free up so recovery is not deadlocked.
	b.RecordFailure(core.ErrCodeRateLimitExceeded)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("probe slot should be available again")
	}
}

func TestBreakerListenerNotified(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)

	b := NewBreaker("sora", 1, 10*time.Millisecond,
		WithStateChangeListener(func(provider string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		}))

	b.RecordFailure(core.ErrCodeProviderError)
	<-done
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	<-done
	b.RecordSuccess()
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker("sora", 1, time.Minute)
	b.RecordFailure(core.ErrCodeProviderError)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatal("reset must close the breaker")
	}
	if _, allowed := b.Allow(); !allowed {
		t.Fatal("reset breaker must allow calls")
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := NewBreaker("sora", 1, time.Minute)
	b.RecordFailure(core.ErrCodeProviderError)
	b.Allow()
	b.Allow()

	m := b.Metrics()
	if m["state"] != "open" {
		t.Errorf("state = %v, want open", m["state"])
	}
	if m["opens"].(int64) != 1 {
		t.Errorf("opens = %v, want 1", m["opens"])
	}
	if m["rejections"].(int64) != 2 {
		t.Errorf("rejections = %v, want 2", m["rejections"])
	}
}
