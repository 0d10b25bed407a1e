// Package telemetry carries the structured events and metric counters the
// orchestration core emits at fixed points. The core ships no backend:
// the default sink is a no-op, and everything here is safe to leave
// unconfigured.
package telemetry

import (
	"sync"
	"time"

	"github.com/makaronz/animatize/core"
)

// Event names emitted by the core. The set is fixed; sinks may rely on it.
const (
	EventRequestReceived  = "request_received"
	EventCacheHit         = "cache_hit"
	EventCacheMiss        = "cache_miss"
	EventProviderSelected = "provider_selected"
	EventAttemptStarted   = "attempt_started"
	EventAttemptFailed    = "attempt_failed"
	EventAttemptSucceeded = "attempt_succeeded"
	EventRetryScheduled   = "retry_scheduled"
	EventBreakerOpened    = "breaker_opened"
	EventBreakerClosed    = "breaker_closed"
	EventFallbackEngaged  = "fallback_engaged"
	EventRequestCompleted = "request_completed"

	// Emitted by the multi-shot pipeline.
	EventConsistencyViolation = "consistency_violation"
)

// Emit sends an event to the sink, stamping emission time. A nil sink is
// a no-op so call sites never need to guard.
func Emit(sink core.EventSink, name string, attrs map[string]interface{}) {
	if sink == nil {
		return
	}
	if attrs == nil {
		attrs = make(map[string]interface{}, 1)
	}
	if _, ok := attrs["timestamp"]; !ok {
		attrs["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	sink.OnEvent(name, attrs)
}

// MultiSink fans one event out to several sinks.
type MultiSink struct {
	sinks []core.EventSink
}

// NewMultiSink combines sinks; nils are dropped.
func NewMultiSink(sinks ...core.EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) OnEvent(name string, attrs map[string]interface{}) {
	for _, s := range m.sinks {
		s.OnEvent(name, attrs)
	}
}

// LoggingSink writes every event as a debug log entry.
type LoggingSink struct {
	Logger core.Logger
}

func (l *LoggingSink) OnEvent(name string, attrs map[string]interface{}) {
	if l.Logger == nil {
		return
	}
	fields := make(map[string]interface{}, len(attrs)+1)
	for k, v := range attrs {
		fields[k] = v
	}
	fields["event"] = name
	l.Logger.Debug("Telemetry event", fields)
}

// RecordingSink buffers events for tests. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one buffered event.
type RecordedEvent struct {
	Name  string
	Attrs map[string]interface{}
}

func (r *RecordingSink) OnEvent(name string, attrs map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, RecordedEvent{Name: name, Attrs: attrs})
	r.mu.Unlock()
}

// Events returns a snapshot of the buffered events.
func (r *RecordingSink) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many buffered events carry the given name.
func (r *RecordingSink) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
