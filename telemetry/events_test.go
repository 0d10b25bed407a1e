package telemetry

import (
	"sync"
	"testing"

	"github.com/makaronz/animatize/core"
)

func TestEmitNilSinkIsNoOp(t *testing.T) {
	// Must not panic.
	Emit(nil, EventRequestReceived, nil)
	Emit(nil, EventRequestReceived, map[string]interface{}{"k": "v"})
}

func TestEmitStampsTimestamp(t *testing.T) {
	sink := &RecordingSink{}
	Emit(sink, EventCacheHit, map[string]interface{}{"provider": "sora"})

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Name != EventCacheHit {
		t.Errorf("name = %s", events[0].Name)
	}
	if events[0].Attrs["timestamp"] == nil {
		t.Error("timestamp should be stamped")
	}
	if events[0].Attrs["provider"] != "sora" {
		t.Error("caller attrs should survive")
	}
}

func TestEmitKeepsExistingTimestamp(t *testing.T) {
	sink := &RecordingSink{}
	Emit(sink, EventCacheMiss, map[string]interface{}{"timestamp": "fixed"})
	if sink.Events()[0].Attrs["timestamp"] != "fixed" {
		t.Error("existing timestamp overwritten")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &RecordingSink{}, &RecordingSink{}
	m := NewMultiSink(a, nil, b)

	Emit(m, EventRetryScheduled, nil)
	if a.Count(EventRetryScheduled) != 1 || b.Count(EventRetryScheduled) != 1 {
		t.Errorf("fan-out counts: a=%d b=%d", a.Count(EventRetryScheduled), b.Count(EventRetryScheduled))
	}
}

func TestRecordingSinkConcurrent(t *testing.T) {
	sink := &RecordingSink{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Emit(sink, EventAttemptStarted, nil)
			}
		}()
	}
	wg.Wait()
	if got := sink.Count(EventAttemptStarted); got != 1000 {
		t.Errorf("count = %d, want 1000", got)
	}
}

func TestLoggingSink(t *testing.T) {
	// A nil logger must not panic; a real one receives the event name.
	(&LoggingSink{}).OnEvent(EventCacheHit, nil)

	logger := &captureLogger{}
	sink := &LoggingSink{Logger: logger}
	sink.OnEvent(EventBreakerOpened, map[string]interface{}{"provider": "veo"})

	if len(logger.fields) != 1 || logger.fields[0]["event"] != EventBreakerOpened {
		t.Errorf("fields = %v", logger.fields)
	}
}

type captureLogger struct {
	core.NoOpLogger
	fields []map[string]interface{}
}

func (c *captureLogger) Debug(msg string, fields map[string]interface{}) {
	c.fields = append(c.fields, fields)
}
