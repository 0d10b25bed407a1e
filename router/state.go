// Package router selects providers and drives each routed call through
// the cache -> breaker -> limiter -> retry -> fallback sequence.
package router

import (
	"sync"
	"time"
)

// ProviderState is the mutable routing state for one registered provider.
// It is owned exclusively by the router and guarded by one mutex held
// only during short transitions, never across I/O.
type ProviderState struct {
	Name string

	mu          sync.Mutex
	priority    int
	weight      float64
	enabled     bool
	concurrency int

	// Rolling latency window for latency_based routing.
	latencies  []time.Duration
	latencyIdx int
	latencyN   int

	lastHealthOK time.Time
}

// newProviderState creates state with the given routing attributes and a
// latency window of the given size.
func newProviderState(name string, priority int, weight float64, enabled bool, window int) *ProviderState {
	if window < 1 {
		window = 1
	}
	return &ProviderState{
		Name:      name,
		priority:  priority,
		weight:    weight,
		enabled:   enabled,
		latencies: make([]time.Duration, window),
	}
}

// Priority returns the static routing priority.
func (s *ProviderState) Priority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// Weight returns the weighted-strategy sampling weight.
func (s *ProviderState) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// Enabled reports whether the provider participates in routing.
func (s *ProviderState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled flips routing participation.
func (s *ProviderState) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Concurrency returns the number of in-flight requests.
func (s *ProviderState) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// incConcurrency marks one request in flight.
func (s *ProviderState) incConcurrency() {
	s.mu.Lock()
	s.concurrency++
	s.mu.Unlock()
}

// decConcurrency marks one request complete.
func (s *ProviderState) decConcurrency() {
	s.mu.Lock()
	if s.concurrency > 0 {
		s.concurrency--
	}
	s.mu.Unlock()
}

// RecordLatency adds one sample to the rolling window.
func (s *ProviderState) RecordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies[s.latencyIdx] = d
	s.latencyIdx = (s.latencyIdx + 1) % len(s.latencies)
	if s.latencyN < len(s.latencies) {
		s.latencyN++
	}
	s.mu.Unlock()
}

// AvgLatency returns the rolling average and whether any samples exist.
// Providers with no data sort last under latency_based routing.
func (s *ProviderState) AvgLatency() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencyN == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < s.latencyN; i++ {
		sum += s.latencies[i]
	}
	return sum / time.Duration(s.latencyN), true
}

// MarkHealthy stamps the last successful health probe.
func (s *ProviderState) MarkHealthy(t time.Time) {
	s.mu.Lock()
	s.lastHealthOK = t
	s.mu.Unlock()
}

// LastHealthOK returns the time of the last successful health probe.
func (s *ProviderState) LastHealthOK() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthOK
}

// Snapshot returns the state as a map for observability surfaces.
func (s *ProviderState) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := map[string]interface{}{
		"provider":    s.Name,
		"priority":    s.priority,
		"weight":      s.weight,
		"enabled":     s.enabled,
		"concurrency": s.concurrency,
	}
	if s.latencyN > 0 {
		var sum time.Duration
		for i := 0; i < s.latencyN; i++ {
			sum += s.latencies[i]
		}
		snap["avg_latency_ms"] = (sum / time.Duration(s.latencyN)).Milliseconds()
	}
	if !s.lastHealthOK.IsZero() {
		snap["last_health_ok_at"] = s.lastHealthOK.UTC().Format(time.RFC3339)
	}
	return snap
}
