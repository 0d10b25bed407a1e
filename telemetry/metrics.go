package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/makaronz/animatize/core"
)

// MetricsSink translates core events into OpenTelemetry instruments. It
// implements core.EventSink so the router needs no knowledge of OTel.
type MetricsSink struct {
	requests        metric.Int64Counter
	attempts        metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	retries         metric.Int64Counter
	fallbacks       metric.Int64Counter
	breakerChanges  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewMetricsSink creates the instrument set on the given meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	s := &MetricsSink{}
	var err error

	if s.requests, err = meter.Int64Counter("animatize.requests",
		metric.WithDescription("Routed requests received")); err != nil {
		return nil, err
	}
	if s.attempts, err = meter.Int64Counter("animatize.attempts",
		metric.WithDescription("Provider attempts by outcome")); err != nil {
		return nil, err
	}
	if s.cacheHits, err = meter.Int64Counter("animatize.cache.hits",
		metric.WithDescription("Response cache hits")); err != nil {
		return nil, err
	}
	if s.cacheMisses, err = meter.Int64Counter("animatize.cache.misses",
		metric.WithDescription("Response cache misses")); err != nil {
		return nil, err
	}
	if s.retries, err = meter.Int64Counter("animatize.retries",
		metric.WithDescription("Retry sleeps scheduled")); err != nil {
		return nil, err
	}
	if s.fallbacks, err = meter.Int64Counter("animatize.fallbacks",
		metric.WithDescription("Fallback candidates engaged")); err != nil {
		return nil, err
	}
	if s.breakerChanges, err = meter.Int64Counter("animatize.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if s.requestDuration, err = meter.Float64Histogram("animatize.request.duration",
		metric.WithDescription("End-to-end routed call duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return s, nil
}

var _ core.EventSink = (*MetricsSink)(nil)

// OnEvent maps one core event onto its instrument.
func (s *MetricsSink) OnEvent(name string, attrs map[string]interface{}) {
	ctx := context.Background()
	provider, _ := attrs["provider"].(string)
	providerAttr := metric.WithAttributes(attribute.String("provider", provider))

	switch name {
	case EventRequestReceived:
		s.requests.Add(ctx, 1)
	case EventCacheHit:
		s.cacheHits.Add(ctx, 1, providerAttr)
	case EventCacheMiss:
		s.cacheMisses.Add(ctx, 1, providerAttr)
	case EventAttemptSucceeded:
		s.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", "success")))
	case EventAttemptFailed:
		code, _ := attrs["code"].(string)
		s.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", "failure"),
			attribute.String("code", code)))
	case EventRetryScheduled:
		s.retries.Add(ctx, 1, providerAttr)
	case EventFallbackEngaged:
		s.fallbacks.Add(ctx, 1, providerAttr)
	case EventBreakerOpened:
		s.breakerChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", "open")))
	case EventBreakerClosed:
		s.breakerChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", "closed")))
	case EventRequestCompleted:
		if ms, ok := attrs["duration_ms"].(int64); ok {
			s.requestDuration.Record(ctx, float64(ms), providerAttr)
		}
	}
}
