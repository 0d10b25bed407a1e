package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NativeRequest is the provider-specific payload an adapter produces for
// the transport layer. Adapters are the only components allowed to know
// provider URLs, field names, or error payloads.
type NativeRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Adapter translates between the unified envelope and one provider's
// native shapes. Adapters are stateless values: they never retry, never
// read the cache, and never mutate router-owned state.
type Adapter interface {
	// Name returns the provider name this adapter serves.
	Name() string

	// Capabilities returns the static capability descriptor.
	Capabilities() ProviderCapabilities

	// Validate rejects known-bad requests before any network call.
	// Returns nil when the request is acceptable.
	Validate(req *UnifiedRequest) *ErrorDetails

	// ToNative builds the provider-native payload for the request.
	ToNative(req *UnifiedRequest) (*NativeRequest, error)

	// FromNative normalizes a successful provider response body.
	FromNative(raw []byte, req *UnifiedRequest) (*UnifiedResponse, error)

	// ClassifyTransportError maps an HTTP status plus body, or a
	// non-HTTP transport error, into the closed error taxonomy.
	ClassifyTransportError(status int, body []byte, err error) *ErrorDetails

	// HealthCheck performs a lightweight probe. Used by the breaker's
	// half-open recovery path.
	HealthCheck(ctx context.Context) bool
}

// Transport issues provider calls. It is injected at construction; the
// core never references a concrete HTTP client.
type Transport interface {
	Do(ctx context.Context, req *NativeRequest) (status int, headers map[string]string, body []byte, err error)
}

// KeyValueStore is the abstract interface the warm cache tier is accessed
// through. Implementations must be safe for concurrent use.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Analyzer extracts scene and movement features from a source image.
// Treated as a pure function; may be slow.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (*AnalysisFeatures, error)
}

// PromptCompiler turns creative intent plus analysis features into the
// finalized prompt for one target provider.
type PromptCompiler interface {
	Compile(ctx context.Context, intent string, features *AnalysisFeatures, provider, model string) (*CompiledPrompt, error)
}

// ConsistencyExtractor produces an identity/style embedding for a frame.
type ConsistencyExtractor interface {
	Embed(ctx context.Context, frame []byte) ([]float32, error)
}

// EventSink receives the structured events the core emits at fixed points.
// Implementations must be cheap and non-blocking; the core ships no
// backend.
type EventSink interface {
	OnEvent(name string, attrs map[string]interface{})
}

// NoOpSink discards all events.
type NoOpSink struct{}

func (n *NoOpSink) OnEvent(name string, attrs map[string]interface{}) {}
