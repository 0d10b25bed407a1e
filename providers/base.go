// Package providers holds the adapters that translate the unified
// envelope to and from each vendor's native API shapes. Adapters are the
// only place provider URLs, field names, and error payloads are known.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/makaronz/animatize/core"
)

// BaseAdapter carries the configuration and shared behavior every
// concrete adapter embeds: capability validation, default transport error
// classification, and health probing.
type BaseAdapter struct {
	provider string
	baseURL  string
	apiKey   string
	caps     core.ProviderCapabilities
	logger   core.Logger

	// healthPath is the GET endpoint the health probe hits.
	healthPath string

	// transport serves health probes only; routed calls go through the
	// router's transport.
	transport core.Transport
}

// AdapterConfig is the construction input shared by all adapters.
type AdapterConfig struct {
	BaseURL   string
	APIKey    string
	Logger    core.Logger
	Transport core.Transport
}

func newBaseAdapter(provider, defaultURL, healthPath string, caps core.ProviderCapabilities, cfg AdapterConfig) BaseAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}
	return BaseAdapter{
		provider:   provider,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		caps:       caps,
		logger:     logger,
		healthPath: healthPath,
		transport:  cfg.Transport,
	}
}

// Name returns the provider name.
func (b *BaseAdapter) Name() string { return b.provider }

// Capabilities returns the static capability descriptor.
func (b *BaseAdapter) Capabilities() core.ProviderCapabilities { return b.caps }

// Validate rejects requests this provider cannot serve before any network
// call: unsupported media type or model, and dimension or duration
// parameters beyond the declared limits.
func (b *BaseAdapter) Validate(req *core.UnifiedRequest) *core.ErrorDetails {
	if !b.caps.SupportsMediaType(req.MediaType) {
		return core.NewErrorDetails(core.ErrCodeInvalidRequest, b.provider,
			fmt.Sprintf("media type %q not supported", req.MediaType)).
			WithDetail("field", "media_type")
	}
	if !b.caps.SupportsModel(req.Model) {
		return core.NewErrorDetails(core.ErrCodeInvalidModel, b.provider,
			fmt.Sprintf("model %q not available", req.Model)).
			WithDetail("field", "model")
	}
	if w := paramInt(req.Parameters, "width"); w > 0 && b.caps.MaxWidth > 0 && w > b.caps.MaxWidth {
		return core.NewErrorDetails(core.ErrCodeInvalidRequest, b.provider,
			fmt.Sprintf("width %d exceeds maximum %d", w, b.caps.MaxWidth)).
			WithDetail("field", "width")
	}
	if h := paramInt(req.Parameters, "height"); h > 0 && b.caps.MaxHeight > 0 && h > b.caps.MaxHeight {
		return core.NewErrorDetails(core.ErrCodeInvalidRequest, b.provider,
			fmt.Sprintf("height %d exceeds maximum %d", h, b.caps.MaxHeight)).
			WithDetail("field", "height")
	}
	if d := paramInt(req.Parameters, "duration_seconds"); d > 0 && b.caps.MaxDurationSeconds > 0 && d > b.caps.MaxDurationSeconds {
		return core.NewErrorDetails(core.ErrCodeInvalidRequest, b.provider,
			fmt.Sprintf("duration %ds exceeds maximum %ds", d, b.caps.MaxDurationSeconds)).
			WithDetail("field", "duration_seconds")
	}
	return nil
}

// ClassifyTransportError maps status codes to the closed taxonomy. The
// body is consulted for an error message and a retry hint; concrete
// adapters override this when a vendor signals errors differently.
func (b *BaseAdapter) ClassifyTransportError(status int, body []byte, err error) *core.ErrorDetails {
	if err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") ||
			strings.Contains(err.Error(), "context canceled") {
			return core.NewErrorDetails(core.ErrCodeTimeout, b.provider, err.Error())
		}
		return core.NewErrorDetails(core.ErrCodeNetworkError, b.provider, err.Error())
	}

	msg, retryAfterMs := parseErrorBody(body)
	if msg == "" {
		msg = fmt.Sprintf("provider returned status %d", status)
	}

	var code core.ErrorCode
	switch {
	case status == 401 || status == 403:
		code = core.ErrCodeAuthenticationFailed
	case status == 402:
		code = core.ErrCodeInsufficientCredits
	case status == 404:
		code = core.ErrCodeInvalidModel
	case status == 422:
		code = core.ErrCodeContentPolicyViolation
	case status == 429:
		code = core.ErrCodeRateLimitExceeded
	case status == 408 || status == 504:
		code = core.ErrCodeTimeout
	case status >= 500:
		code = core.ErrCodeProviderError
	case status >= 400:
		code = core.ErrCodeInvalidRequest
	default:
		code = core.ErrCodeUnknown
	}

	details := core.NewErrorDetails(code, b.provider, msg)
	if code == core.ErrCodeRateLimitExceeded && retryAfterMs > 0 {
		details.WithRetryAfter(retryAfterMs)
	}
	return details
}

// HealthCheck issues a lightweight GET against the provider's health
// endpoint. Any 2xx counts as healthy; no transport counts as unknown
// and reports unhealthy.
func (b *BaseAdapter) HealthCheck(ctx context.Context) bool {
	if b.transport == nil || b.healthPath == "" {
		return false
	}
	status, _, _, err := b.transport.Do(ctx, &core.NativeRequest{
		Method:  "GET",
		URL:     b.baseURL + b.healthPath,
		Headers: b.authHeaders(),
	})
	return err == nil && status >= 200 && status < 300
}

// authHeaders returns the bearer-token headers shared by most vendors.
func (b *BaseAdapter) authHeaders() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if b.apiKey != "" {
		h["Authorization"] = "Bearer " + b.apiKey
	}
	return h
}

// postJSON marshals a native payload into the POST the transport carries.
func (b *BaseAdapter) postJSON(path string, payload interface{}) (*core.NativeRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", b.provider, err)
	}
	return &core.NativeRequest{
		Method:  "POST",
		URL:     b.baseURL + path,
		Headers: b.authHeaders(),
		Body:    body,
	}, nil
}

// parseErrorBody extracts the message and retry hint from the common
// {"error": {"message": ..., "retry_after_ms": ...}} envelope, tolerating
// flat {"message": ...} bodies.
func parseErrorBody(body []byte) (string, int64) {
	if len(body) == 0 {
		return "", 0
	}
	var envelope struct {
		Error *struct {
			Message      string `json:"message"`
			RetryAfterMs int64  `json:"retry_after_ms"`
		} `json:"error"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", 0
	}
	if envelope.Error != nil {
		return envelope.Error.Message, envelope.Error.RetryAfterMs
	}
	return envelope.Message, envelope.RetryAfterMs
}

// paramInt reads an integer parameter that may arrive as a JSON float.
func paramInt(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// paramString reads a string parameter, returning fallback when absent.
func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// paramFloat reads a float parameter that may arrive as an int.
func paramFloat(params map[string]interface{}, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
