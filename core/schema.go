package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeoutMs is applied when a request arrives without a timeout.
const DefaultTimeoutMs = 60_000

// generationConfigKey reports whether a parameter belongs to the v2.0
// generation_config section. The 1.1 -> 2.0 migration lifts quality,
// safety, and advanced keys out of the flat parameter map.
func generationConfigKey(key string) bool {
	return key == "quality" ||
		strings.HasPrefix(key, "safety_") ||
		strings.HasPrefix(key, "advanced_")
}

// Parse validates a raw request envelope, migrates it up to the current
// schema version, and returns the normalized request. The declared version
// wins over the envelope's own schema_version field when both are present.
// Validation failures return an invalid_request ErrorDetails with the
// offending field name in details.field.
func Parse(raw []byte, declared SchemaVersion) (*UnifiedRequest, *ErrorDetails) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewValidationError("", fmt.Sprintf("malformed request envelope: %v", err))
	}

	version := declared
	if version == "" {
		if v, ok := envelope["schema_version"].(string); ok {
			version = SchemaVersion(v)
		}
	}
	if !version.IsValid() {
		return nil, NewValidationError("schema_version",
			fmt.Sprintf("unsupported schema version %q", version))
	}

	// Migrate up, one hop at a time.
	if version == SchemaV10 {
		migrateRequest10to11(envelope)
	}
	if version == SchemaV10 || version == SchemaV11 {
		migrateRequest11to20(envelope)
	}

	// Flatten generation_config back into parameters so adapters see one
	// opaque map with unknown keys preserved.
	if gc, ok := envelope["generation_config"].(map[string]interface{}); ok {
		params, _ := envelope["parameters"].(map[string]interface{})
		if params == nil {
			params = make(map[string]interface{})
		}
		for k, v := range gc {
			params[k] = v
		}
		envelope["parameters"] = params
		delete(envelope, "generation_config")
	}

	normalized, err := json.Marshal(envelope)
	if err != nil {
		return nil, NewValidationError("", fmt.Sprintf("re-encoding envelope: %v", err))
	}

	var req UnifiedRequest
	if err := json.Unmarshal(normalized, &req); err != nil {
		return nil, NewValidationError("", fmt.Sprintf("decoding envelope: %v", err))
	}

	// The caller's declared version rides along so Serialize can migrate
	// the response back down; internal processing is always v2.0 shaped.
	req.SchemaVersion = version

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.TimeoutMs == 0 {
		req.TimeoutMs = DefaultTimeoutMs
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Parameters == nil {
		req.Parameters = make(map[string]interface{})
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}

	if details := ValidateRequest(&req); details != nil {
		return nil, details
	}
	return &req, nil
}

// ValidateRequest enforces the request invariants shared by Parse and
// direct in-process construction.
func ValidateRequest(req *UnifiedRequest) *ErrorDetails {
	if req.Prompt == "" {
		return NewValidationError("prompt", "prompt must not be empty")
	}
	if req.Model == "" {
		return NewValidationError("model", "model must not be empty")
	}
	if req.Provider == "" {
		return NewValidationError("provider", "provider must not be empty")
	}
	if req.TimeoutMs <= 0 {
		return NewValidationError("timeout_ms", "timeout_ms must be positive")
	}
	if !req.MediaType.IsValid() {
		return NewValidationError("media_type",
			fmt.Sprintf("unsupported media type %q", req.MediaType))
	}
	if rc := req.RetryConfig; rc != nil {
		if rc.MaxRetries < 0 {
			return NewValidationError("retry_config.max_retries", "max_retries must be >= 0")
		}
		if rc.BaseDelayMs <= 0 {
			return NewValidationError("retry_config.base_delay_ms", "base_delay_ms must be > 0")
		}
	}
	return nil
}

// migrateRequest10to11 applies the 1.0 -> 1.1 request rules: inject empty
// metadata and default retry bounds when missing.
func migrateRequest10to11(envelope map[string]interface{}) {
	if _, ok := envelope["metadata"]; !ok {
		envelope["metadata"] = map[string]interface{}{}
	}
	if _, ok := envelope["retry_config"]; !ok {
		def := DefaultRetryConfig()
		envelope["retry_config"] = map[string]interface{}{
			"max_retries":   def.MaxRetries,
			"base_delay_ms": def.BaseDelayMs,
		}
	}
}

// migrateRequest11to20 applies the 1.1 -> 2.0 request rules: lift quality,
// safety, and advanced keys from parameters into generation_config.
func migrateRequest11to20(envelope map[string]interface{}) {
	params, ok := envelope["parameters"].(map[string]interface{})
	if !ok {
		return
	}
	var gc map[string]interface{}
	for k, v := range params {
		if !generationConfigKey(k) {
			continue
		}
		if gc == nil {
			gc = make(map[string]interface{})
		}
		gc[k] = v
		delete(params, k)
	}
	if gc != nil {
		envelope["generation_config"] = gc
	}
}

// Serialize migrates an internal (v2.0) response down to the caller's
// schema version and returns the wire envelope.
func Serialize(resp *UnifiedResponse, target SchemaVersion) ([]byte, error) {
	if !target.IsValid() {
		return nil, NewRouterError("contract.Serialize", "",
			fmt.Errorf("%w: unsupported target version %q", ErrInvalidConfig, target))
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil, NewRouterError("contract.Serialize", resp.Provider, err)
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		return nil, NewRouterError("contract.Serialize", resp.Provider, err)
	}

	normalizeResultURLs(envelope)

	switch target {
	case SchemaV20:
		// v2.0 responses expose provider_info instead of a plain name.
		envelope["provider_info"] = map[string]interface{}{
			"name":    resp.Provider,
			"version": "unknown",
			"region":  "unknown",
		}
		delete(envelope, "provider")
		ensureCorrelationID(envelope)
	case SchemaV11:
		// provider stays a plain string; metadata and urls are kept.
	case SchemaV10:
		// v1.0 callers predate response metadata.
		delete(envelope, "metadata")
	}
	envelope["schema_version"] = string(target)

	return json.Marshal(envelope)
}

// normalizeResultURLs rewrites a scalar result.output_url into the
// result.urls array form. Adapters normally do this; the contract layer
// guarantees it at the boundary.
func normalizeResultURLs(envelope map[string]interface{}) {
	result, ok := envelope["result"].(map[string]interface{})
	if !ok {
		return
	}
	if url, ok := result["output_url"].(string); ok {
		if _, exists := result["urls"]; !exists {
			result["urls"] = []interface{}{url}
		}
		delete(result, "output_url")
	}
}

// ensureCorrelationID mints error.correlation_id when absent, per the
// 1.1 -> 2.0 response rules.
func ensureCorrelationID(envelope map[string]interface{}) {
	errMap, ok := envelope["error"].(map[string]interface{})
	if !ok || errMap == nil {
		return
	}
	if id, ok := errMap["correlation_id"].(string); !ok || id == "" {
		errMap["correlation_id"] = uuid.NewString()
	}
}
