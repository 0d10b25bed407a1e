package core

import (
	"time"
)

// SchemaVersion identifies a version of the unified envelope schema.
// Internal processing always operates on the current version; the contract
// layer migrates on entry and exit.
type SchemaVersion string

const (
	SchemaV10 SchemaVersion = "1.0"
	SchemaV11 SchemaVersion = "1.1"
	SchemaV20 SchemaVersion = "2.0"

	// CurrentSchemaVersion is the version all internal components operate on.
	CurrentSchemaVersion = SchemaV20
)

// IsValid reports whether the version is one of the known schema versions.
func (v SchemaVersion) IsValid() bool {
	switch v {
	case SchemaV10, SchemaV11, SchemaV20:
		return true
	}
	return false
}

// MediaType is the kind of artifact a request produces.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaText  MediaType = "text"
)

// IsValid reports whether the media type is one of the known kinds.
func (m MediaType) IsValid() bool {
	switch m {
	case MediaImage, MediaVideo, MediaAudio, MediaText:
		return true
	}
	return false
}

// ResponseStatus is the outcome of a routed call.
type ResponseStatus string

const (
	StatusSuccess        ResponseStatus = "success"
	StatusFailed         ResponseStatus = "failed"
	StatusProcessing     ResponseStatus = "processing"
	StatusPartialSuccess ResponseStatus = "partial_success"
)

// ProviderAuto is the sentinel provider name that lets the router choose.
const ProviderAuto = "auto"

// RetryConfig bounds the retry engine for a single routed call.
type RetryConfig struct {
	MaxRetries  int `json:"max_retries" yaml:"max_retries"`
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
}

// DefaultRetryConfig returns the retry bounds applied when a request
// carries none.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelayMs: 1000}
}

// UnifiedRequest is the provider-agnostic envelope for one attempt against
// one provider for one artifact. Requests are values: nothing in the core
// mutates a request after Parse.
type UnifiedRequest struct {
	SchemaVersion SchemaVersion          `json:"schema_version"`
	RequestID     string                 `json:"request_id"`
	Provider      string                 `json:"provider"`
	Model         string                 `json:"model"`
	Prompt        string                 `json:"prompt"`
	MediaType     MediaType              `json:"media_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	Metadata      map[string]interface{} `json:"metadata"`
	TimeoutMs     int64                  `json:"timeout_ms"`
	RetryConfig   *RetryConfig           `json:"retry_config,omitempty"`
	CallbackURL   string                 `json:"callback_url,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Timeout returns the request deadline budget as a duration.
func (r *UnifiedRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Retry returns the effective retry configuration, applying defaults when
// the request carries none.
func (r *UnifiedRequest) Retry() RetryConfig {
	if r.RetryConfig == nil {
		return DefaultRetryConfig()
	}
	return *r.RetryConfig
}

// Clone returns a shallow copy with fresh parameter and metadata maps so a
// per-candidate rewrite never leaks into the caller's request.
func (r *UnifiedRequest) Clone() *UnifiedRequest {
	cp := *r
	cp.Parameters = make(map[string]interface{}, len(r.Parameters))
	for k, v := range r.Parameters {
		cp.Parameters[k] = v
	}
	cp.Metadata = make(map[string]interface{}, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// Well-known response metadata keys.
const (
	MetaCached       = "cached"
	MetaAttempts     = "attempts"
	MetaFallbackUsed = "fallback_used"
	MetaDegraded     = "degraded"
)

// UnifiedResponse is the result of one routed call.
//
// Invariants: status==success implies Result is present and Error is nil;
// status==failed implies Error is present.
type UnifiedResponse struct {
	SchemaVersion    SchemaVersion          `json:"schema_version"`
	RequestID        string                 `json:"request_id"`
	Provider         string                 `json:"provider"`
	Model            string                 `json:"model"`
	Status           ResponseStatus         `json:"status"`
	Result           map[string]interface{} `json:"result"`
	Error            *ErrorDetails          `json:"error"`
	Metadata         map[string]interface{} `json:"metadata"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	TokensUsed       *int64                 `json:"tokens_used"`
	Cost             *float64               `json:"cost"`
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *UnifiedResponse) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// MetaBool reads a boolean metadata value, returning false when absent.
func (r *UnifiedResponse) MetaBool(key string) bool {
	v, ok := r.Metadata[key].(bool)
	return ok && v
}

// MetaInt reads an integer metadata value, returning 0 when absent.
func (r *UnifiedResponse) MetaInt(key string) int {
	switch v := r.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ProviderCapabilities is the static capability descriptor every adapter
// publishes. The router uses it to reject requests a provider cannot serve
// and to size the provider's token bucket.
type ProviderCapabilities struct {
	MaxWidth           int      `json:"max_width"`
	MaxHeight          int      `json:"max_height"`
	MaxDurationSeconds int      `json:"max_duration_seconds"`
	MediaTypes         []string `json:"media_types"`
	Formats            []string `json:"formats"`
	SupportsBatch      bool     `json:"supports_batch"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	Models             []string `json:"models"`
	Features           []string `json:"features"`
}

// Capability feature flags.
const (
	FeatureTextToImage          = "text_to_image"
	FeatureImageToImage         = "image_to_image"
	FeatureImageToVideo         = "image_to_video"
	FeatureAudioSync            = "audio_sync"
	FeatureKeyframeControl      = "keyframe_control"
	FeatureCharacterConsistency = "character_consistency"
)

// SupportsMediaType reports whether the provider can produce the given
// artifact kind.
func (c ProviderCapabilities) SupportsMediaType(m MediaType) bool {
	for _, mt := range c.MediaTypes {
		if mt == string(m) {
			return true
		}
	}
	return false
}

// SupportsModel reports whether the model identifier is in the provider's
// allowed list. An empty list allows any model.
func (c ProviderCapabilities) SupportsModel(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasFeature reports whether the provider declares the given feature flag.
func (c ProviderCapabilities) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Shot is one atomic generation unit within a multi-shot intent.
type Shot struct {
	ShotID          string                 `json:"shot_id"`
	SceneID         string                 `json:"scene_id"`
	ImageRef        []byte                 `json:"image_ref"`
	IntentText      string                 `json:"intent_text"`
	TargetProviders []string               `json:"target_providers"`
	LockedControls  map[string]interface{} `json:"locked_controls"`
	DerivedControls map[string]interface{} `json:"derived_controls"`
}

// ConsistencyPolicy governs cross-shot validation in the pipeline.
type ConsistencyPolicy struct {
	// Threshold is the minimum pairwise score in [0,1] adjacent shots
	// must reach. Zero disables validation.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// Regenerate allows a single regeneration attempt for a shot whose
	// pairing falls below the threshold. Off by default.
	Regenerate bool `json:"regenerate" yaml:"regenerate"`
}

// IntentRequest is an ordered sequence of shots plus an optional cross-shot
// consistency policy.
type IntentRequest struct {
	RequestID   string             `json:"request_id"`
	Shots       []Shot             `json:"shots"`
	Consistency *ConsistencyPolicy `json:"consistency,omitempty"`

	// MaxParallel bounds shot fan-out. Zero means the pipeline default.
	MaxParallel int `json:"max_parallel,omitempty"`

	// TimeoutMs is the per-shot routing budget. Zero means the router
	// default.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// AnalysisFeatures is the output of the external image analyzer. The core
// treats it as an opaque feature bag plus a few commonly consulted fields.
type AnalysisFeatures struct {
	SceneType      string                 `json:"scene_type"`
	MovementLevel  float64                `json:"movement_level"`
	DominantColors []string               `json:"dominant_colors"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
}

// CompiledPrompt is the output of the external prompt compiler for one
// (intent, features, provider) triple.
type CompiledPrompt struct {
	Text          string                 `json:"text"`
	NegativeText  string                 `json:"negative_text,omitempty"`
	ControlParams map[string]interface{} `json:"control_params,omitempty"`
}
