package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/makaronz/animatize/core"
)

const veoDefaultURL = "https://generativelanguage.googleapis.com"

// VeoAdapter translates the unified envelope to Google's Veo generation
// API. Veo nests requests under instances/parameters and reports errors
// with gRPC-style status strings.
type VeoAdapter struct {
	BaseAdapter
}

// NewVeoAdapter builds the adapter with Veo's published limits.
func NewVeoAdapter(cfg AdapterConfig) *VeoAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           3840,
		MaxHeight:          2160,
		MaxDurationSeconds: 120,
		MediaTypes:         []string{string(core.MediaVideo)},
		Formats:            []string{"mp4", "webm"},
		RateLimitPerMinute: 30,
		Models:             []string{"veo-3", "veo-3-fast", "veo-2"},
		Features:           []string{core.FeatureImageToVideo, core.FeatureKeyframeControl, core.FeatureAudioSync},
	}
	return &VeoAdapter{
		BaseAdapter: newBaseAdapter("veo", veoDefaultURL, "/v1beta/models", caps, cfg),
	}
}

type veoRequest struct {
	Instances []struct {
		Prompt string `json:"prompt"`
	} `json:"instances"`
	Parameters struct {
		AspectRatio     string `json:"aspectRatio,omitempty"`
		DurationSeconds int    `json:"durationSeconds,omitempty"`
		NegativePrompt  string `json:"negativePrompt,omitempty"`
	} `json:"parameters"`
}

type veoResponse struct {
	Predictions []struct {
		VideoURI string `json:"videoUri"`
		MimeType string `json:"mimeType"`
	} `json:"predictions"`
}

// ToNative builds the Veo prediction payload.
func (a *VeoAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	var payload veoRequest
	payload.Instances = append(payload.Instances, struct {
		Prompt string `json:"prompt"`
	}{Prompt: req.Prompt})
	payload.Parameters.AspectRatio = paramString(req.Parameters, "aspect_ratio", "16:9")
	payload.Parameters.DurationSeconds = paramInt(req.Parameters, "duration_seconds")
	payload.Parameters.NegativePrompt = paramString(req.Parameters, "negative_prompt", "")

	path := fmt.Sprintf("/v1beta/models/%s:generateVideo", req.Model)
	return a.postJSON(path, payload)
}

// FromNative normalizes a successful prediction body.
func (a *VeoAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native veoResponse
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding veo response: %w", err)
	}
	if len(native.Predictions) == 0 {
		return nil, fmt.Errorf("veo response carried no predictions")
	}

	urls := make([]interface{}, 0, len(native.Predictions))
	for _, p := range native.Predictions {
		urls = append(urls, p.VideoURI)
	}

	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":   urls,
			"format": formatFromMime(native.Predictions[0].MimeType),
		},
	}, nil
}

// ClassifyTransportError adds Veo's status-string mapping on top of the
// shared HTTP classification. RESOURCE_EXHAUSTED arrives as 429 but the
// string also shows up on 403 quota responses.
func (a *VeoAdapter) ClassifyTransportError(status int, body []byte, err error) *core.ErrorDetails {
	if err == nil && len(body) > 0 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil {
			switch envelope.Error.Status {
			case "RESOURCE_EXHAUSTED":
				return core.NewErrorDetails(core.ErrCodeRateLimitExceeded, a.provider, envelope.Error.Message)
			case "PERMISSION_DENIED", "UNAUTHENTICATED":
				return core.NewErrorDetails(core.ErrCodeAuthenticationFailed, a.provider, envelope.Error.Message)
			case "INVALID_ARGUMENT":
				return core.NewErrorDetails(core.ErrCodeInvalidRequest, a.provider, envelope.Error.Message)
			}
		}
	}
	return a.BaseAdapter.ClassifyTransportError(status, body, err)
}

func formatFromMime(mime string) string {
	if idx := strings.LastIndex(mime, "/"); idx >= 0 && idx < len(mime)-1 {
		return mime[idx+1:]
	}
	return "mp4"
}
