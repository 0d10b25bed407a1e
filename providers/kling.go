package providers

import (
	"encoding/json"
	"fmt"

	"github.com/makaronz/animatize/core"
)

const klingDefaultURL = "https://api.klingai.com"

// KlingAdapter translates the unified envelope to Kling's generation
// API. Kling wraps every response in a {code, message, data} envelope and
// signals application errors in-body with a non-zero code even on
// HTTP 200, so FromNative re-checks the envelope.
type KlingAdapter struct {
	BaseAdapter
}

func NewKlingAdapter(cfg AdapterConfig) *KlingAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           1920,
		MaxHeight:          1080,
		MaxDurationSeconds: 10,
		MediaTypes:         []string{string(core.MediaVideo)},
		Formats:            []string{"mp4"},
		RateLimitPerMinute: 20,
		Models:             []string{"kling-v2-master", "kling-v1-6"},
		Features:           []string{core.FeatureImageToVideo, core.FeatureCharacterConsistency},
	}
	return &KlingAdapter{
		BaseAdapter: newBaseAdapter("kling", klingDefaultURL, "/account/costs", caps, cfg),
	}
}

type klingRequest struct {
	ModelName      string  `json:"model_name"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Duration       string  `json:"duration,omitempty"`
	AspectRatio    string  `json:"aspect_ratio,omitempty"`
	CfgScale       float64 `json:"cfg_scale,omitempty"`
}

type klingEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"task_id"`
		Videos []struct {
			URL      string `json:"url"`
			Duration string `json:"duration"`
		} `json:"videos"`
	} `json:"data"`
}

// Kling application error codes that map outside the generic bucket.
const (
	klingCodeAuth       = 1002
	klingCodeThrottled  = 1302
	klingCodeNoBalance  = 1101
	klingCodeModeration = 1201
)

func (a *KlingAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	payload := klingRequest{
		ModelName:      req.Model,
		Prompt:         req.Prompt,
		NegativePrompt: paramString(req.Parameters, "negative_prompt", ""),
		AspectRatio:    paramString(req.Parameters, "aspect_ratio", ""),
		CfgScale:       paramFloat(req.Parameters, "cfg_scale"),
	}
	if d := paramInt(req.Parameters, "duration_seconds"); d > 0 {
		payload.Duration = fmt.Sprintf("%d", d)
	}
	return a.postJSON("/v1/videos/text2video", payload)
}

func (a *KlingAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native klingEnvelope
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding kling response: %w", err)
	}
	if native.Code != 0 {
		return nil, fmt.Errorf("kling error %d: %s", native.Code, native.Message)
	}
	if len(native.Data.Videos) == 0 {
		return nil, fmt.Errorf("kling task %q carried no videos", native.Data.TaskID)
	}

	urls := make([]interface{}, 0, len(native.Data.Videos))
	for _, v := range native.Data.Videos {
		urls = append(urls, v.URL)
	}

	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":    urls,
			"format":  "mp4",
			"task_id": native.Data.TaskID,
		},
	}, nil
}

// ClassifyTransportError maps Kling's envelope codes before falling back
// to the shared HTTP classification.
func (a *KlingAdapter) ClassifyTransportError(status int, body []byte, err error) *core.ErrorDetails {
	if err == nil && len(body) > 0 {
		var envelope klingEnvelope
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Code != 0 {
			switch envelope.Code {
			case klingCodeAuth:
				return core.NewErrorDetails(core.ErrCodeAuthenticationFailed, a.provider, envelope.Message)
			case klingCodeThrottled:
				return core.NewErrorDetails(core.ErrCodeRateLimitExceeded, a.provider, envelope.Message)
			case klingCodeNoBalance:
				return core.NewErrorDetails(core.ErrCodeInsufficientCredits, a.provider, envelope.Message)
			case klingCodeModeration:
				return core.NewErrorDetails(core.ErrCodeContentPolicyViolation, a.provider, envelope.Message)
			}
		}
	}
	return a.BaseAdapter.ClassifyTransportError(status, body, err)
}
