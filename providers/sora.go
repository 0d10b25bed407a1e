package providers

import (
	"encoding/json"
	"fmt"

	"github.com/makaronz/animatize/core"
)

const soraDefaultURL = "https://api.openai.com"

// SoraAdapter translates the unified envelope to OpenAI's video
// generation API.
type SoraAdapter struct {
	BaseAdapter
}

// NewSoraAdapter builds the adapter with OpenAI's published limits.
func NewSoraAdapter(cfg AdapterConfig) *SoraAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           1920,
		MaxHeight:          1080,
		MaxDurationSeconds: 60,
		MediaTypes:         []string{string(core.MediaVideo), string(core.MediaImage)},
		Formats:            []string{"mp4", "png"},
		SupportsBatch:      true,
		RateLimitPerMinute: 60,
		Models:             []string{"sora-2", "sora-2-pro", "sora-turbo"},
		Features:           []string{core.FeatureTextToImage, core.FeatureImageToVideo, core.FeatureAudioSync},
	}
	return &SoraAdapter{
		BaseAdapter: newBaseAdapter("sora", soraDefaultURL, "/v1/models", caps, cfg),
	}
}

type soraRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
	N       int    `json:"n,omitempty"`
}

type soraResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Data   []struct {
		URL string `json:"url"`
	} `json:"data"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ToNative builds the OpenAI generation payload.
func (a *SoraAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	payload := soraRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Seconds: paramInt(req.Parameters, "duration_seconds"),
		N:       1,
	}
	if w, h := paramInt(req.Parameters, "width"), paramInt(req.Parameters, "height"); w > 0 && h > 0 {
		payload.Size = fmt.Sprintf("%dx%d", w, h)
	}
	return a.postJSON("/v1/video/generations", payload)
}

// FromNative normalizes a successful generation body.
func (a *SoraAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native soraResponse
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding sora response: %w", err)
	}
	if len(native.Data) == 0 {
		return nil, fmt.Errorf("sora response %q carried no artifacts", native.ID)
	}

	urls := make([]interface{}, 0, len(native.Data))
	for _, d := range native.Data {
		urls = append(urls, d.URL)
	}

	resp := &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":   urls,
			"format": "mp4",
		},
	}
	if native.Usage.TotalTokens > 0 {
		tokens := native.Usage.TotalTokens
		resp.TokensUsed = &tokens
	}
	return resp, nil
}
