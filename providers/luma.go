package providers

import (
	"encoding/json"
	"fmt"

	"github.com/makaronz/animatize/core"
)

const lumaDefaultURL = "https://api.lumalabs.ai"

// LumaAdapter translates the unified envelope to Luma's Dream Machine
// API.
type LumaAdapter struct {
	BaseAdapter
}

func NewLumaAdapter(cfg AdapterConfig) *LumaAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           1920,
		MaxHeight:          1080,
		MaxDurationSeconds: 10,
		MediaTypes:         []string{string(core.MediaVideo), string(core.MediaImage)},
		Formats:            []string{"mp4", "png"},
		RateLimitPerMinute: 40,
		Models:             []string{"ray-2", "ray-flash-2", "photon-1"},
		Features:           []string{core.FeatureTextToImage, core.FeatureImageToVideo, core.FeatureKeyframeControl},
	}
	return &LumaAdapter{
		BaseAdapter: newBaseAdapter("luma", lumaDefaultURL, "/dream-machine/v1/credits", caps, cfg),
	}
}

type lumaRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Loop        bool   `json:"loop,omitempty"`
}

type lumaResponse struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Assets struct {
		Video string `json:"video"`
		Image string `json:"image"`
	} `json:"assets"`
	FailureReason string `json:"failure_reason"`
}

func (a *LumaAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	payload := lumaRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		AspectRatio: paramString(req.Parameters, "aspect_ratio", ""),
	}
	if loop, ok := req.Parameters["loop"].(bool); ok {
		payload.Loop = loop
	}
	path := "/dream-machine/v1/generations"
	if req.MediaType == core.MediaImage {
		path = "/dream-machine/v1/generations/image"
	}
	return a.postJSON(path, payload)
}

func (a *LumaAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native lumaResponse
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding luma response: %w", err)
	}
	if native.State == "failed" {
		return nil, fmt.Errorf("luma generation %q failed: %s", native.ID, native.FailureReason)
	}

	url := native.Assets.Video
	format := "mp4"
	if req.MediaType == core.MediaImage {
		url = native.Assets.Image
		format = "png"
	}
	if url == "" {
		return nil, fmt.Errorf("luma generation %q carried no asset", native.ID)
	}

	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":    []interface{}{url},
			"format":  format,
			"task_id": native.ID,
		},
	}, nil
}
