package providers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/makaronz/animatize/core"
)

const runwayDefaultURL = "https://api.dev.runwayml.com"

// RunwayAdapter translates the unified envelope to Runway's generation
// API. Runway distinguishes text-to-video from image-to-video by
// endpoint; the adapter picks based on whether the request carries a
// source image.
type RunwayAdapter struct {
	BaseAdapter
}

func NewRunwayAdapter(cfg AdapterConfig) *RunwayAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           1920,
		MaxHeight:          1080,
		MaxDurationSeconds: 30,
		MediaTypes:         []string{string(core.MediaVideo), string(core.MediaImage)},
		Formats:            []string{"mp4"},
		RateLimitPerMinute: 50,
		Models:             []string{"gen4_turbo", "gen3a_turbo"},
		Features: []string{
			core.FeatureImageToVideo,
			core.FeatureKeyframeControl,
			core.FeatureCharacterConsistency,
		},
	}
	return &RunwayAdapter{
		BaseAdapter: newBaseAdapter("runway", runwayDefaultURL, "/v1/organization", caps, cfg),
	}
}

type runwayRequest struct {
	Model       string  `json:"model"`
	PromptText  string  `json:"promptText"`
	PromptImage string  `json:"promptImage,omitempty"`
	Ratio       string  `json:"ratio,omitempty"`
	Duration    int     `json:"duration,omitempty"`
	Seed        float64 `json:"seed,omitempty"`
}

type runwayResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
}

func (a *RunwayAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	payload := runwayRequest{
		Model:      req.Model,
		PromptText: req.Prompt,
		Ratio:      paramString(req.Parameters, "aspect_ratio", ""),
		Duration:   paramInt(req.Parameters, "duration_seconds"),
		Seed:       paramFloat(req.Parameters, "seed"),
	}

	path := "/v1/text_to_video"
	if img, ok := req.Parameters["source_image"].([]byte); ok && len(img) > 0 {
		payload.PromptImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
		path = "/v1/image_to_video"
	} else if ref, ok := req.Parameters["source_image"].(string); ok && ref != "" {
		payload.PromptImage = ref
		path = "/v1/image_to_video"
	}

	return a.postJSON(path, payload)
}

func (a *RunwayAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native runwayResponse
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding runway response: %w", err)
	}
	if len(native.Output) == 0 {
		return nil, fmt.Errorf("runway task %q carried no output", native.ID)
	}

	urls := make([]interface{}, 0, len(native.Output))
	for _, u := range native.Output {
		urls = append(urls, u)
	}

	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":    urls,
			"format":  "mp4",
			"task_id": native.ID,
		},
	}, nil
}
