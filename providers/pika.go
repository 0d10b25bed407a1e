package providers

import (
	"encoding/json"
	"fmt"

	"github.com/makaronz/animatize/core"
)

const pikaDefaultURL = "https://api.pika.art"

// PikaAdapter translates the unified envelope to Pika's generation API.
type PikaAdapter struct {
	BaseAdapter
}

func NewPikaAdapter(cfg AdapterConfig) *PikaAdapter {
	caps := core.ProviderCapabilities{
		MaxWidth:           1280,
		MaxHeight:          720,
		MaxDurationSeconds: 10,
		MediaTypes:         []string{string(core.MediaVideo)},
		Formats:            []string{"mp4"},
		RateLimitPerMinute: 30,
		Models:             []string{"pika-2.2", "pika-1.5"},
		Features:           []string{core.FeatureImageToVideo},
	}
	return &PikaAdapter{
		BaseAdapter: newBaseAdapter("pika", pikaDefaultURL, "/v1/status", caps, cfg),
	}
}

type pikaRequest struct {
	PromptText string `json:"promptText"`
	Model      string `json:"model"`
	Options    struct {
		FrameRate   int    `json:"frameRate,omitempty"`
		AspectRatio string `json:"aspectRatio,omitempty"`
		Duration    int    `json:"duration,omitempty"`
	} `json:"options"`
}

type pikaResponse struct {
	VideoURL string `json:"video_url"`
	JobID    string `json:"job_id"`
}

func (a *PikaAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	payload := pikaRequest{
		PromptText: req.Prompt,
		Model:      req.Model,
	}
	payload.Options.FrameRate = paramInt(req.Parameters, "frame_rate")
	payload.Options.AspectRatio = paramString(req.Parameters, "aspect_ratio", "")
	payload.Options.Duration = paramInt(req.Parameters, "duration_seconds")
	return a.postJSON("/v1/generate", payload)
}

func (a *PikaAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var native pikaResponse
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("decoding pika response: %w", err)
	}
	if native.VideoURL == "" {
		return nil, fmt.Errorf("pika job %q carried no video", native.JobID)
	}
	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: map[string]interface{}{
			"urls":    []interface{}{native.VideoURL},
			"format":  "mp4",
			"task_id": native.JobID,
		},
	}, nil
}
