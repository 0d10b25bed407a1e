package providers

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/makaronz/animatize/core"
)

// MockAdapter is the in-memory adapter used across the test suites and
// by local development against the scripted transport. Its native shape
// is a plain JSON echo of the unified request.
type MockAdapter struct {
	ProviderName string
	Caps         core.ProviderCapabilities

	// ValidateErr, when set, rejects every request.
	ValidateErr *core.ErrorDetails

	// Healthy controls the health probe result.
	Healthy atomic.Bool
}

// NewMockAdapter builds a permissive mock for the given provider name.
func NewMockAdapter(name string) *MockAdapter {
	m := &MockAdapter{
		ProviderName: name,
		Caps: core.ProviderCapabilities{
			MaxWidth:           1920,
			MaxHeight:          1080,
			MaxDurationSeconds: 60,
			MediaTypes: []string{
				string(core.MediaVideo), string(core.MediaImage),
				string(core.MediaAudio), string(core.MediaText),
			},
			Formats: []string{"mp4"},
		},
	}
	m.Healthy.Store(true)
	return m
}

func (m *MockAdapter) Name() string { return m.ProviderName }

func (m *MockAdapter) Capabilities() core.ProviderCapabilities { return m.Caps }

func (m *MockAdapter) Validate(req *core.UnifiedRequest) *core.ErrorDetails {
	if m.ValidateErr != nil {
		return m.ValidateErr
	}
	if !m.Caps.SupportsMediaType(req.MediaType) {
		return core.NewErrorDetails(core.ErrCodeInvalidRequest, m.ProviderName, "media type not supported")
	}
	if !m.Caps.SupportsModel(req.Model) {
		return core.NewErrorDetails(core.ErrCodeInvalidModel, m.ProviderName, "model not available")
	}
	return nil
}

func (m *MockAdapter) ToNative(req *core.UnifiedRequest) (*core.NativeRequest, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt": req.Prompt,
		"model":  req.Model,
	})
	if err != nil {
		return nil, err
	}
	return &core.NativeRequest{
		Method:  "POST",
		URL:     "https://" + m.ProviderName + ".test/generate",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}

func (m *MockAdapter) FromNative(raw []byte, req *core.UnifiedRequest) (*core.UnifiedResponse, error) {
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &core.UnifiedResponse{
		Status: core.StatusSuccess,
		Result: result,
	}, nil
}

func (m *MockAdapter) ClassifyTransportError(status int, body []byte, err error) *core.ErrorDetails {
	base := BaseAdapter{provider: m.ProviderName}
	return base.ClassifyTransportError(status, body, err)
}

func (m *MockAdapter) HealthCheck(ctx context.Context) bool {
	return m.Healthy.Load()
}

// ScriptedCall is one canned transport outcome.
type ScriptedCall struct {
	Status int
	Body   []byte
	Err    error
}

// ScriptedTransport replays canned outcomes in order, then repeats the
// last one. It records every request it carried.
type ScriptedTransport struct {
	mu       sync.Mutex
	script   []ScriptedCall
	cursor   int
	requests []*core.NativeRequest
}

// NewScriptedTransport builds a transport replaying the given outcomes.
func NewScriptedTransport(script ...ScriptedCall) *ScriptedTransport {
	return &ScriptedTransport{script: script}
}

// OKJSON is a convenience scripted success with a JSON body.
func OKJSON(payload interface{}) ScriptedCall {
	body, _ := json.Marshal(payload)
	return ScriptedCall{Status: 200, Body: body}
}

func (s *ScriptedTransport) Do(ctx context.Context, req *core.NativeRequest) (int, map[string]string, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, nil, err
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		s.mu.Unlock()
		return 200, nil, []byte(`{"urls":["https://cdn.test/out.mp4"]}`), nil
	}
	call := s.script[s.cursor]
	if s.cursor < len(s.script)-1 {
		s.cursor++
	}
	s.mu.Unlock()

	return call.Status, nil, call.Body, call.Err
}

// Calls returns how many requests the transport carried.
func (s *ScriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the recorded requests.
func (s *ScriptedTransport) Requests() []*core.NativeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.NativeRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
