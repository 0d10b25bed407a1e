package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrentVersion(t *testing.T) {
	raw := []byte(`{
		"schema_version": "2.0",
		"provider": "sora",
		"model": "sora-2",
		"prompt": "a lighthouse at dusk",
		"media_type": "video",
		"parameters": {"duration_seconds": 8},
		"generation_config": {"quality": "high", "safety_filter": "strict"}
	}`)

	req, details := Parse(raw, "")
	require.Nil(t, details)

	assert.Equal(t, SchemaV20, req.SchemaVersion)
	assert.Equal(t, "sora", req.Provider)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, int64(DefaultTimeoutMs), req.TimeoutMs)
	assert.False(t, req.CreatedAt.IsZero())

	// generation_config flattens into the opaque parameter map.
	assert.Equal(t, "high", req.Parameters["quality"])
	assert.Equal(t, "strict", req.Parameters["safety_filter"])
	assert.Equal(t, float64(8), req.Parameters["duration_seconds"])
}

func TestParseMigratesFrom10(t *testing.T) {
	raw := []byte(`{
		"provider": "veo",
		"model": "veo-3",
		"prompt": "rain on a window",
		"media_type": "video",
		"parameters": {"quality": "draft", "seed": 7}
	}`)

	req, details := Parse(raw, SchemaV10)
	require.Nil(t, details)

	// 1.0 -> 1.1 injects default retry bounds.
	require.NotNil(t, req.RetryConfig)
	assert.Equal(t, 3, req.RetryConfig.MaxRetries)
	assert.Equal(t, 1000, req.RetryConfig.BaseDelayMs)

	// 1.1 -> 2.0 lifts quality into generation_config, which then
	// flattens back; the unknown key survives untouched.
	assert.Equal(t, "draft", req.Parameters["quality"])
	assert.Equal(t, float64(7), req.Parameters["seed"])

	// The declared version rides along for response down-migration.
	assert.Equal(t, SchemaV10, req.SchemaVersion)
}

func TestParseDeclaredVersionWins(t *testing.T) {
	raw := []byte(`{
		"schema_version": "2.0",
		"provider": "auto",
		"model": "sora-2",
		"prompt": "x",
		"media_type": "video"
	}`)
	req, details := Parse(raw, SchemaV11)
	require.Nil(t, details)
	assert.Equal(t, SchemaV11, req.SchemaVersion)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing prompt", `{"provider":"auto","model":"m","media_type":"video"}`, "prompt"},
		{"missing model", `{"provider":"auto","prompt":"p","media_type":"video"}`, "model"},
		{"missing provider", `{"model":"m","prompt":"p","media_type":"video"}`, "provider"},
		{"bad media type", `{"provider":"auto","model":"m","prompt":"p","media_type":"hologram"}`, "media_type"},
		{"negative retries", `{"provider":"auto","model":"m","prompt":"p","media_type":"video","retry_config":{"max_retries":-1,"base_delay_ms":100}}`, "retry_config.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, details := Parse([]byte(tt.raw), SchemaV20)
			require.NotNil(t, details)
			assert.Equal(t, ErrCodeInvalidRequest, details.Code)
			assert.Equal(t, tt.field, details.Details["field"])
			assert.False(t, details.Retryable)
		})
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	_, details := Parse([]byte(`{"schema_version":"3.0","provider":"auto","model":"m","prompt":"p","media_type":"video"}`), "")
	require.NotNil(t, details)
	assert.Equal(t, "schema_version", details.Details["field"])
}

func TestParseMalformedEnvelope(t *testing.T) {
	_, details := Parse([]byte(`{not json`), SchemaV20)
	require.NotNil(t, details)
	assert.Equal(t, ErrCodeInvalidRequest, details.Code)
}

func TestSerializeV20ProviderInfo(t *testing.T) {
	resp := &UnifiedResponse{
		SchemaVersion: SchemaV20,
		RequestID:     "req-1",
		Provider:      "runway",
		Status:        StatusSuccess,
		Result:        map[string]interface{}{"urls": []interface{}{"https://cdn/x.mp4"}},
	}

	out, err := Serialize(resp, SchemaV20)
	require.NoError(t, err)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &envelope))

	info, ok := envelope["provider_info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "runway", info["name"])
	assert.Equal(t, "unknown", info["version"])
	assert.Equal(t, "unknown", info["region"])
	_, hasPlain := envelope["provider"]
	assert.False(t, hasPlain)
}

func TestSerializeDownMigration(t *testing.T) {
	resp := &UnifiedResponse{
		SchemaVersion: SchemaV20,
		RequestID:     "req-2",
		Provider:      "luma",
		Status:        StatusSuccess,
		Result:        map[string]interface{}{"output_url": "https://cdn/one.mp4"},
		Metadata:      map[string]interface{}{MetaCached: true},
	}

	t.Run("v1.1 keeps metadata and provider string", func(t *testing.T) {
		out, err := Serialize(resp, SchemaV11)
		require.NoError(t, err)
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(out, &envelope))

		assert.Equal(t, "1.1", envelope["schema_version"])
		assert.Equal(t, "luma", envelope["provider"])
		assert.NotNil(t, envelope["metadata"])

		result := envelope["result"].(map[string]interface{})
		assert.Equal(t, []interface{}{"https://cdn/one.mp4"}, result["urls"])
		_, scalar := result["output_url"]
		assert.False(t, scalar)
	})

	t.Run("v1.0 drops metadata, urls stays an array", func(t *testing.T) {
		out, err := Serialize(resp, SchemaV10)
		require.NoError(t, err)
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(out, &envelope))

		assert.Equal(t, "1.0", envelope["schema_version"])
		_, hasMeta := envelope["metadata"]
		assert.False(t, hasMeta)

		result := envelope["result"].(map[string]interface{})
		assert.Equal(t, []interface{}{"https://cdn/one.mp4"}, result["urls"])
	})
}

func TestSerializeMintsCorrelationID(t *testing.T) {
	resp := &UnifiedResponse{
		SchemaVersion: SchemaV20,
		RequestID:     "req-3",
		Provider:      "pika",
		Status:        StatusFailed,
		Error:         &ErrorDetails{Code: ErrCodeProviderError, Message: "boom"},
	}

	out, err := Serialize(resp, SchemaV20)
	require.NoError(t, err)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &envelope))
	errMap := envelope["error"].(map[string]interface{})
	assert.NotEmpty(t, errMap["correlation_id"])
}

func TestSerializeRejectsUnknownTarget(t *testing.T) {
	_, err := Serialize(&UnifiedResponse{}, SchemaVersion("0.9"))
	require.Error(t, err)
}
