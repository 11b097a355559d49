package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProviderReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-sonnet", req.Model)
		assert.Equal(t, "sys", req.System)
		assert.Len(t, req.Messages, 1)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "submit_verdict", req.Tools[0].Name)
		require.NotNil(t, req.ToolChoice)
		assert.Equal(t, "tool", req.ToolChoice.Type)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AnthropicResponse{
			ID:   "test-id",
			Type: "message",
			Role: "assistant",
			Content: []AnthropicContent{
				{Type: "text", Text: "Looking at the evidence."},
				{Type: "tool_use", ID: "toolu_1", Name: "submit_verdict", Input: json.RawMessage(`{"root_cause_summary":"payment"}`)},
			},
			Model:      "claude-3-5-sonnet",
			StopReason: "tool_use",
		})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider("test-api-key", server.URL+"/v1", "claude-3-5-sonnet", 0.1, 1000)
	require.NoError(t, err)

	resp, err := provider.Reason(context.Background(), Request{Instructions: "sys", Context: "ctx", Tool: verdictTool})
	require.NoError(t, err)
	assert.JSONEq(t, `{"root_cause_summary":"payment"}`, resp.Raw())
	assert.Equal(t, "Looking at the evidence.", resp.Text)
}

func TestAnthropicProviderReasonError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"type": "authentication_error", "message": "Invalid API key"}}`))
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider("invalid-key", server.URL, "claude-3-5-sonnet", 0.1, 1000)
	require.NoError(t, err)

	_, err = provider.Reason(context.Background(), Request{Tool: verdictTool})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API error")
}

func TestAnthropicProviderNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AnthropicResponse{ID: "test-id", Content: []AnthropicContent{}})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider("test-key", server.URL, "claude-3-5-sonnet", 0.1, 1000)
	require.NoError(t, err)

	_, err = provider.Reason(context.Background(), Request{Tool: verdictTool})
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestAnthropicProviderName(t *testing.T) {
	provider, err := NewAnthropicProvider("test-key", "", "claude-3-5-sonnet", 0.1, 1000)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider.Name())
	assert.Equal(t, "claude-3-5-sonnet", provider.GetModel())
}

func TestNewAnthropicProviderMissingKey(t *testing.T) {
	_, err := NewAnthropicProvider("", "", "claude-3-5-sonnet", 0.1, 1000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}
