package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/config"
)

func TestOllamaProviderReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["model"])
		assert.Equal(t, "json", req["format"])
		assert.Equal(t, false, req["stream"])
		assert.Contains(t, req["system"], "submit_verdict")

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama3","response":"{\"root_cause_summary\":\"payment\"}","done":true}` + "\n"))
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(server.URL, "llama3", 0)
	require.NoError(t, err)

	resp, err := provider.Reason(context.Background(), Request{Instructions: "sys", Context: "ctx", Tool: verdictTool})
	require.NoError(t, err)
	assert.JSONEq(t, `{"root_cause_summary":"payment"}`, resp.Arguments)
}

func TestOllamaProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'llama3' not found"}`))
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(server.URL, "llama3", 0)
	require.NoError(t, err)

	_, err = provider.Reason(context.Background(), Request{Tool: verdictTool})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Ollama API error")
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.LLMConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewProvider(config.LLMConfig{Provider: "Ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	p, err = NewProvider(config.LLMConfig{Provider: "openai"})
	assert.Error(t, err)
	assert.Nil(t, p)

	_, err = NewProvider(config.LLMConfig{Provider: "bard"})
	assert.Error(t, err)
}
