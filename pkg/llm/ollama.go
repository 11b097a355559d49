package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"rootscope/internal/config"
)

// OllamaProvider implements Provider for Ollama (local models). Ollama has no
// forced tool calls, so the tool schema is embedded in the prompt and the
// model is constrained to JSON output.
type OllamaProvider struct {
	client      *api.Client
	url         string
	model       string
	temperature float64
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(rawURL, model string, temperature float64) (*OllamaProvider, error) {
	if rawURL == "" {
		rawURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	rawURL = strings.TrimSuffix(rawURL, "/")

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL %q: %w", rawURL, err)
	}

	return &OllamaProvider{
		client:      api.NewClient(base, &http.Client{Timeout: 300 * time.Second}),
		url:         rawURL,
		model:       model,
		temperature: temperature,
	}, nil
}

// Reason generates a JSON answer matching the tool schema.
func (p *OllamaProvider) Reason(ctx context.Context, req Request) (*Response, error) {
	system := req.Instructions
	if req.Tool.Name != "" {
		system += fmt.Sprintf("\n\nRespond with a single JSON object matching this schema (the arguments of %s):\n%s",
			req.Tool.Name, string(schemaJSON(req.Tool)))
	}

	stream := false
	genReq := &api.GenerateRequest{
		Model:   p.model,
		System:  system,
		Prompt:  req.Context,
		Format:  "json",
		Stream:  &stream,
		Options: map[string]interface{}{"temperature": p.temperature},
	}

	var sb strings.Builder
	err := p.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Ollama API error: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, ErrNoOutput
	}
	out := &Response{Text: text, Model: p.model}
	if json.Valid([]byte(text)) {
		out.Arguments = text
	}
	return out, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// GetModel returns the model name
func (p *OllamaProvider) GetModel() string {
	return p.model
}

// Health checks if Ollama is running
func (p *OllamaProvider) Health(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("Ollama not available: %w", err)
	}
	return nil
}

// NewOllamaProviderFromConfig creates an Ollama provider from config
func NewOllamaProviderFromConfig(cfg config.LLMConfig) (*OllamaProvider, error) {
	return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.Temperature)
}
