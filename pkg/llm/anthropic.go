package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rootscope/internal/config"
)

// AnthropicProvider implements the Provider interface for interacting with the Anthropic Messages API.
type AnthropicProvider struct {
	client      *AnthropicClient
	model       string
	temperature float64
	maxTokens   int
}

// AnthropicClient handles low-level HTTP interactions with Anthropic endpoints.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// AnthropicMessage defines a single conversational turn in the Anthropic prompt format.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicTool declares a client tool the model may call.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// AnthropicToolChoice forces a specific tool.
type AnthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AnthropicRequest models the payload for the Anthropic v1/messages endpoint.
type AnthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []AnthropicMessage   `json:"messages"`
	Tools       []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice  *AnthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
}

// AnthropicResponse captures the results from the Anthropic v1/messages endpoint.
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
}

// AnthropicContent is a text or tool_use block.
type AnthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AnthropicUsage tracks the token consumption for a given Anthropic API request.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicProvider initializes the Anthropic integration with the given authentication and model parameters.
func NewAnthropicProvider(apiKey, baseURL, model string, temperature float64, maxTokens int) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicProvider{
		client: &AnthropicClient{
			apiKey:  apiKey,
			baseURL: strings.TrimSuffix(baseURL, "/"),
			client: &http.Client{
				Timeout: 120 * time.Second,
			},
		},
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Reason issues the request with the tool forced and returns the tool input.
func (p *AnthropicProvider) Reason(ctx context.Context, r Request) (*Response, error) {
	req := AnthropicRequest{
		Model:       p.model,
		System:      r.Instructions,
		Messages:    []AnthropicMessage{{Role: "user", Content: r.Context}},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	if r.Tool.Name != "" {
		req.Tools = []AnthropicTool{{Name: r.Tool.Name, Description: r.Tool.Description, InputSchema: schemaJSON(r.Tool)}}
		req.ToolChoice = &AnthropicToolChoice{Type: "tool", Name: r.Tool.Name}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.client.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("Anthropic API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var anthropicResp AnthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &Response{Model: anthropicResp.Model}
	var text []string
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "tool_use":
			if block.Name == r.Tool.Name && out.Arguments == "" {
				out.Arguments = string(block.Input)
			}
		case "text":
			text = append(text, block.Text)
		}
	}
	out.Text = strings.Join(text, "\n")
	if out.Raw() == "" {
		return nil, fmt.Errorf("no content in response: %w", ErrNoOutput)
	}
	return out, nil
}

// Name identifies this provider instance as "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// GetModel exposes the configured Anthropic model string.
func (p *AnthropicProvider) GetModel() string {
	return p.model
}

// NewAnthropicProviderFromConfig constructs an AnthropicProvider using a standard LLMConfig block.
func NewAnthropicProviderFromConfig(cfg config.LLMConfig) (*AnthropicProvider, error) {
	return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens)
}
