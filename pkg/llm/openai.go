package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"rootscope/internal/config"
)

// OpenAIProvider implements Provider for OpenAI using forced tool calls.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIProvider creates a new OpenAI provider. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the public API.
func NewOpenAIProvider(apiKey, baseURL, model string, temperature float64, maxTokens int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Reason sends the request and returns the arguments of the forced tool call.
func (p *OpenAIProvider) Reason(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Instructions},
			{Role: openai.ChatMessageRoleUser, Content: req.Context},
		},
		Temperature: float32(p.temperature),
		MaxTokens:   p.maxTokens,
	}
	if req.Tool.Name != "" {
		chatReq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        req.Tool.Name,
				Description: req.Tool.Description,
				Parameters:  schemaJSON(req.Tool),
			},
		}}
		chatReq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.Tool.Name},
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response: %w", ErrNoOutput)
	}

	msg := resp.Choices[0].Message
	out := &Response{Text: msg.Content, Model: resp.Model}
	for _, call := range msg.ToolCalls {
		if call.Function.Name == req.Tool.Name {
			out.Arguments = call.Function.Arguments
			break
		}
	}
	if out.Raw() == "" {
		return nil, ErrNoOutput
	}
	return out, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// GetModel returns the model name
func (p *OpenAIProvider) GetModel() string {
	return p.model
}

// NewOpenAIProviderFromConfig creates an OpenAI provider from config
func NewOpenAIProviderFromConfig(cfg config.LLMConfig) (*OpenAIProvider, error) {
	return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens)
}
