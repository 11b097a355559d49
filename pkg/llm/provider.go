// Package llm defines the interfaces and factories for connecting to various Large Language Models.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rootscope/internal/config"
)

// ErrNoOutput is returned when a model answered without text or a tool call.
var ErrNoOutput = errors.New("model returned no output")

// Tool describes the single function a model must call to answer.
// Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one reasoning turn. Instructions carry the fixed system
// guidance and output contract; Context carries the bounded evidence.
type Request struct {
	Instructions string
	Context      string
	Tool         Tool
}

// Response holds what the model produced. Arguments is the raw JSON passed to
// the tool when the backend supports tool calling; Text is any free-form
// content, used as a fallback.
type Response struct {
	Arguments string
	Text      string
	Model     string
}

// Raw returns the tool arguments, or the text when there were none.
func (r *Response) Raw() string {
	if r == nil {
		return ""
	}
	if r.Arguments != "" {
		return r.Arguments
	}
	return r.Text
}

// Provider establishes the common contract for all supported LLM integrations.
type Provider interface {
	Reason(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// ProviderType represents a supported backend LLM provider.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderNone      ProviderType = "none"
)

// NewProvider evaluates the configuration to instantiate and route to the correct LLM backend implementation.
// The "none" provider returns (nil, nil): ranking works without reasoning.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	providerType := ProviderType(cfg.ProviderType())

	var (
		p   Provider
		err error
	)
	switch providerType {
	case ProviderOpenAI:
		p, err = NewOpenAIProviderFromConfig(cfg)
	case ProviderAnthropic:
		p, err = NewAnthropicProviderFromConfig(cfg)
	case ProviderOllama:
		p, err = NewOllamaProviderFromConfig(cfg)
	case ProviderNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func schemaJSON(t Tool) json.RawMessage {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}
