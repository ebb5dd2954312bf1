// Package llms implements the LLM provider layer. Each provider
// translates the canonical conversation format to its wire dialect and
// normalizes responses back. Providers perform single-shot requests;
// retry policy is applied by callers via pkg/retry.
package llms

import (
	"context"
	"fmt"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/registry"
)

// Request is one generation request. Temperature and MaxTokens override
// the provider configuration when non-zero.
type Request struct {
	System      string
	Messages    []protocol.Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

type LLMProvider interface {
	// CreateMessage performs a non-streaming request and returns the
	// normalized assistant message.
	CreateMessage(ctx context.Context, req *Request) (*AssistantMessage, error)

	// CreateMessageStream performs a streaming request. The channel is
	// closed after the final "done" or "error" chunk.
	CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	GetModelName() string

	Close() error
}

// resolveParams returns the effective temperature and max tokens for a
// request, falling back to the provider configuration.
func resolveParams(cfg *config.LLMProviderConfig, req *Request) (float64, int) {
	temperature := cfg.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	maxTokens := cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return temperature, maxTokens
}

type LLMRegistry struct {
	*registry.BaseRegistry[LLMProvider]
}

func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{
		BaseRegistry: registry.NewBaseRegistry[LLMProvider](),
	}
}

func (r *LLMRegistry) RegisterLLM(name string, provider LLMProvider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}
	return r.Register(name, provider)
}

// CreateLLMFromConfig builds a provider from configuration and registers
// it under the given name.
func (r *LLMRegistry) CreateLLMFromConfig(name string, cfg *config.LLMProviderConfig) (LLMProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	provider, err := NewProviderFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	if err := r.RegisterLLM(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register LLM: %w", err)
	}

	return provider, nil
}

func (r *LLMRegistry) GetLLM(name string) (LLMProvider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// NewProviderFromConfig builds a provider from configuration without
// registering it.
func NewProviderFromConfig(cfg *config.LLMProviderConfig) (LLMProvider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProviderFromConfig(cfg)
	case "gemini":
		return NewGeminiProviderFromConfig(cfg)
	case "ollama":
		return NewOllamaProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: anthropic, gemini, ollama)", cfg.Type)
	}
}
