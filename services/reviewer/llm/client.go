// Package llm defines the model-backend interface used by the AI
// analyzer, plus Ollama and OpenAI implementations.
package llm

import (
	"context"
	"fmt"
)

// GenerationParams tunes one generation call. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the standard interface for any model backend.
type Client interface {
	// Load ensures the model is available (pulled/warmed). Guarded by
	// the model-load circuit breaker at the call site.
	Load(ctx context.Context) error

	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Model returns the backend's model identifier for metadata.
	Model() string
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "ollama" or "openai".
	Backend string `yaml:"backend"`

	// BaseURL is the Ollama server URL (ollama backend only).
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier.
	Model string `yaml:"model"`

	// APIKey is the OpenAI API key (openai backend only). Usually
	// supplied via environment, not the config file.
	APIKey string `yaml:"api_key"`
}

// New constructs the configured backend.
func New(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", "ollama":
		return NewOllamaClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}
