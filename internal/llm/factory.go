package llm

import (
	"context"
	"fmt"
	"strings"
)

// Default models per provider, used when LLM_MODEL is empty
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultClaudeModel = "claude-3-5-haiku-latest"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Config selects and configures a provider
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewClient builds the client for the configured provider
func NewClient(ctx context.Context, cfg Config) (LLMClient, error) {
	provider := strings.ToLower(cfg.Provider)

	switch provider {
	case "openai", "":
		return NewOpenAIClient(cfg.APIKey, modelOr(cfg.Model, DefaultOpenAIModel), cfg.BaseURL), nil

	case "claude":
		return NewClaudeClient(cfg.APIKey, modelOr(cfg.Model, DefaultClaudeModel), cfg.BaseURL), nil

	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey, modelOr(cfg.Model, DefaultGeminiModel))

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}

func modelOr(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}
