package llm

import (
	"context"
)

// Request is a single-turn completion request
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	JSON        bool // ask the provider for a JSON object response
}

// LLMClient is the completion capability the intent classifier needs
type LLMClient interface {
	Generate(ctx context.Context, req Request) (string, error)
}
