// Package llm provides the completion capability consumed by the LLM-driven
// decider: a chat prompt in, assistant text out. Implementations cover
// OpenAI-compatible APIs and the native Ollama chat endpoint.
package llm

import (
	"context"

	"github.com/orbitalops/dbagent/internal/config"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the interface for completion providers.
type Client interface {
	// Complete sends the messages and returns the assistant's text.
	Complete(ctx context.Context, messages []Message) (string, error)
}

// NewFromConfig builds the configured provider client.
func NewFromConfig(cfg config.LLMConfig) Client {
	if cfg.Provider == "openai" {
		return NewOpenAIClient(cfg)
	}
	return NewOllamaClient(cfg)
}
