package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/shared"
)

// OllamaClient speaks the native Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg config.LLMConfig) *OllamaClient {
	return &OllamaClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message Message `json:"message"`
}

// Complete sends the messages and returns the assistant's text.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body := ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Options:  map[string]any{"temperature": c.temperature},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", shared.NewError(shared.CodeTimeout, "chat call timed out")
		}
		return "", shared.WrapError(shared.CodeUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", shared.WrapError(shared.CodeUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", shared.NewError(shared.CodeUpstream, "ollama returned HTTP %d: %s",
			resp.StatusCode, truncate(string(data), 200))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", shared.WrapError(shared.CodeUpstream, fmt.Errorf("parse ollama response: %w", err))
	}
	return parsed.Message.Content, nil
}
