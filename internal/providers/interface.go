package providers

import (
	"context"

	"github.com/tomatic/tomatic-backend/internal/models"
)

// Provider defines the interface for streaming LLM backends
type Provider interface {
	// Name returns the provider name
	Name() string

	// StreamComplete opens a streamed completion. The returned channel yields
	// content deltas in arrival order, then at most one usage chunk, and is
	// closed after a finish or error chunk. Cancelling ctx tears the stream
	// down.
	StreamComplete(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// ListModels returns available models with pricing where the backend
	// reports it
	ListModels(ctx context.Context) ([]models.ModelInfo, error)

	// ValidateConfig validates the provider configuration
	ValidateConfig() error
}

// CompletionRequest represents a streamed chat completion request
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model"`
	Temperature *float32      `json:"temperature,omitempty"`
}

// ChatMessage is a role-tagged message in the backend wire format
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StreamChunk is one item of a streamed response. Exactly one of Delta,
// Usage, Error, or FinishReason is set per chunk.
type StreamChunk struct {
	Delta        string `json:"delta,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}
