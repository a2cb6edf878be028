package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single generation call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateOptions tune one call. Zero values use provider defaults.
type GenerateOptions struct {
	Seed      int64
	MaxTokens int
}

// TextGenerator is the port for LLM text stages.
type TextGenerator interface {
	// Generate returns the assistant text and the usage reported by the provider.
	Generate(ctx context.Context, model string, messages []Message, opts GenerateOptions) (string, Usage, error)
}

// TokenCounter estimates prompt size before a call is made.
type TokenCounter interface {
	CountTokens(model string, messages []Message) (int, error)
}
