package llm

import (
	"context"
	"time"

	"github.com/edgeintel/ragchat/types"
)

// Message is a single chat message in provider wire format.
type Message struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content,omitempty"`
}

// ChatRequest carries one chat completion call.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ChatUsage reports upstream token accounting when the backend returns it.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one delta from a streaming completion. The final chunk
// may carry Usage; a failed stream delivers exactly one chunk with Err set
// and then closes.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Index        int          `json:"index,omitempty"`
	Delta        Message      `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// HealthStatus is the result of a provider liveness probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider is the uniform adapter over chat completion backends.
type Provider interface {
	// Completion issues a synchronous chat request and returns the full response.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns a channel of deltas.
	// The channel is closed when the stream ends, errors, or ctx is cancelled.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's identifier.
	Name() string
}

// Text returns the content of the first choice, or "" when there is none.
func Text(resp *ChatResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
