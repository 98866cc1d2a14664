package agent

import (
	"context"
	"fmt"

	"github.com/harun/dosug/pkg/toolexecutor"
)

// Message roles in a run transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
	IsError    bool       // tool messages only
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// TokenUsage counts the tokens of one model request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// ChatRequest is one model request. Sampling parameters are bound to the
// client, not the request.
type ChatRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []toolexecutor.ToolSpec
}

// ChatResponse is the model's reply to a ChatRequest.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ChatClient is a handle to a chat completion service.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Provider() string
	Model() string
}

// BuildClient constructs the client for cfg.Provider. No network I/O
// happens here; the handle is meant to be reused for every run.
func BuildClient(cfg ModelConfig) (ChatClient, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
