package toolexecutor

import "context"

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is what the model sees for a call.
type Result struct {
	CallID    string
	Name      string
	Content   string
	IsError   bool
	Truncated bool
}

// Toolset is a source of tools, typically one remote MCP server.
type Toolset interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}
