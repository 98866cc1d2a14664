package agent

import (
	"fmt"

	"github.com/harun/dosug/pkg/toolexecutor"
)

// NodeKind identifies a step of a run.
type NodeKind string

const (
	NodeUserPrompt   NodeKind = "user_prompt"
	NodeModelRequest NodeKind = "model_request"
	NodeCallTools    NodeKind = "call_tools"
	NodeToolResult   NodeKind = "tool_result"
	NodeEnd          NodeKind = "end"
)

// Node is one intermediate or final result of a run, in production order.
//
// Text holds the prompt for user_prompt, the model's text for call_tools,
// the tool output for tool_result and the final answer for end.
type Node struct {
	Kind       NodeKind
	RunID      string
	Step       int
	Text       string
	ToolCalls  []ToolCall           // call_tools
	ToolResult *toolexecutor.Result // tool_result
	Usage      *TokenUsage          // call_tools
}

// IsEnd reports whether n is the final node of a run.
func (n Node) IsEnd() bool {
	return n.Kind == NodeEnd
}

func (n Node) String() string {
	switch n.Kind {
	case NodeCallTools:
		return fmt.Sprintf("[%d] %s: %d tool call(s) %q", n.Step, n.Kind, len(n.ToolCalls), n.Text)
	case NodeToolResult:
		if n.ToolResult != nil {
			return fmt.Sprintf("[%d] %s: %s error=%t", n.Step, n.Kind, n.ToolResult.Name, n.ToolResult.IsError)
		}
	}
	return fmt.Sprintf("[%d] %s: %q", n.Step, n.Kind, n.Text)
}
