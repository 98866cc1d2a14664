package agent

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/harun/dosug/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays responses in order; a nil response with a nil
// error blocks until the context is done.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*ChatResponse
	errs      []error
	requests  []ChatRequest
}

func (c *scriptedClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return &ChatResponse{Content: "done"}, nil
	}
	if c.responses[i] == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Provider() string { return "fake" }
func (c *scriptedClient) Model() string    { return "fake-model" }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeTools struct {
	specs   []toolexecutor.ToolSpec
	listErr error
	results map[string]toolexecutor.Result
	execErr error
	calls   []toolexecutor.Call
	closed  int
}

func (f *fakeTools) Tools(ctx context.Context) ([]toolexecutor.ToolSpec, error) {
	return f.specs, f.listErr
}

func (f *fakeTools) Execute(ctx context.Context, call toolexecutor.Call) (toolexecutor.Result, error) {
	f.calls = append(f.calls, call)
	if f.execErr != nil {
		return toolexecutor.Result{}, f.execErr
	}
	res := f.results[call.Name]
	res.CallID = call.ID
	res.Name = call.Name
	return res, nil
}

func (f *fakeTools) Close() error {
	f.closed++
	return nil
}

func searchTools() *fakeTools {
	return &fakeTools{
		specs: []toolexecutor.ToolSpec{{
			Name:        "yandex_search",
			Description: "Web search",
			InputSchema: map[string]any{"type": "object"},
		}},
		results: map[string]toolexecutor.Result{
			"yandex_search": {Content: "Парк Горького: каток до 23:00"},
		},
	}
}

func toolCallResponse(id string) *ChatResponse {
	return &ChatResponse{
		ToolCalls: []ToolCall{{ID: id, Name: "yandex_search", Arguments: map[string]any{"query": "каток"}}},
		Usage:     &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func kinds(nodes []Node) []NodeKind {
	out := make([]NodeKind, len(nodes))
	for i, n := range nodes {
		out[i] = n.Kind
	}
	return out
}

func TestNewSessionRequiresClient(t *testing.T) {
	_, err := NewSession(nil)
	assert.Error(t, err)
}

func TestResolveSystemPrompt(t *testing.T) {
	prompts := map[string]string{DefaultAgentName: "configured"}

	assert.Equal(t, "explicit", ResolveSystemPrompt("explicit", prompts, DefaultAgentName))
	assert.Equal(t, "configured", ResolveSystemPrompt("", prompts, DefaultAgentName))
	assert.Equal(t, DefaultSystemPrompt, ResolveSystemPrompt("", nil, DefaultAgentName))
	assert.Equal(t, DefaultSystemPrompt, ResolveSystemPrompt("", map[string]string{DefaultAgentName: ""}, DefaultAgentName))
	assert.Equal(t, DefaultSystemPrompt, ResolveSystemPrompt("", map[string]string{"OTHER": "x"}, DefaultAgentName))
	assert.Equal(t,
		"Ты помощник по поиску мест для досуга в Москве. Отвечай структурировано.",
		DefaultSystemPrompt)
}

func TestSessionUsesResolvedPrompt(t *testing.T) {
	client := &scriptedClient{}
	s, err := NewSession(client, WithPrompts(map[string]string{"SEARCH_AGENT": "Ищи места"}))
	require.NoError(t, err)
	assert.Equal(t, "Ищи места", s.SystemPrompt())

	_, err = s.Run(context.Background(), "привет")
	require.NoError(t, err)
	require.Len(t, client.requests, 1)
	assert.Equal(t, "Ищи места", client.requests[0].SystemPrompt)

	s, err = NewSession(client, WithSystemPrompt("explicit"), WithPrompts(map[string]string{"SEARCH_AGENT": "Ищи места"}))
	require.NoError(t, err)
	assert.Equal(t, "explicit", s.SystemPrompt())
}

func TestRunReturnsFinalText(t *testing.T) {
	client := &scriptedClient{responses: []*ChatResponse{
		toolCallResponse("call_1"),
		{Content: "hello"},
	}}
	s, err := NewSession(client, WithTools(searchTools()))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), "куда сходить?")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRunStreamingOrder(t *testing.T) {
	tools := searchTools()
	client := &scriptedClient{responses: []*ChatResponse{
		toolCallResponse("call_1"),
		{Content: "Сходите на каток в Парк Горького."},
	}}
	s, err := NewSession(client, WithTools(tools))
	require.NoError(t, err)

	nodes, err := s.RunStreaming(context.Background(), "каток")
	require.NoError(t, err)

	assert.Equal(t, []NodeKind{
		NodeUserPrompt,
		NodeModelRequest,
		NodeCallTools,
		NodeToolResult,
		NodeModelRequest,
		NodeCallTools,
		NodeEnd,
	}, kinds(nodes))

	assert.Equal(t, "каток", nodes[0].Text)
	assert.Equal(t, "Парк Горького: каток до 23:00", nodes[3].Text)
	assert.Equal(t, "Сходите на каток в Парк Горького.", nodes[6].Text)
	for _, n := range nodes {
		assert.NotEmpty(t, n.RunID)
		assert.Equal(t, nodes[0].RunID, n.RunID)
	}

	require.Len(t, tools.calls, 1)
	assert.Equal(t, "call_1", tools.calls[0].ID)
	assert.Equal(t, map[string]any{"query": "каток"}, tools.calls[0].Arguments)

	// The second request carries the tool exchange.
	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, RoleUser, second[0].Role)
	assert.Equal(t, RoleAssistant, second[1].Role)
	assert.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Equal(t, tools.specs, client.requests[0].Tools)
}

func TestRunStreamingDiscardsPartialResults(t *testing.T) {
	boom := errors.New("upstream unavailable")
	client := &scriptedClient{
		responses: []*ChatResponse{toolCallResponse("call_1")},
		errs:      []error{nil, boom},
	}
	s, err := NewSession(client, WithTools(searchTools()))
	require.NoError(t, err)

	nodes, err := s.RunStreaming(context.Background(), "каток")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, nodes)
}

func TestCollectPreservesOrder(t *testing.T) {
	seq := func(yield func(Node, error) bool) {
		for _, text := range []string{"A", "B", "C"} {
			if !yield(Node{Kind: NodeCallTools, Text: text}, nil) {
				return
			}
		}
	}

	nodes, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "A", nodes[0].Text)
	assert.Equal(t, "B", nodes[1].Text)
	assert.Equal(t, "C", nodes[2].Text)
}

func TestCollectFailureAfterPartialNodes(t *testing.T) {
	boom := errors.New("stream broke")
	var seq iter.Seq2[Node, error] = func(yield func(Node, error) bool) {
		if !yield(Node{Text: "A"}, nil) {
			return
		}
		if !yield(Node{Text: "B"}, nil) {
			return
		}
		yield(Node{}, boom)
	}

	nodes, err := Collect(seq)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, nodes)
}

func TestDrainCallsOnNode(t *testing.T) {
	seq := func(yield func(Node, error) bool) {
		_ = yield(Node{Kind: NodeUserPrompt, Text: "q"}, nil) &&
			yield(Node{Kind: NodeCallTools, Text: "thinking"}, nil) &&
			yield(Node{Kind: NodeEnd, Text: "hello"}, nil)
	}

	var seen []string
	out, err := Drain(seq, func(n Node) { seen = append(seen, n.Text) })
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, []string{"q", "thinking", "hello"}, seen)
}

func TestDrainWithoutEndNode(t *testing.T) {
	seq := func(yield func(Node, error) bool) {
		yield(Node{Kind: NodeUserPrompt}, nil)
	}

	_, err := Drain(seq, nil)
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestRunMaxStepsExceeded(t *testing.T) {
	client := &scriptedClient{}
	for i := 0; i < 5; i++ {
		client.responses = append(client.responses, toolCallResponse("call"))
	}
	s, err := NewSession(client, WithTools(searchTools()), WithMaxSteps(3))
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "каток")
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, 3, client.calls())
}

func TestRunToolListingFailure(t *testing.T) {
	tools := searchTools()
	tools.listErr = errors.New("connection refused")
	client := &scriptedClient{}
	s, err := NewSession(client, WithTools(tools))
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "каток")
	assert.ErrorIs(t, err, tools.listErr)
	assert.Zero(t, client.calls())
}

func TestRunToolTransportFailure(t *testing.T) {
	tools := searchTools()
	tools.execErr = errors.New("sse stream closed")
	client := &scriptedClient{responses: []*ChatResponse{toolCallResponse("call_1")}}
	s, err := NewSession(client, WithTools(tools))
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "каток")
	assert.ErrorIs(t, err, tools.execErr)
}

func TestRunToolErrorIsFedBack(t *testing.T) {
	tools := searchTools()
	tools.results["yandex_search"] = toolexecutor.Result{Content: "quota exceeded", IsError: true}
	client := &scriptedClient{responses: []*ChatResponse{
		toolCallResponse("call_1"),
		{Content: "Поиск недоступен, попробуйте позже."},
	}}
	s, err := NewSession(client, WithTools(tools))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), "каток")
	require.NoError(t, err)
	assert.Equal(t, "Поиск недоступен, попробуйте позже.", out)

	msgs := client.requests[1].Messages
	assert.True(t, msgs[len(msgs)-1].IsError)
	assert.Equal(t, "quota exceeded", msgs[len(msgs)-1].Content)
}

func TestRunWithoutToolsAnswersUnknownCalls(t *testing.T) {
	client := &scriptedClient{responses: []*ChatResponse{
		toolCallResponse("call_1"),
		{Content: "ok"},
	}}
	s, err := NewSession(client)
	require.NoError(t, err)

	nodes, err := s.RunStreaming(context.Background(), "каток")
	require.NoError(t, err)
	require.Equal(t, NodeToolResult, nodes[3].Kind)
	assert.True(t, nodes[3].ToolResult.IsError)
	assert.Nil(t, client.requests[0].Tools)
}

func TestRunTimeout(t *testing.T) {
	client := &scriptedClient{responses: []*ChatResponse{nil}}
	s, err := NewSession(client, WithRunTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "каток")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCallerCancellation(t *testing.T) {
	client := &scriptedClient{responses: []*ChatResponse{nil}}
	s, err := NewSession(client, WithRunTimeout(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err = s.Run(ctx, "каток")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIterIsLazyAndStoppable(t *testing.T) {
	client := &scriptedClient{}
	s, err := NewSession(client)
	require.NoError(t, err)

	seq := s.Iter(context.Background(), "каток")
	assert.Zero(t, client.calls())

	for node, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, NodeUserPrompt, node.Kind)
		break
	}
	assert.Zero(t, client.calls())
}

func TestSessionClose(t *testing.T) {
	tools := searchTools()
	s, err := NewSession(&scriptedClient{}, WithTools(tools))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, tools.closed)

	_, err = s.Run(context.Background(), "каток")
	assert.ErrorIs(t, err, ErrSessionClosed)

	nodes, err := s.RunStreaming(context.Background(), "каток")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Nil(t, nodes)
}

func TestWithSession(t *testing.T) {
	tools := searchTools()
	s, err := NewSession(&scriptedClient{}, WithTools(tools))
	require.NoError(t, err)

	var out string
	err = WithSession(s, func(s *Session) error {
		var err error
		out, err = s.Run(context.Background(), "каток")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 1, tools.closed)

	boom := errors.New("boom")
	s, err = NewSession(&scriptedClient{})
	require.NoError(t, err)
	err = WithSession(s, func(*Session) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentRuns(t *testing.T) {
	client := &scriptedClient{}
	s, err := NewSession(client)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Run(context.Background(), "каток")
			assert.NoError(t, err)
			assert.Equal(t, "done", out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, client.calls())
}

type staticToolset struct{}

func (staticToolset) Name() string { return "search" }

func (staticToolset) ListTools(ctx context.Context) ([]toolexecutor.ToolSpec, error) {
	return []toolexecutor.ToolSpec{{
		Name: "yandex_search",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
	}}, nil
}

func (staticToolset) CallTool(ctx context.Context, name string, args map[string]any) (toolexecutor.Result, error) {
	return toolexecutor.Result{Content: "found: " + args["query"].(string)}, nil
}

func (staticToolset) Close() error { return nil }

func TestSessionWithToolsets(t *testing.T) {
	client := &scriptedClient{responses: []*ChatResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "yandex_search", Arguments: map[string]any{}}}},
		toolCallResponse("c2"),
		{Content: "готово"},
	}}
	s, err := NewSession(client, WithToolsets(staticToolset{}), WithToolTimeout(time.Second))
	require.NoError(t, err)
	defer s.Close()

	nodes, err := s.RunStreaming(context.Background(), "каток")
	require.NoError(t, err)

	var results []*toolexecutor.Result
	for _, n := range nodes {
		if n.Kind == NodeToolResult {
			results = append(results, n.ToolResult)
		}
	}
	require.Len(t, results, 2)
	assert.True(t, results[0].IsError, "missing required argument is reported to the model")
	assert.False(t, results[1].IsError)
	assert.Equal(t, "found: каток", results[1].Content)
}
