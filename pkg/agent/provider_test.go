package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/dosug/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClient(t *testing.T) {
	client, err := BuildClient(ModelConfig{Model: "gpt-4o-mini", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, client.Provider())
	assert.Equal(t, "gpt-4o-mini", client.Model())

	client, err = BuildClient(ModelConfig{Provider: ProviderAnthropic, Model: "claude-sonnet-4-5", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, client.Provider())

	_, err = BuildClient(ModelConfig{Provider: "gemini"})
	assert.Error(t, err)
}

type capturedRequest struct {
	path   string
	header http.Header
	body   map[string]any
}

func jsonServer(t *testing.T, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured.path = r.URL.Path
		captured.header = r.Header.Clone()
		require.NoError(t, json.Unmarshal(raw, &captured.body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

var searchSpec = toolexecutor.ToolSpec{
	Name:        "yandex_search",
	Description: "Web search",
	InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []any{"query"},
	},
}

func TestOpenAIClientComplete(t *testing.T) {
	srv, captured := jsonServer(t, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "yandex_search", "arguments": "{\"query\":\"каток\"}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
	}`)

	client := NewOpenAIClient(ModelConfig{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   256,
		TopP:        0.9,
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
	})

	resp, err := client.Complete(context.Background(), ChatRequest{
		SystemPrompt: "system",
		Messages: []Message{
			{Role: RoleUser, Content: "куда сходить?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "yandex_search", Arguments: map[string]any{"query": "театр"}}}},
			{Role: RoleTool, ToolCallID: "call_0", Content: "Большой театр"},
		},
		Tools: []toolexecutor.ToolSpec{searchSpec},
	})
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", captured.path)
	assert.Equal(t, "Bearer sk-test", captured.header.Get("Authorization"))
	assert.Equal(t, "gpt-4o-mini", captured.body["model"])
	assert.Equal(t, 0.3, captured.body["temperature"])
	assert.Equal(t, 0.9, captured.body["top_p"])
	assert.Equal(t, float64(256), captured.body["max_tokens"])

	messages, ok := captured.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "tool", messages[3].(map[string]any)["role"])
	assert.Equal(t, "call_0", messages[3].(map[string]any)["tool_call_id"])

	tools, ok := captured.body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "yandex_search", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"query": "каток"}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, &TokenUsage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
}

func TestOpenAIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient(ModelConfig{Model: "gpt-4o-mini", APIKey: "bad", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.Error(t, err)
}

func TestAnthropicClientComplete(t *testing.T) {
	srv, captured := jsonServer(t, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "Ищу. "},
			{"type": "tool_use", "id": "toolu_1", "name": "yandex_search", "input": {"query": "каток"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 9}
	}`)

	client := NewAnthropicClient(ModelConfig{
		Provider:    ProviderAnthropic,
		Model:       "claude-sonnet-4-5",
		Temperature: 0.5,
		MaxTokens:   1024,
		TopP:        0.95,
		APIKey:      "sk-ant-test",
		BaseURL:     srv.URL,
	})

	resp, err := client.Complete(context.Background(), ChatRequest{
		SystemPrompt: "system",
		Messages: []Message{
			{Role: RoleUser, Content: "куда сходить?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "toolu_a", Name: "yandex_search", Arguments: map[string]any{"query": "театр"}},
				{ID: "toolu_b", Name: "yandex_search", Arguments: map[string]any{"query": "музей"}},
			}},
			{Role: RoleTool, ToolCallID: "toolu_a", Content: "Большой театр"},
			{Role: RoleTool, ToolCallID: "toolu_b", Content: "timeout", IsError: true},
		},
		Tools: []toolexecutor.ToolSpec{searchSpec},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", captured.path)
	assert.Equal(t, "sk-ant-test", captured.header.Get("X-Api-Key"))
	assert.Equal(t, "claude-sonnet-4-5", captured.body["model"])
	assert.Equal(t, float64(1024), captured.body["max_tokens"])
	assert.Equal(t, 0.5, captured.body["temperature"])

	messages, ok := captured.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3, "tool results of one turn share a user message")
	results := messages[2].(map[string]any)["content"].([]any)
	assert.Len(t, results, 2)

	assert.Equal(t, "Ищу. ", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"query": "каток"}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, &TokenUsage{InputTokens: 20, OutputTokens: 9}, resp.Usage)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, requiredFields([]any{"a", 1, "b"}))
	assert.Equal(t, []string{"x"}, requiredFields([]string{"x"}))
	assert.Nil(t, requiredFields(nil))
}
