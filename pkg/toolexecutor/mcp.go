package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

const (
	clientName     = "dosug"
	clientVersion  = "0.1.0"
	connectTimeout = 15 * time.Second
)

// MCPToolset talks to a remote MCP server over SSE. The connection is
// opened on first use and the tool list is cached after the first
// successful listing.
type MCPToolset struct {
	endpoint     Endpoint
	logger       zerolog.Logger
	newTransport func() mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
	cancel  context.CancelFunc
	tools   []ToolSpec
}

// MCPOption customizes an MCPToolset.
type MCPOption func(*MCPToolset)

// WithHTTPClient sets the base HTTP client for the SSE transport.
// The endpoint headers are layered on top of it.
func WithHTTPClient(client *http.Client) MCPOption {
	return func(t *MCPToolset) {
		t.newTransport = func() mcp.Transport {
			return &mcp.SSEClientTransport{
				Endpoint:   t.endpoint.URL,
				HTTPClient: t.endpoint.HTTPClient(client),
			}
		}
	}
}

// WithTransport replaces the SSE transport, e.g. with an in-memory one.
func WithTransport(newTransport func() mcp.Transport) MCPOption {
	return func(t *MCPToolset) {
		t.newTransport = newTransport
	}
}

// NewMCPToolset creates a toolset for endpoint. No network I/O happens here.
func NewMCPToolset(endpoint Endpoint, logger zerolog.Logger, opts ...MCPOption) *MCPToolset {
	t := &MCPToolset{
		endpoint: endpoint,
		logger: logger.With().
			Str("component", "mcp").
			Str("endpoint", endpoint.Name).
			Logger(),
	}
	WithHTTPClient(nil)(t)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the endpoint name.
func (t *MCPToolset) Name() string {
	return t.endpoint.Name
}

// Endpoint returns the endpoint descriptor.
func (t *MCPToolset) Endpoint() Endpoint {
	return t.endpoint
}

// connect opens the session on first use. The SSE stream outlives the
// caller's context: it is bound to a context owned by the toolset and
// cancelled by reset or Close. Only the handshake follows ctx and
// connectTimeout.
func (t *MCPToolset) connect(ctx context.Context) (*mcp.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return t.session, nil
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}, nil)

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAbort := context.AfterFunc(ctx, cancel)
	timer := time.AfterFunc(connectTimeout, cancel)

	session, err := client.Connect(sessionCtx, t.newTransport(), nil)
	aborted := !stopAbort()
	expired := !timer.Stop()
	if err == nil && (aborted || expired) {
		_ = session.Close()
		err = context.Cause(sessionCtx)
		if aborted && ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp %s: connect: %w", t.endpoint.Name, err)
	}

	t.session = session
	t.cancel = cancel
	t.logger.Info().Str("url", t.endpoint.URL).Msg("MCP session established")
	return session, nil
}

// reset drops a broken session so the next call reconnects.
func (t *MCPToolset) reset(broken *mcp.ClientSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != broken {
		return
	}
	_ = t.closeLocked()
}

func (t *MCPToolset) closeLocked() error {
	err := t.session.Close()
	t.cancel()
	t.session = nil
	t.cancel = nil
	return err
}

// ListTools returns the server's tools, fetching them once per session.
func (t *MCPToolset) ListTools(ctx context.Context) ([]ToolSpec, error) {
	t.mu.Lock()
	cached := t.tools
	t.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	session, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	var specs []ToolSpec
	params := &mcp.ListToolsParams{}
	for {
		result, err := session.ListTools(ctx, params)
		if err != nil {
			t.reset(session)
			return nil, fmt.Errorf("mcp %s: list tools: %w", t.endpoint.Name, err)
		}
		for _, tool := range result.Tools {
			spec, err := fromSDKTool(tool)
			if err != nil {
				return nil, fmt.Errorf("mcp %s: convert tool %q: %w", t.endpoint.Name, tool.Name, err)
			}
			specs = append(specs, spec)
		}
		if result.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: result.NextCursor}
	}
	if specs == nil {
		specs = []ToolSpec{}
	}

	t.mu.Lock()
	t.tools = specs
	t.mu.Unlock()

	t.logger.Debug().Int("tools", len(specs)).Msg("MCP tools listed")
	return specs, nil
}

// CallTool invokes a tool. A result flagged IsError by the server is
// returned as an error Result, not a Go error.
func (t *MCPToolset) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	session, err := t.connect(ctx)
	if err != nil {
		return Result{}, err
	}

	if args == nil {
		args = map[string]any{}
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() == nil {
			t.reset(session)
		}
		return Result{}, fmt.Errorf("mcp %s: call %s: %w", t.endpoint.Name, name, err)
	}

	return Result{
		Name:    name,
		Content: extractText(res),
		IsError: res.IsError,
	}, nil
}

// Close closes the MCP session if one is open.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tools = nil
	if t.session == nil {
		return nil
	}
	return t.closeLocked()
}

func fromSDKTool(tool *mcp.Tool) (ToolSpec, error) {
	schema := map[string]any{"type": "object"}
	if tool.InputSchema != nil {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return ToolSpec{}, fmt.Errorf("marshal input schema: %w", err)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return ToolSpec{}, fmt.Errorf("unmarshal input schema: %w", err)
		}
	}

	return ToolSpec{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, nil
}

// extractText joins the text content of a result. Structured content is
// used as a fallback when the server sent no text.
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) == 0 && result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			return string(raw)
		}
	}
	return strings.Join(texts, "\n")
}
