package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/dosug/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// DefaultSystemPrompt is used when neither an explicit prompt nor a
// configured one is available.
const DefaultSystemPrompt = "Ты помощник по поиску мест для досуга в Москве. Отвечай структурировано."

// DefaultAgentName keys the configured prompt of the search agent.
const DefaultAgentName = "SEARCH_AGENT"

const (
	defaultMaxSteps   = 10
	defaultRunTimeout = 2 * time.Minute
)

var (
	ErrMaxStepsExceeded = errors.New("maximum model requests per run exceeded")
	ErrSessionClosed    = errors.New("agent session is closed")
)

// ToolRunner lists and executes the tools available to a session.
// *toolexecutor.Executor implements it.
type ToolRunner interface {
	Tools(ctx context.Context) ([]toolexecutor.ToolSpec, error)
	Execute(ctx context.Context, call toolexecutor.Call) (toolexecutor.Result, error)
	Close() error
}

// Session binds one model client, a system prompt and a fixed tool set.
// It holds no per-run state, so concurrent runs are safe.
type Session struct {
	client       ChatClient
	tools        ToolRunner
	systemPrompt string
	maxSteps     int
	runTimeout   time.Duration
	logger       zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type sessionOptions struct {
	systemPrompt string
	prompts      map[string]string
	agentName    string
	tools        ToolRunner
	toolsets     []toolexecutor.Toolset
	toolTimeout  time.Duration
	maxSteps     int
	runTimeout   time.Duration
	logger       zerolog.Logger
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

// WithSystemPrompt sets an explicit system prompt. Empty means unset.
func WithSystemPrompt(prompt string) SessionOption {
	return func(o *sessionOptions) { o.systemPrompt = prompt }
}

// WithPrompts sets the configured prompts, keyed by agent name.
func WithPrompts(prompts map[string]string) SessionOption {
	return func(o *sessionOptions) { o.prompts = prompts }
}

// WithAgentName selects which configured prompt applies.
func WithAgentName(name string) SessionOption {
	return func(o *sessionOptions) { o.agentName = name }
}

// WithTools sets the tool runner. It replaces any WithToolsets option.
func WithTools(tools ToolRunner) SessionOption {
	return func(o *sessionOptions) { o.tools = tools }
}

// WithToolsets exposes the tools of the given toolsets, in order.
func WithToolsets(toolsets ...toolexecutor.Toolset) SessionOption {
	return func(o *sessionOptions) { o.toolsets = append(o.toolsets, toolsets...) }
}

// WithToolTimeout bounds each tool call made through WithToolsets.
func WithToolTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.toolTimeout = d }
}

// WithMaxSteps bounds the model requests per run.
func WithMaxSteps(n int) SessionOption {
	return func(o *sessionOptions) { o.maxSteps = n }
}

// WithRunTimeout sets a deadline for every run. Zero disables it.
func WithRunTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.runTimeout = d }
}

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

// NewSession creates a session around client.
func NewSession(client ChatClient, opts ...SessionOption) (*Session, error) {
	if client == nil {
		return nil, errors.New("agent session requires a model client")
	}

	o := sessionOptions{
		agentName:  DefaultAgentName,
		maxSteps:   defaultMaxSteps,
		runTimeout: defaultRunTimeout,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxSteps <= 0 {
		o.maxSteps = defaultMaxSteps
	}
	if o.runTimeout < 0 {
		o.runTimeout = 0
	}

	tools := o.tools
	if tools == nil && len(o.toolsets) > 0 {
		tools = toolexecutor.NewExecutor(toolexecutor.Config{
			Timeout: o.toolTimeout,
			Logger:  o.logger,
		}, o.toolsets...)
	}

	return &Session{
		client:       client,
		tools:        tools,
		systemPrompt: ResolveSystemPrompt(o.systemPrompt, o.prompts, o.agentName),
		maxSteps:     o.maxSteps,
		runTimeout:   o.runTimeout,
		logger: o.logger.With().
			Str("component", "agent").
			Str("provider", client.Provider()).
			Str("model", client.Model()).
			Logger(),
	}, nil
}

// ResolveSystemPrompt picks the explicit prompt, then the configured prompt
// for agentName, then DefaultSystemPrompt.
func ResolveSystemPrompt(explicit string, prompts map[string]string, agentName string) string {
	if explicit != "" {
		return explicit
	}
	if p := prompts[agentName]; p != "" {
		return p
	}
	return DefaultSystemPrompt
}

// SystemPrompt returns the resolved system prompt.
func (s *Session) SystemPrompt() string {
	return s.systemPrompt
}

// Client returns the model client.
func (s *Session) Client() ChatClient {
	return s.client
}

// Close releases the tool connections. Runs started afterwards fail with
// ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.tools != nil {
			s.closeErr = s.tools.Close()
		}
	})
	return s.closeErr
}

// WithSession calls fn with s and closes s afterwards, joining the errors.
func WithSession(s *Session, fn func(*Session) error) error {
	err := fn(s)
	return errors.Join(err, s.Close())
}
