package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 10 * 1024 // 10KB
)

// Config holds executor settings
type Config struct {
	Timeout   time.Duration // per call, 30s when zero
	MaxOutput int           // bytes of tool output kept, 10KB when zero
	Logger    zerolog.Logger
}

type route struct {
	toolset  Toolset
	original string
	schema   *gojsonschema.Schema
}

// Executor presents the tools of several toolsets as one flat namespace.
type Executor struct {
	toolsets  []Toolset
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger

	mu     sync.RWMutex
	specs  []ToolSpec
	routes map[string]route
}

// NewExecutor creates an executor over toolsets, in order.
func NewExecutor(cfg Config, toolsets ...Toolset) *Executor {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}

	return &Executor{
		toolsets:  toolsets,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    cfg.Logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// Tools lists every tool across the toolsets. The first successful listing
// is cached; a failed listing is returned as an error and retried next time.
func (e *Executor) Tools(ctx context.Context) ([]ToolSpec, error) {
	e.mu.RLock()
	specs := e.specs
	e.mu.RUnlock()
	if specs != nil {
		return specs, nil
	}

	specs = []ToolSpec{}
	routes := make(map[string]route)

	for _, ts := range e.toolsets {
		listed, err := ts.ListTools(ctx)
		if err != nil {
			return nil, err
		}

		for _, spec := range listed {
			name := spec.Name
			if _, taken := routes[name]; taken {
				name = ts.Name() + "_" + spec.Name
				e.logger.Warn().
					Str("tool", spec.Name).
					Str("renamed", name).
					Msg("Tool name conflict, prefixing with endpoint name")
			}
			if _, taken := routes[name]; taken {
				return nil, fmt.Errorf("duplicate tool name %q", name)
			}

			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.InputSchema))
			if err != nil {
				e.logger.Warn().Err(err).Str("tool", name).Msg("Tool schema not usable for validation")
				schema = nil
			}

			routes[name] = route{toolset: ts, original: spec.Name, schema: schema}
			specs = append(specs, ToolSpec{
				Name:        name,
				Description: spec.Description,
				InputSchema: spec.InputSchema,
			})
		}
	}

	e.mu.Lock()
	e.specs = specs
	e.routes = routes
	e.mu.Unlock()

	return specs, nil
}

// Execute runs one call. Problems the model can fix (unknown tool, bad
// arguments, tool-reported errors, tool timeouts) come back as an error
// Result; a failure to reach the tool server is returned as an error.
func (e *Executor) Execute(ctx context.Context, call Call) (Result, error) {
	if _, err := e.Tools(ctx); err != nil {
		return Result{}, err
	}

	e.mu.RLock()
	r, ok := e.routes[call.Name]
	e.mu.RUnlock()

	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", call.Name).Logger()

	if !ok {
		logger.Warn().Msg("Model called an unknown tool")
		return e.errorResult(call, fmt.Sprintf("tool not found: %s", call.Name)), nil
	}

	if err := validateArguments(r.schema, call.Arguments); err != nil {
		logger.Warn().Err(err).Msg("Tool argument validation failed")
		return e.errorResult(call, fmt.Sprintf("parameter validation failed: %v", err)), nil
	}

	ctx, span := tracing.StartSpan(ctx, "toolexecutor", "tool.call",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.endpoint", r.toolset.Name()),
	)

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	res, err := r.toolset.CallTool(callCtx, r.original, call.Arguments)
	cancel()
	duration := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Warn().Dur("duration", duration).Msg("Tool execution timeout")
		observability.RecordToolExecution(call.Name, duration, false)
		tracing.EndSpan(span, err)
		return e.errorResult(call, fmt.Sprintf("tool execution timeout after %v", e.timeout)), nil
	}
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		observability.RecordToolExecution(call.Name, duration, false)
		tracing.EndSpan(span, err)
		return Result{}, err
	}

	res.CallID = call.ID
	res.Name = call.Name
	res.Content, res.Truncated = e.truncateOutput(res.Content)

	observability.RecordToolExecution(call.Name, duration, !res.IsError)
	tracing.EndSpan(span, nil)

	logger.Debug().
		Dur("duration", duration).
		Bool("is_error", res.IsError).
		Bool("truncated", res.Truncated).
		Msg("Tool execution completed")

	return res, nil
}

// Close closes every toolset and joins their errors.
func (e *Executor) Close() error {
	var errs []error
	for _, ts := range e.toolsets {
		if err := ts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ts.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) errorResult(call Call, msg string) Result {
	return Result{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
}

// truncateOutput cuts output above the size limit on a rune boundary.
func (e *Executor) truncateOutput(output string) (string, bool) {
	if len(output) <= e.maxOutput {
		return output, false
	}

	cut := e.maxOutput
	for cut > 0 && !isRuneStart(output[cut]) {
		cut--
	}

	e.logger.Warn().
		Int("original", len(output)).
		Int("truncated", cut).
		Msg("Output truncated")

	return output[:cut] + "\n... [output truncated]", true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	return nil
}
