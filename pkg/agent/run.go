package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/tracing"
	"github.com/harun/dosug/pkg/toolexecutor"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNoOutput is returned by Drain when a run ended without an end node.
var ErrNoOutput = errors.New("run finished without a final answer")

// Iter starts a run lazily: nothing happens until the sequence is ranged
// over, and the run executes in the ranging goroutine. Nodes are yielded
// in production order. A failure is yielded once as a non-nil error and
// ends the sequence. Breaking out of the loop stops the run.
func (s *Session) Iter(ctx context.Context, query string) iter.Seq2[Node, error] {
	return func(yield func(Node, error) bool) {
		if s.closed.Load() {
			yield(Node{}, ErrSessionClosed)
			return
		}

		ctx, runID := tracing.NewRunContext(ctx)
		if s.runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
			defer cancel()
		}

		ctx, span := tracing.StartSpan(ctx, "agent", "agent.run",
			attribute.String("agent.provider", s.client.Provider()),
			attribute.String("agent.model", s.client.Model()),
			attribute.String("agent.run_id", runID),
		)
		logger := tracing.LoggerFromContext(ctx, s.logger)

		r := &run{session: s, runID: runID, yield: yield}
		start := time.Now()
		err := r.loop(ctx, query)

		if errors.Is(err, errStopped) {
			logger.Debug().Int("steps", r.steps).Msg("Agent run stopped by consumer")
			err = nil
			r.stopped = true
		}

		span.SetAttributes(attribute.Int("agent.steps", r.steps))
		tracing.EndSpan(span, err)
		observability.RecordAgentRun(s.client.Provider(), time.Since(start), r.steps, err == nil)

		switch {
		case r.stopped:
		case err != nil:
			logger.Error().Err(err).Int("steps", r.steps).Dur("duration", time.Since(start)).Msg("Agent run failed")
			yield(Node{}, err)
		default:
			logger.Info().Int("steps", r.steps).Dur("duration", time.Since(start)).Msg("Agent run completed")
		}
	}
}

// errStopped marks a run abandoned by its consumer.
var errStopped = errors.New("run stopped by consumer")

type run struct {
	session *Session
	runID   string
	yield   func(Node, error) bool
	steps   int
	stopped bool
}

func (r *run) emit(n Node) error {
	n.RunID = r.runID
	if !r.yield(n, nil) {
		return errStopped
	}
	return nil
}

func (r *run) loop(ctx context.Context, query string) error {
	s := r.session

	if err := r.emit(Node{Kind: NodeUserPrompt, Text: query}); err != nil {
		return err
	}

	var tools []toolexecutor.ToolSpec
	if s.tools != nil {
		var err error
		if tools, err = s.tools.Tools(ctx); err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
	}

	transcript := []Message{{Role: RoleUser, Content: query}}

	for r.steps < s.maxSteps {
		r.steps++
		step := r.steps

		if err := r.emit(Node{Kind: NodeModelRequest, Step: step}); err != nil {
			return err
		}

		resp, err := s.client.Complete(ctx, ChatRequest{
			SystemPrompt: s.systemPrompt,
			Messages:     transcript,
			Tools:        tools,
		})
		if err != nil {
			return fmt.Errorf("model request: %w", err)
		}
		if resp.Usage != nil {
			observability.RecordTokenUsage(s.client.Provider(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}

		if err := r.emit(Node{
			Kind:      NodeCallTools,
			Step:      step,
			Text:      resp.Content,
			ToolCalls: resp.ToolCalls,
			Usage:     resp.Usage,
		}); err != nil {
			return err
		}

		if len(resp.ToolCalls) == 0 {
			return r.emit(Node{Kind: NodeEnd, Step: step, Text: resp.Content})
		}

		transcript = append(transcript, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			res, err := r.execute(ctx, tc)
			if err != nil {
				return fmt.Errorf("tool %s: %w", tc.Name, err)
			}

			if err := r.emit(Node{Kind: NodeToolResult, Step: step, Text: res.Content, ToolResult: &res}); err != nil {
				return err
			}

			transcript = append(transcript, Message{
				Role:       RoleTool,
				Content:    res.Content,
				ToolCallID: tc.ID,
				IsError:    res.IsError,
			})
		}
	}

	return ErrMaxStepsExceeded
}

func (r *run) execute(ctx context.Context, tc ToolCall) (toolexecutor.Result, error) {
	if r.session.tools == nil {
		return toolexecutor.Result{
			CallID:  tc.ID,
			Name:    tc.Name,
			Content: fmt.Sprintf("tool not found: %s", tc.Name),
			IsError: true,
		}, nil
	}
	return r.session.tools.Execute(ctx, toolexecutor.Call{
		ID:        tc.ID,
		Name:      tc.Name,
		Arguments: tc.Arguments,
	})
}

// RunStreaming runs query to completion and returns every node in order.
// On failure nothing collected so far is returned.
func (s *Session) RunStreaming(ctx context.Context, query string) ([]Node, error) {
	return Collect(s.Iter(ctx, query))
}

// Run runs query to completion and returns the final answer.
func (s *Session) Run(ctx context.Context, query string) (string, error) {
	return Drain(s.Iter(ctx, query), nil)
}

// Collect gathers a whole run. Partial results are discarded on failure.
func Collect(seq iter.Seq2[Node, error]) ([]Node, error) {
	var nodes []Node
	for node, err := range seq {
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Drain consumes a run, passing each node to onNode when it is set, and
// returns the text of the end node.
func Drain(seq iter.Seq2[Node, error], onNode func(Node)) (string, error) {
	var (
		output string
		ended  bool
	)
	for node, err := range seq {
		if err != nil {
			return "", err
		}
		if onNode != nil {
			onNode(node)
		}
		if node.IsEnd() {
			output, ended = node.Text, true
		}
	}
	if !ended {
		return "", ErrNoOutput
	}
	return output, nil
}
