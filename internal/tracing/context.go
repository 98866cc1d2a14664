package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for an agent run ID
	RunIDKey ContextKey = "run_id"
	// ChatIDKey is the context key for the Telegram chat the work belongs to
	ChatIDKey ContextKey = "chat_id"
	// UserIDKey is the context key for the Telegram user the work belongs to
	UserIDKey ContextKey = "user_id"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	RunID   string
	ChatID  int64
	UserID  int64
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a short run ID suitable for log lines.
func NewRunID() string {
	id, err := gonanoid.Generate(runIDAlphabet, 12)
	if err != nil {
		return uuid.New().String()
	}
	return "run_" + id
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithChatID adds a chat ID to the context
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetChatID retrieves the chat ID from the context
func GetChatID(ctx context.Context) int64 {
	if chatID, ok := ctx.Value(ChatIDKey).(int64); ok {
		return chatID
	}
	return 0
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) int64 {
	if userID, ok := ctx.Value(UserIDKey).(int64); ok {
		return userID
	}
	return 0
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		RunID:   GetRunID(ctx),
		ChatID:  GetChatID(ctx),
		UserID:  GetUserID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.ChatID != 0 {
		ctx = WithChatID(ctx, tc.ChatID)
	}
	if tc.UserID != 0 {
		ctx = WithUserID(ctx, tc.UserID)
	}
	return ctx
}

// NewUpdateContext creates the context for one incoming chat update.
func NewUpdateContext(ctx context.Context, chatID, userID int64) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithChatID(ctx, chatID)
	return WithUserID(ctx, userID)
}

// NewRunContext attaches a fresh run ID, keeping the parent trace.
func NewRunContext(ctx context.Context) (context.Context, string) {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	runID := NewRunID()
	return WithRunID(ctx, runID), runID
}
