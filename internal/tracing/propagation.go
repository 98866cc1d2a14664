package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.ChatID != 0 {
		logger = logger.With().Int64("chat_id", tc.ChatID).Logger()
	}
	if tc.UserID != 0 {
		logger = logger.With().Int64("user_id", tc.UserID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context.
// Values already present on target win.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.ChatID != 0 && GetChatID(target) == 0 {
		target = WithChatID(target, tc.ChatID)
	}
	if tc.UserID != 0 && GetUserID(target) == 0 {
		target = WithUserID(target, tc.UserID)
	}

	return target
}

// Detach copies the tracing values onto a background context, dropping
// the parent's cancellation. Used for work that must finish after the
// triggering request is gone, such as shutdown notifications.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
