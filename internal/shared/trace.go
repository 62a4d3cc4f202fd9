package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type jobKey struct{}
type sessionKey struct{}

// DefaultSession is the session a job or tool call targets when none is named.
const DefaultSession = "main"

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithJob attaches the scheduled job name to the context.
func WithJob(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, jobKey{}, name)
}

// Job extracts the job name from context. Returns "" if absent.
func Job(ctx context.Context) string {
	if v, ok := ctx.Value(jobKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSession attaches the session name to the context.
func WithSession(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, sessionKey{}, name)
}

// Session extracts the session name from context. Returns "" if absent.
func Session(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the context identifiers as slog arguments, skipping empty ones.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	if v := Job(ctx); v != "" {
		attrs = append(attrs, "job", v)
	}
	if v := Session(ctx); v != "" {
		attrs = append(attrs, "session", v)
	}
	return attrs
}

// Logger returns base enriched with the identifiers carried by ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(LogAttrs(ctx)...)
}
