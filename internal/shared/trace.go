package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type dispatchIDKey struct{}
type projectKey struct{}

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

// WithTaskID attaches a dispatch task id to the context.
func WithTaskID(ctx context.Context, taskID int) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the dispatch task id from context. Returns 0 if absent.
func TaskID(ctx context.Context) int {
	if v, ok := ctx.Value(taskIDKey{}).(int); ok {
		return v
	}
	return 0
}

// WithDispatchID attaches a dispatch_id to the context.
func WithDispatchID(ctx context.Context, dispatchID string) context.Context {
	return context.WithValue(ctx, dispatchIDKey{}, dispatchID)
}

// DispatchID extracts dispatch_id from context. Returns "" if absent.
func DispatchID(ctx context.Context) string {
	if v, ok := ctx.Value(dispatchIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithProjectPath attaches the originating project path to the context.
func WithProjectPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, projectKey{}, path)
}

// ProjectPath extracts the originating project path from context. Returns "" if absent.
func ProjectPath(ctx context.Context) string {
	if v, ok := ctx.Value(projectKey{}).(string); ok {
		return v
	}
	return ""
}
