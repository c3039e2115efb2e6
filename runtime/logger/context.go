// Package logger provides structured logging with automatic secret redaction.
package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyTaskID identifies the task a log record belongs to.
	ContextKeyTaskID contextKey = "task_id"

	// ContextKeyStageName identifies the pipeline stage currently executing.
	ContextKeyStageName contextKey = "stage_name"

	// ContextKeyBackendID identifies the backend handling a request.
	ContextKeyBackendID contextKey = "backend_id"

	// ContextKeyWorkerID identifies the LLM worker goroutine handling a session.
	ContextKeyWorkerID contextKey = "worker_id"

	// ContextKeySessionID identifies the LLM session a log record belongs to.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRequestID identifies the individual request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID is used for distributed tracing.
	ContextKeyCorrelationID contextKey = "correlation_id"

	// ContextKeyEnvironment identifies the deployment environment.
	ContextKeyEnvironment contextKey = "environment"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeyTaskID,
	ContextKeyStageName,
	ContextKeyBackendID,
	ContextKeyWorkerID,
	ContextKeySessionID,
	ContextKeyRequestID,
	ContextKeyCorrelationID,
	ContextKeyEnvironment,
}

// WithTaskID returns a new context with the task ID set.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// WithStageName returns a new context with the pipeline stage name set.
func WithStageName(ctx context.Context, stageName string) context.Context {
	return context.WithValue(ctx, ContextKeyStageName, stageName)
}

// WithBackendID returns a new context with the backend id set.
func WithBackendID(ctx context.Context, backendID string) context.Context {
	return context.WithValue(ctx, ContextKeyBackendID, backendID)
}

// WithWorkerID returns a new context with the worker id set.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, workerID)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// WithEnvironment returns a new context with the environment set.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, environment)
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// This is a convenience function for setting multiple fields in one call.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.TaskID != "" {
		ctx = WithTaskID(ctx, fields.TaskID)
	}
	if fields.StageName != "" {
		ctx = WithStageName(ctx, fields.StageName)
	}
	if fields.BackendID != "" {
		ctx = WithBackendID(ctx, fields.BackendID)
	}
	if fields.WorkerID != "" {
		ctx = WithWorkerID(ctx, fields.WorkerID)
	}
	if fields.SessionID != "" {
		ctx = WithSessionID(ctx, fields.SessionID)
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, fields.CorrelationID)
	}
	if fields.Environment != "" {
		ctx = WithEnvironment(ctx, fields.Environment)
	}
	return ctx
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	TaskID        string
	StageName     string
	BackendID     string
	WorkerID      string
	SessionID     string
	RequestID     string
	CorrelationID string
	Environment   string
}

// ExtractLoggingFields extracts all logging fields from a context.
// Returns a LoggingFields struct with all values found in the context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyTaskID); v != nil {
		fields.TaskID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyStageName); v != nil {
		fields.StageName, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyBackendID); v != nil {
		fields.BackendID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyWorkerID); v != nil {
		fields.WorkerID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyCorrelationID); v != nil {
		fields.CorrelationID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyEnvironment); v != nil {
		fields.Environment, _ = v.(string)
	}
	return fields
}
