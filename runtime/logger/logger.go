// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Orchestrator lifecycle logging (task submission, stage transitions, failures)
//   - Backend dispatch logging (admission, queueing, replies)
//   - LLM engine logging (session lifecycle, worker batching steps)
//   - Automatic API-key redaction for HTTP-backed backends (e.g. vLLM)
//   - Contextual logging with task/session/backend tracing
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	// logOutput is the writer the default handler chain renders to. SetOutput
	// changes it; it has no effect once a custom logger is installed.
	logOutput io.Writer = os.Stderr

	// currentFormat is either FormatText or FormatJSON.
	currentFormat = FormatText

	// currentLevel is the level the default handler chain was last built with.
	currentLevel = slog.LevelInfo

	// customHandler is non-nil once SetLogger installs a caller-supplied
	// logger, at which point SetLevel/SetOutput/Configure become no-ops so
	// the caller's choice isn't silently clobbered.
	customHandler slog.Handler
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}
	if envFormat := os.Getenv("LOG_FORMAT"); strings.EqualFold(envFormat, FormatJSON) {
		currentFormat = FormatJSON
	}
	initLogger(level, nil)
}

// ParseLevel maps a case-insensitive level name to its slog.Level, falling
// back to slog.LevelInfo for anything unrecognized.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger (re)builds the default handler chain from currentFormat and
// logOutput at the given level, then installs it as both DefaultLogger and
// the slog package default. It does not check customHandler; callers that
// must respect a caller-installed logger do that check themselves.
func initLogger(level slog.Level, commonFields []slog.Attr) {
	currentLevel = level
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if currentFormat == FormatJSON {
		base = slog.NewJSONHandler(logOutput, opts)
	} else {
		base = slog.NewTextHandler(logOutput, opts)
	}

	DefaultLogger = slog.New(NewContextHandler(base, commonFields...))
	slog.SetDefault(DefaultLogger)
}

// SetLevel changes the logging level for all subsequent log operations.
// It is a no-op once a caller-supplied logger has been installed via
// SetLogger, so that choice isn't silently overridden.
func SetLevel(level slog.Level) {
	if customHandler != nil {
		return
	}
	initLogger(level, nil)
}

// SetOutput redirects the default handler chain's destination. A nil
// writer resets output to os.Stderr. It is a no-op once a caller-supplied
// logger has been installed via SetLogger.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logOutput = w
	if customHandler != nil {
		return
	}
	initLogger(currentLevel, nil)
}

// SetLogger installs l as DefaultLogger, bypassing the package's own
// handler chain entirely. Subsequent SetLevel/SetOutput/Configure calls
// become no-ops until SetLogger(nil) restores the default chain.
func SetLogger(l *slog.Logger) {
	if l == nil {
		customHandler = nil
		initLogger(currentLevel, nil)
		return
	}
	customHandler = l.Handler()
	DefaultLogger = l
	slog.SetDefault(l)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
// The context can be used for request tracing and cancellation.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// TaskSubmitted logs the acceptance of a new task submission.
func TaskSubmitted(taskID uint64, numStages int, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "task_id", taskID, "stages", numStages)
	allAttrs = append(allAttrs, attrs...)
	Info("task submitted", allAttrs...)
}

// TaskStageStarted logs a task entering a stage's Running status.
func TaskStageStarted(taskID uint64, stageIndex int, stageName string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs, "task_id", taskID, "stage_index", stageIndex, "stage_name", stageName)
	allAttrs = append(allAttrs, attrs...)
	Debug("task stage started", allAttrs...)
}

// TaskSucceeded logs a task reaching a terminal Succeeded or SucceededStreaming status.
func TaskSucceeded(taskID uint64, streaming bool, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "task_id", taskID, "streaming", streaming)
	allAttrs = append(allAttrs, attrs...)
	Info("task succeeded", allAttrs...)
}

// TaskFailed logs a task reaching a terminal Failed status.
func TaskFailed(taskID uint64, err error, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "task_id", taskID, "error", err)
	allAttrs = append(allAttrs, attrs...)
	Error("task failed", allAttrs...)
}

// TaskCancelled logs a task reaching a terminal Cancelled status.
func TaskCancelled(taskID uint64, attrs ...any) {
	allAttrs := make([]any, 0, 2+len(attrs))
	allAttrs = append(allAttrs, "task_id", taskID)
	allAttrs = append(allAttrs, attrs...)
	Info("task cancelled", allAttrs...)
}

// BackendDispatch logs a stage's request being handed to a backend's ingress queue.
func BackendDispatch(backendID, op string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "backend_id", backendID, "op", op)
	allAttrs = append(allAttrs, attrs...)
	Debug("backend dispatch", allAttrs...)
}

// BackendBusy logs an admission rejection for a backend.
func BackendBusy(backendID string, attrs ...any) {
	allAttrs := make([]any, 0, 2+len(attrs))
	allAttrs = append(allAttrs, "backend_id", backendID)
	allAttrs = append(allAttrs, attrs...)
	Warn("backend busy", allAttrs...)
}

// SessionCreated logs the creation of a new LLM session and its worker pin.
func SessionCreated(sessionID uint64, workerIndex int, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "session_id", sessionID, "worker", workerIndex)
	allAttrs = append(allAttrs, attrs...)
	Info("session created", allAttrs...)
}

// SessionEnded logs the release of a session and its sequence id.
func SessionEnded(sessionID uint64, attrs ...any) {
	allAttrs := make([]any, 0, 2+len(attrs))
	allAttrs = append(allAttrs, "session_id", sessionID)
	allAttrs = append(allAttrs, attrs...)
	Info("session ended", allAttrs...)
}

// WorkerStep logs one continuous-batching step of an LLM worker.
func WorkerStep(workerIndex, batchSize, logitsOwners int, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs, "worker", workerIndex, "batch_size", batchSize, "logits_owners", logitsOwners)
	allAttrs = append(allAttrs, attrs...)
	Debug("worker batch step", allAttrs...)
}

// WorkerDecodeFailed logs a failed batched decode call that errors every
// active generation on the affected worker.
func WorkerDecodeFailed(workerIndex int, err error, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "worker", workerIndex, "error", err)
	allAttrs = append(allAttrs, attrs...)
	Error("worker decode failed", allAttrs...)
}

var (
	// apiKeyPatterns contains compiled regular expressions for detecting sensitive data.
	// Patterns match common API key and bearer-token formats.
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),     // OpenAI-style API keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),   // Google-style API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]+`), // Bearer tokens
	}
)

// RedactSensitiveData removes API keys and other sensitive information from strings.
// It replaces matched patterns with a redacted form that preserves the first few characters
// for debugging while hiding the sensitive portion.
//
// Supported patterns:
//   - OpenAI-style keys (sk-...): Shows first 4 chars
//   - Google-style keys (AIza...): Shows first 4 chars
//   - Bearer tokens: Shows only "Bearer [REDACTED]"
//
// This function is safe for concurrent use as it only reads from the compiled patterns.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			// Show first 4 characters for debugging context
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}

// APIRequest logs an outbound HTTP request from an HTTP-backed backend (e.g. vLLM)
// at debug level with automatic secret redaction. This function is a no-op when
// debug logging is disabled for performance.
func APIRequest(backend, method, url string, headers map[string]string, body interface{}) {
	// Early return if debug logging is disabled for performance
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 8)
	attrs = append(attrs,
		"backend_id", backend,
		"method", method,
		"url", RedactSensitiveData(url),
	)

	// Redact sensitive data in headers
	if len(headers) > 0 {
		redactedHeaders := make(map[string]string, len(headers))
		for key, value := range headers {
			redactedHeaders[key] = RedactSensitiveData(value)
		}
		attrs = append(attrs, "headers", redactedHeaders)
	}

	// Marshal and redact request body
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			redactedBody := RedactSensitiveData(string(bodyJSON))
			attrs = append(attrs, "body", redactedBody)
		}
	}

	Debug("backend http request", attrs...)
}

// APIResponse logs an inbound HTTP response for an HTTP-backed backend at debug
// level with automatic secret redaction. This function is a no-op when debug
// logging is disabled for performance.
func APIResponse(backend string, statusCode int, body string, err error) {
	// Early return if debug logging is disabled for performance
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		"backend_id", backend,
		"status_code", statusCode,
	)

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		Error("backend http response error", attrs...)
		return
	}

	if body != "" {
		var jsonObj interface{}
		if json.Unmarshal([]byte(body), &jsonObj) == nil {
			prettyJSON, _ := json.MarshalIndent(jsonObj, "", "  ")
			attrs = append(attrs, "body", RedactSensitiveData(string(prettyJSON)))
		} else {
			attrs = append(attrs, "body", RedactSensitiveData(body))
		}
	}

	Debug("backend http response", attrs...)
}
