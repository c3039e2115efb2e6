// Package rerrors defines the closed error taxonomy surfaced by the
// orchestrator, its stages, and the LLM engine. Every error a caller can
// observe from a task's terminal state or from a builder's terminal method
// is one of the types declared here.
package rerrors

import "fmt"

// Sentinel errors for conditions that carry no parameters.
var (
	// ErrBackendShutdown indicates a channel the orchestrator depends on
	// closed unexpectedly — the backend worker or LLM engine is gone.
	ErrBackendShutdown = fmt.Errorf("backend worker shutdown")

	// ErrTimeout indicates a wait helper's deadline elapsed before the task
	// reached a terminal status.
	ErrTimeout = fmt.Errorf("operation timed out")

	// ErrNotInitialized indicates the API was used before Init succeeded.
	ErrNotInitialized = fmt.Errorf("runtime not initialized; call Init first")

	// ErrWorkerShutdown indicates an LLM worker thread or the engine's
	// master goroutine is gone.
	ErrWorkerShutdown = fmt.Errorf("inference worker shut down unexpectedly")
)

// QueueFullError reports that a bounded ingress channel was full at
// dispatch time.
type QueueFullError struct {
	Queue    string
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %s (capacity %d)", e.Queue, e.Capacity)
}

// BusyError reports that admission was denied: no permits available, or the
// backend id is unregistered.
type BusyError struct {
	BackendID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("backend busy: %s", e.BackendID)
}

// OrchestratorQueueFullError reports that the submission channel was full.
type OrchestratorQueueFullError struct {
	Capacity int
}

func (e *OrchestratorQueueFullError) Error() string {
	return fmt.Sprintf("orchestrator queue full (capacity %d)", e.Capacity)
}

// TaskNotFoundError reports an unknown TaskId.
type TaskNotFoundError struct {
	TaskID uint64
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %d", e.TaskID)
}

// SessionNotFoundError reports an unknown SessionId.
type SessionNotFoundError struct {
	SessionID uint64
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %d", e.SessionID)
}

// CpuStageFailedError reports a failure from a CPU stage's work function,
// or a recovered panic within it.
type CpuStageFailedError struct {
	StageName string
	Message   string
}

func (e *CpuStageFailedError) Error() string {
	return fmt.Sprintf("cpu stage '%s' failed: %s", e.StageName, e.Message)
}

// GpuStageFailedError reports a failure reported by a backend worker, or a
// protocol violation in its reply.
type GpuStageFailedError struct {
	StageName string
	Message   string
}

func (e *GpuStageFailedError) Error() string {
	return fmt.Sprintf("gpu stage '%s' failed: %s", e.StageName, e.Message)
}

// LibraryLoadFailedError reports that a backend's native library could not
// be loaded.
type LibraryLoadFailedError struct {
	Backend string
	Message string
}

func (e *LibraryLoadFailedError) Error() string {
	return fmt.Sprintf("library load failed for backend '%s': %s", e.Backend, e.Message)
}
