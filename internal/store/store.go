// Package store holds the in-memory index of task records: status,
// per-stage status, the terminal result or stream handle, and the
// cancellation signal for each task.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/inferlab/slabrun/internal/stage"
)

// TaskID is an opaque, process-unique, monotonically increasing identifier
// assigned at submission time.
type TaskID uint64

// StatusKind discriminates a TaskStatus.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusRunning
	StatusSucceeded
	StatusResultConsumed
	StatusSucceededStreaming
	StatusFailed
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusResultConsumed:
		return "ResultConsumed"
	case StatusSucceededStreaming:
		return "SucceededStreaming"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether k is one of the task's terminal states.
func (k StatusKind) IsTerminal() bool {
	switch k {
	case StatusSucceeded, StatusResultConsumed, StatusSucceededStreaming, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the current state of a task's execution.
type TaskStatus struct {
	Kind       StatusKind
	StageIndex int
	StageName  string
	Result     payload.Payload
	Err        error
}

func pendingStatus() TaskStatus { return TaskStatus{Kind: StatusPending} }

// TaskStatusView is a read-only snapshot returned to callers of Status.
type TaskStatusView struct {
	TaskID TaskID
	Status TaskStatus
	Stages []stage.Status
}

// record is the store's internal representation of one task.
type record struct {
	mu        sync.Mutex
	id        TaskID
	status    TaskStatus
	stages    []stage.Status
	stream    <-chan backend.StreamChunk
	cancelCh  chan struct{}
	cancelled sync.Once
}

// Store is a thread-safe index of task records.
type Store struct {
	mu      sync.RWMutex
	records map[TaskID]*record
	nextID  atomic.Uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[TaskID]*record)}
}

// CreateTask allocates a new TaskID and inserts a Pending record with
// numStages stage slots, all Pending, and a fresh cancel signal.
func (s *Store) CreateTask(numStages int) TaskID {
	id := TaskID(s.nextID.Add(1))
	r := &record{
		id:       id,
		status:   pendingStatus(),
		stages:   make([]stage.Status, numStages),
		cancelCh: make(chan struct{}),
	}
	s.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()
	return id
}

func (s *Store) get(id TaskID) (*record, bool) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	return r, ok
}

// SetStatus overwrites the task's overall status.
func (s *Store) SetStatus(id TaskID, status TaskStatus) {
	r, ok := s.get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// SetStageStatus overwrites the status of one stage within the task.
func (s *Store) SetStageStatus(id TaskID, index int, status stage.Status) {
	r, ok := s.get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	if index >= 0 && index < len(r.stages) {
		r.stages[index] = status
	}
	r.mu.Unlock()
}

// AttachStream records the stream receiver for a task that reached
// SucceededStreaming. Called at most once per task.
func (s *Store) AttachStream(id TaskID, ch <-chan backend.StreamChunk) {
	r, ok := s.get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	r.stream = ch
	r.mu.Unlock()
}

// CancelChannel returns the task's cancellation observer, closed exactly
// once when Cancel is called.
func (s *Store) CancelChannel(id TaskID) (<-chan struct{}, bool) {
	r, ok := s.get(id)
	if !ok {
		return nil, false
	}
	return r.cancelCh, true
}

// Cancel requests cancellation of the task. Missing ids are ignored; the
// caller is expected to log that case as a best-effort no-op.
func (s *Store) Cancel(id TaskID) {
	r, ok := s.get(id)
	if !ok {
		return
	}
	r.cancelled.Do(func() { close(r.cancelCh) })
}

// Status returns a snapshot view of the task, or TaskNotFoundError.
func (s *Store) Status(id TaskID) (TaskStatusView, error) {
	r, ok := s.get(id)
	if !ok {
		return TaskStatusView{}, &rerrors.TaskNotFoundError{TaskID: uint64(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stagesCopy := make([]stage.Status, len(r.stages))
	copy(stagesCopy, r.stages)
	return TaskStatusView{TaskID: r.id, Status: r.status, Stages: stagesCopy}, nil
}

// TakeResult returns the inline Payload of a Succeeded task and swaps its
// status to ResultConsumed. Returns ok=false for any other status,
// including a second call after the first consumed it.
func (s *Store) TakeResult(id TaskID) (payload.Payload, bool) {
	r, ok := s.get(id)
	if !ok {
		return payload.None(), false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Kind != StatusSucceeded {
		return payload.None(), false
	}
	result := r.status.Result
	r.status = TaskStatus{Kind: StatusResultConsumed}
	return result, true
}

// TakeStream moves the stream receiver out of the record. A second call
// for the same task returns ok=false.
func (s *Store) TakeStream(id TaskID) (<-chan backend.StreamChunk, bool) {
	r, ok := s.get(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return nil, false
	}
	ch := r.stream
	r.stream = nil
	return ch, true
}
