// Package sdk is the runtime's public entry point: a process-wide Runtime
// obtained once via Init, a fluent CallBuilder for assembling one backend
// call, and a pull-based ChunkIterator for its streaming variant. It wraps
// internal/orchestrator, internal/pipeline, and internal/stage behind a
// surface a caller can use without importing any internal package.
package sdk

import (
	"fmt"
	"sync"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/config"
	"github.com/inferlab/slabrun/internal/orchestrator"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/inferlab/slabrun/internal/store"
	pkgerrors "github.com/inferlab/slabrun/pkg/errors"
	"github.com/inferlab/slabrun/runtime/logger"
)

// Config is the runtime's configuration surface, re-exported so callers
// need not import internal/config directly.
type Config = config.Config

// DefaultConfig returns a Config with the package's default tunables.
func DefaultConfig() *Config { return config.DefaultConfig() }

// Tunables governing the wait helpers behind RunWait and Stream.
const (
	DefaultRunWaitTimeout     = 300 * time.Second
	DefaultStreamInitDeadline = 30 * time.Second
	statusPollInterval        = 5 * time.Millisecond
)

var (
	initMu  sync.Mutex
	current *Runtime
)

// Runtime is the process-wide handle returned by Init: the orchestrator and
// the ingress channels registered for each backend id a caller dispatches
// to via Backend.
type Runtime struct {
	cfg       *Config
	orch      *orchestrator.Orchestrator
	validator *config.Validator

	mu      sync.RWMutex
	ingress map[string]chan backend.Request
}

// Init initializes the package-wide Runtime with cfg, registering admission
// capacity for every backend cfg.Backends lists. A second call with an
// Equal Config returns the existing Runtime unchanged; a second call with a
// different Config is rejected, since the orchestrator's event loop and
// admission state cannot be reconfigured once started.
func Init(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.New("sdk", "Init", err)
	}

	initMu.Lock()
	defer initMu.Unlock()
	if current != nil {
		if current.cfg.Equal(cfg) {
			return current, nil
		}
		return nil, pkgerrors.New("sdk", "Init", fmt.Errorf("runtime already initialized with a different configuration"))
	}

	rt := &Runtime{
		cfg:       cfg,
		orch:      orchestrator.New(cfg),
		validator: config.NewValidator(cfg),
		ingress:   make(map[string]chan backend.Request),
	}
	current = rt
	logger.Info("sdk: runtime initialized", "submission_queue_capacity", cfg.SubmissionQueueCapacity, "backends", len(cfg.Backends))
	return rt, nil
}

// Current returns the process-wide Runtime, or ErrNotInitialized if Init
// has not yet succeeded.
func Current() (*Runtime, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if current == nil {
		return nil, rerrors.ErrNotInitialized
	}
	return current, nil
}

// resetForTest tears down the package-level singleton so tests can call
// Init repeatedly with independent configurations.
func resetForTest() {
	initMu.Lock()
	defer initMu.Unlock()
	current = nil
}

// RegisterBackend wires ingress as backendID's request queue and registers
// its admission capacity (the Config's explicit entry if present, otherwise
// DefaultBackendCapacity). Spawning the goroutine(s) that consume ingress
// is the caller's responsibility — this only wires the plumbing a
// CallBuilder's stages dispatch into.
func (r *Runtime) RegisterBackend(backendID string, ingress chan backend.Request) {
	r.mu.Lock()
	r.ingress[backendID] = ingress
	r.mu.Unlock()
	r.orch.RegisterBackend(backendID, r.cfg.CapacityFor(backendID))
}

func (r *Runtime) ingressFor(backendID string) (chan backend.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.ingress[backendID]
	if !ok {
		return nil, fmt.Errorf("sdk: no backend registered for id %q", backendID)
	}
	return ch, nil
}

// Backend starts a CallBuilder targeting the named backend.
func (r *Runtime) Backend(id string) CallBuilder {
	return CallBuilder{rt: r, backendID: id}
}

// Status returns a snapshot of a task's status and per-stage statuses.
func (r *Runtime) Status(id store.TaskID) (store.TaskStatusView, error) {
	return r.orch.Status(id)
}

// Result returns the inline payload of a Succeeded task, consuming it
// (swapping the task to ResultConsumed). ok is false while the task has not
// reached Succeeded, has already been consumed, or never will.
func (r *Runtime) Result(id store.TaskID) (payload.Payload, bool) {
	return r.orch.Result(id)
}

// Cancel requests best-effort cancellation of a task.
func (r *Runtime) Cancel(id store.TaskID) {
	r.orch.Cancel(id)
}

func (r *Runtime) waitResultBytes(id store.TaskID, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		view, err := r.orch.Status(id)
		if err != nil {
			return nil, err
		}
		switch view.Status.Kind {
		case store.StatusSucceeded:
			p, ok := r.orch.Result(id)
			if !ok {
				return nil, fmt.Errorf("sdk: task %d succeeded but its result was already consumed", id)
			}
			return payloadBytes(p)
		case store.StatusResultConsumed:
			return nil, fmt.Errorf("sdk: task %d's result was already consumed", id)
		case store.StatusFailed:
			return nil, view.Status.Err
		case store.StatusCancelled:
			return nil, fmt.Errorf("sdk: task %d was cancelled", id)
		case store.StatusSucceededStreaming:
			return nil, fmt.Errorf("sdk: task %d is a streaming call; use Stream instead of RunWait", id)
		}
		if time.Now().After(deadline) {
			return nil, rerrors.ErrTimeout
		}
		time.Sleep(statusPollInterval)
	}
}

func payloadBytes(p payload.Payload) ([]byte, error) {
	switch p.Kind() {
	case payload.KindNone:
		return nil, nil
	case payload.KindBytes:
		return p.ToBytes()
	case payload.KindText:
		s, err := p.ToString()
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case payload.KindJSON:
		return p.ToRawJSON()
	default:
		return nil, fmt.Errorf("sdk: result payload of kind %s has no byte representation", p.Kind())
	}
}
