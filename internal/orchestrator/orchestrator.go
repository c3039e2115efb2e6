// Package orchestrator runs the single event loop that accepts pipeline
// submissions and cancel requests, spawns one independent task driver per
// submission, and drives each task's stages to completion against the
// backend admission and store layers.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/config"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/pipeline"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/inferlab/slabrun/internal/stage"
	"github.com/inferlab/slabrun/internal/store"
	"github.com/inferlab/slabrun/runtime/logger"
	"github.com/inferlab/slabrun/runtime/metrics/prometheus"
)

// commandKind discriminates an orchestratorCommand.
type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
)

// orchestratorCommand is one message on the bounded submission channel.
type orchestratorCommand struct {
	kind commandKind

	// Submit fields.
	pipeline *pipeline.Pipeline
	input    payload.Payload
	reply    chan<- store.TaskID

	// Cancel fields.
	taskID store.TaskID
}

// Orchestrator owns the submission channel, the task store, and the
// per-backend admission control. Its event loop is a single goroutine;
// each accepted submission spawns an independent task driver goroutine.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	resources *backend.ResourceManager

	submissions chan orchestratorCommand

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs an Orchestrator from cfg, registers admission capacity for
// every backend listed in cfg.Backends, and starts the event loop. The
// caller is responsible for wiring each backend id's ingress channel into
// the stages it builds; registration here only governs admission control.
func New(cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		store:       store.New(),
		resources:   backend.NewResourceManager(),
		submissions: make(chan orchestratorCommand, cfg.SubmissionQueueCapacity),
		shutdownCh:  make(chan struct{}),
	}
	for _, b := range cfg.Backends {
		o.resources.Register(b.ID, b.Capacity)
	}
	o.wg.Add(1)
	go o.run()
	return o
}

// RegisterBackend (re)registers a backend's admission capacity after
// construction, e.g. for backends discovered at runtime.
func (o *Orchestrator) RegisterBackend(backendID string, capacity int64) {
	o.resources.Register(backendID, capacity)
}

// Store exposes the task store for status/result/stream observation.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Status returns a snapshot of a task's status and per-stage statuses.
func (o *Orchestrator) Status(id store.TaskID) (store.TaskStatusView, error) {
	return o.store.Status(id)
}

// Result returns the inline Payload of a task that has reached Succeeded,
// swapping its status to ResultConsumed. ok is false for any other status.
func (o *Orchestrator) Result(id store.TaskID) (payload.Payload, bool) {
	return o.store.TakeResult(id)
}

// Stream returns the stream receiver of a task that reached
// SucceededStreaming. ok is false if the task never attached a stream or
// it was already taken.
func (o *Orchestrator) Stream(id store.TaskID) (<-chan backend.StreamChunk, bool) {
	return o.store.TakeStream(id)
}

// run is the orchestrator's single event loop.
func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.shutdownCh:
			return
		case cmd, ok := <-o.submissions:
			if !ok {
				return
			}
			o.handle(cmd)
		}
	}
}

func (o *Orchestrator) handle(cmd orchestratorCommand) {
	switch cmd.kind {
	case cmdSubmit:
		id := o.store.CreateTask(len(cmd.pipeline.Stages))
		logger.TaskSubmitted(uint64(id), len(cmd.pipeline.Stages))
		prometheus.RecordTaskStart()
		cmd.reply <- id
		o.wg.Add(1)
		go o.executeTask(id, cmd.pipeline, cmd.input)
	case cmdCancel:
		o.store.Cancel(cmd.taskID)
	}
}

// Submit enqueues a pipeline for execution and returns its TaskID once the
// orchestrator's event loop has accepted it. A full submission channel
// returns OrchestratorQueueFullError rather than blocking the caller.
func (o *Orchestrator) Submit(p *pipeline.Pipeline, input payload.Payload) (store.TaskID, error) {
	reply := make(chan store.TaskID, 1)
	select {
	case o.submissions <- orchestratorCommand{kind: cmdSubmit, pipeline: p, input: input, reply: reply}:
	default:
		return 0, &rerrors.OrchestratorQueueFullError{Capacity: cap(o.submissions)}
	}
	return <-reply, nil
}

// Cancel requests best-effort cancellation of a task. Unknown task ids are
// silently ignored by the store; a full submission channel means the
// request is dropped, which is acceptable for a best-effort signal.
func (o *Orchestrator) Cancel(id store.TaskID) {
	select {
	case o.submissions <- orchestratorCommand{kind: cmdCancel, taskID: id}:
	default:
		logger.Warn("orchestrator: cancel dropped, submission queue full", "task_id", id)
	}
}

// Shutdown stops the event loop and waits up to timeout for in-flight task
// drivers to finish. It does not cancel in-flight tasks.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("orchestrator: shutdown timed out waiting for in-flight tasks")
	}
}

// executeTask drives one task's stages to completion in declared order,
// honoring cancellation before each stage and releasing admission permits
// unconditionally via defer.
func (o *Orchestrator) executeTask(id store.TaskID, p *pipeline.Pipeline, input payload.Payload) {
	defer o.wg.Done()

	start := time.Now()
	cancelCh, _ := o.store.CancelChannel(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	current := input
	for i, s := range p.Stages {
		select {
		case <-cancelCh:
			o.store.SetStageStatus(id, i, stage.StatusCancelled)
			o.finish(id, store.TaskStatus{Kind: store.StatusCancelled}, start)
			logger.TaskCancelled(uint64(id))
			return
		default:
		}

		o.store.SetStatus(id, store.TaskStatus{Kind: store.StatusRunning, StageIndex: i, StageName: s.Name()})
		o.store.SetStageStatus(id, i, stage.StatusRunning)
		logger.TaskStageStarted(uint64(id), i, s.Name())
		stageStart := time.Now()

		switch s.Kind {
		case stage.KindCpu:
			out, err := s.Cpu.Run(ctx, current)
			if err != nil {
				o.failStage(id, i, s.Name(), err, start, "cpu")
				return
			}
			o.store.SetStageStatus(id, i, stage.StatusCompleted)
			prometheus.RecordStageElement(s.Name(), "success")
			current = out

		case stage.KindGpu:
			permit, ok := o.resources.TryAcquire(s.Gpu.BackendID)
			if !ok {
				prometheus.RecordBackendAdmissionRejection(s.Gpu.BackendID)
				logger.BackendBusy(s.Gpu.BackendID)
				o.failStage(id, i, s.Name(), &rerrors.BusyError{BackendID: s.Gpu.BackendID}, start, "gpu")
				return
			}
			logger.BackendDispatch(s.Gpu.BackendID, s.Gpu.Op.Name)
			out, err := s.Gpu.Run(ctx, current, cancelCh)
			permit.Release()
			if err != nil {
				o.failStage(id, i, s.Name(), err, start, "gpu")
				return
			}
			o.store.SetStageStatus(id, i, stage.StatusCompleted)
			prometheus.RecordStageElement(s.Name(), "success")
			current = out

		case stage.KindGpuStream:
			permit, ok := o.resources.TryAcquire(s.GpuStream.BackendID)
			if !ok {
				prometheus.RecordBackendAdmissionRejection(s.GpuStream.BackendID)
				logger.BackendBusy(s.GpuStream.BackendID)
				o.failStage(id, i, s.Name(), &rerrors.BusyError{BackendID: s.GpuStream.BackendID}, start, "gpu_stream")
				return
			}
			logger.BackendDispatch(s.GpuStream.BackendID, s.GpuStream.Op.Name)
			streamCh, err := s.GpuStream.Run(ctx, current, cancelCh)
			permit.Release()
			if err != nil {
				o.failStage(id, i, s.Name(), err, start, "gpu_stream")
				return
			}
			o.store.SetStageStatus(id, i, stage.StatusCompleted)
			prometheus.RecordStageElement(s.Name(), "success")
			o.store.AttachStream(id, streamCh)
			o.finish(id, store.TaskStatus{Kind: store.StatusSucceededStreaming}, start)
			logger.TaskSucceeded(uint64(id), true)
			return
		}

		prometheus.RecordStageDuration(s.Name(), stageTypeName(s.Kind), time.Since(stageStart).Seconds())
	}

	o.finish(id, store.TaskStatus{Kind: store.StatusSucceeded, Result: current}, start)
	logger.TaskSucceeded(uint64(id), false)
}

func (o *Orchestrator) failStage(id store.TaskID, index int, name string, err error, start time.Time, stageType string) {
	o.store.SetStageStatus(id, index, stage.StatusFailed)
	prometheus.RecordStageElement(name, "error")
	o.finish(id, store.TaskStatus{Kind: store.StatusFailed, Err: err}, start)
	logger.TaskFailed(uint64(id), err)
}

func (o *Orchestrator) finish(id store.TaskID, status store.TaskStatus, start time.Time) {
	o.store.SetStatus(id, status)
	prometheus.RecordTaskEnd(taskStatusLabel(status.Kind), time.Since(start).Seconds())
}

func stageTypeName(k stage.Kind) string {
	switch k {
	case stage.KindCpu:
		return "cpu"
	case stage.KindGpu:
		return "gpu"
	case stage.KindGpuStream:
		return "gpu_stream"
	default:
		return "unknown"
	}
}

func taskStatusLabel(k store.StatusKind) string {
	switch k {
	case store.StatusSucceeded, store.StatusSucceededStreaming, store.StatusResultConsumed:
		return "succeeded"
	case store.StatusFailed:
		return "failed"
	case store.StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
