// Package stage describes one unit of pipeline work — a CPU transform, a
// unary GPU-backed call, or a streaming GPU-backed call — and knows how to
// run itself against a backend's request/reply protocol.
package stage

import (
	"context"
	"fmt"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/rerrors"
)

// Status mirrors a stage's progress within a task.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// CpuFn is the pure work function behind a CPU stage. It must not retain
// input beyond the call; the returned Payload becomes the next stage's
// input.
type CpuFn func(payload.Payload) (payload.Payload, error)

// CpuStage runs entirely on the local process without involving a backend.
type CpuStage struct {
	Name string
	Work CpuFn
}

// Run executes the stage's work function on its own goroutine so a panic
// cannot take down the driver, mirroring a blocking-task-pool dispatch.
func (s CpuStage) Run(ctx context.Context, input payload.Payload) (out payload.Payload, err error) {
	type result struct {
		out payload.Payload
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &rerrors.CpuStageFailedError{StageName: s.Name, Message: "stage panicked"}}
			}
		}()
		o, e := s.Work(input)
		if e != nil {
			done <- result{err: &rerrors.CpuStageFailedError{StageName: s.Name, Message: e.Error()}}
			return
		}
		done <- result{out: o}
	}()
	select {
	case <-ctx.Done():
		return payload.None(), ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

// GpuStage dispatches one request to a backend and awaits a unary reply.
type GpuStage struct {
	Name      string
	BackendID string
	Op        backend.Op
	Ingress   chan<- backend.Request
}

// Run sends a Request on the stage's ingress channel and awaits its Reply.
func (s GpuStage) Run(ctx context.Context, input payload.Payload, cancel <-chan struct{}) (payload.Payload, error) {
	replyCh := make(chan backend.Reply, 1)
	req := backend.Request{Op: s.Op, Input: input, Cancel: cancel, Reply: replyCh}

	select {
	case s.Ingress <- req:
	default:
		return payload.None(), &rerrors.QueueFullError{Queue: s.BackendID, Capacity: cap(s.Ingress)}
	}

	select {
	case <-ctx.Done():
		return payload.None(), ctx.Err()
	case reply, ok := <-replyCh:
		if !ok {
			return payload.None(), rerrors.ErrBackendShutdown
		}
		switch reply.Kind {
		case backend.ReplyValue:
			return reply.Value, nil
		case backend.ReplyError:
			return payload.None(), &rerrors.GpuStageFailedError{StageName: s.Name, Message: reply.Err}
		case backend.ReplyStream:
			return payload.None(), &rerrors.GpuStageFailedError{StageName: s.Name, Message: "unexpected stream reply on non-streaming stage"}
		default:
			return payload.None(), &rerrors.GpuStageFailedError{StageName: s.Name, Message: fmt.Sprintf("unknown reply kind %d", reply.Kind)}
		}
	}
}

// GpuStreamStage dispatches one request to a backend and expects a
// streaming reply. It must be the terminal stage of its pipeline.
type GpuStreamStage struct {
	Name      string
	BackendID string
	Op        backend.Op
	Ingress   chan<- backend.Request
}

// Run sends a Request and returns the stream handle from a successful
// Stream reply.
func (s GpuStreamStage) Run(ctx context.Context, input payload.Payload, cancel <-chan struct{}) (<-chan backend.StreamChunk, error) {
	replyCh := make(chan backend.Reply, 1)
	req := backend.Request{Op: s.Op, Input: input, Cancel: cancel, Reply: replyCh}

	select {
	case s.Ingress <- req:
	default:
		return nil, &rerrors.QueueFullError{Queue: s.BackendID, Capacity: cap(s.Ingress)}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-replyCh:
		if !ok {
			return nil, rerrors.ErrBackendShutdown
		}
		switch reply.Kind {
		case backend.ReplyStream:
			return reply.Stream, nil
		case backend.ReplyError:
			return nil, &rerrors.GpuStageFailedError{StageName: s.Name, Message: reply.Err}
		case backend.ReplyValue:
			return nil, &rerrors.GpuStageFailedError{StageName: s.Name, Message: "expected stream reply but got value"}
		default:
			return nil, &rerrors.GpuStageFailedError{StageName: s.Name, Message: fmt.Sprintf("unknown reply kind %d", reply.Kind)}
		}
	}
}

// Kind discriminates a Stage.
type Kind int

const (
	KindCpu Kind = iota
	KindGpu
	KindGpuStream
)

// Stage is the closed sum type of the three stage shapes a pipeline may
// contain. Exactly one of Cpu/Gpu/GpuStream is meaningful, selected by Kind.
type Stage struct {
	Kind      Kind
	Cpu       CpuStage
	Gpu       GpuStage
	GpuStream GpuStreamStage
}

// Name returns the display name of whichever variant s holds.
func (s Stage) Name() string {
	switch s.Kind {
	case KindCpu:
		return s.Cpu.Name
	case KindGpu:
		return s.Gpu.Name
	case KindGpuStream:
		return s.GpuStream.Name
	default:
		panic("stage: unreachable variant")
	}
}

// NewCpu wraps a CpuStage as a Stage.
func NewCpu(s CpuStage) Stage { return Stage{Kind: KindCpu, Cpu: s} }

// NewGpu wraps a GpuStage as a Stage.
func NewGpu(s GpuStage) Stage { return Stage{Kind: KindGpu, Gpu: s} }

// NewGpuStream wraps a GpuStreamStage as a Stage.
func NewGpuStream(s GpuStreamStage) Stage { return Stage{Kind: KindGpuStream, GpuStream: s} }
