package sdk

import (
	"fmt"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/pipeline"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/inferlab/slabrun/internal/stage"
	"github.com/inferlab/slabrun/internal/store"
)

// CallBuilder fluently assembles one backend call: an operation, its input
// and options, and any CPU stages that should run before the backend
// dispatch and (for a unary call) after it. Every method returns a new
// value, mirroring the consuming-builder idiom of internal/pipeline.Builder,
// so a partially configured builder can safely be reused as a template for
// several calls.
type CallBuilder struct {
	rt        *Runtime
	backendID string

	opName  string
	input   payload.Payload
	options payload.Payload

	preprocess  []stage.CpuStage
	postprocess []stage.CpuStage
}

// Op selects the backend operation to invoke, e.g. "inference" or
// "inference.stream".
func (b CallBuilder) Op(name string) CallBuilder {
	b.opName = name
	return b
}

// Input sets the payload handed to the first stage.
func (b CallBuilder) Input(p payload.Payload) CallBuilder {
	b.input = p
	return b
}

// Options sets a JSON options payload carried alongside the operation.
func (b CallBuilder) Options(p payload.Payload) CallBuilder {
	b.options = p
	return b
}

// Preprocess appends a CPU stage that runs before the backend dispatch.
func (b CallBuilder) Preprocess(name string, fn stage.CpuFn) CallBuilder {
	next := make([]stage.CpuStage, len(b.preprocess)+1)
	copy(next, b.preprocess)
	next[len(b.preprocess)] = stage.CpuStage{Name: name, Work: fn}
	b.preprocess = next
	return b
}

// Postprocess appends a CPU stage that runs after a unary backend dispatch.
// It is illegal on a call terminated with Stream: Stream rejects a builder
// carrying any postprocess stages, since a streaming reply has no single
// payload for a CPU stage to transform.
func (b CallBuilder) Postprocess(name string, fn stage.CpuFn) CallBuilder {
	next := make([]stage.CpuStage, len(b.postprocess)+1)
	copy(next, b.postprocess)
	next[len(b.postprocess)] = stage.CpuStage{Name: name, Work: fn}
	b.postprocess = next
	return b
}

func (b CallBuilder) op() backend.Op {
	return backend.Op{Name: b.opName, Options: b.options}
}

// validate checks b.options against any JSON schema the Runtime's Config
// registered for b.opName. An op with no registered schema is always valid.
// A caller that never set Options (including the builder's zero value) is
// treated as having supplied an empty JSON object, not a type error, since
// payload.Payload.ToRawJSON only succeeds for a KindJSON payload.
func (b CallBuilder) validate() error {
	raw, err := b.options.ToRawJSON()
	if err != nil {
		raw = []byte("{}")
	}
	return b.rt.validator.ValidateOptions(b.opName, raw)
}

func (b CallBuilder) buildUnary(ingress chan backend.Request) (*pipeline.Pipeline, error) {
	bb := pipeline.New()
	var err error
	for _, s := range b.preprocess {
		if bb, err = bb.Cpu(s); err != nil {
			return nil, err
		}
	}
	if bb, err = bb.GpuUnary(stage.GpuStage{Name: b.opName, BackendID: b.backendID, Op: b.op(), Ingress: ingress}); err != nil {
		return nil, err
	}
	for _, s := range b.postprocess {
		if bb, err = bb.Cpu(s); err != nil {
			return nil, err
		}
	}
	return bb.Build()
}

func (b CallBuilder) buildStream(ingress chan backend.Request) (*pipeline.Pipeline, error) {
	if len(b.postprocess) > 0 {
		return nil, fmt.Errorf("sdk: postprocess stages are illegal on a streaming call")
	}
	bb := pipeline.New()
	var err error
	for _, s := range b.preprocess {
		if bb, err = bb.Cpu(s); err != nil {
			return nil, err
		}
	}
	sb, err := bb.GpuStream(stage.GpuStreamStage{Name: b.opName, BackendID: b.backendID, Op: b.op(), Ingress: ingress})
	if err != nil {
		return nil, err
	}
	return sb.Build()
}

// Run submits the call and returns its TaskID once the orchestrator has
// accepted it, without waiting for it to complete.
func (b CallBuilder) Run() (store.TaskID, error) {
	if err := b.validate(); err != nil {
		return 0, err
	}
	ingress, err := b.rt.ingressFor(b.backendID)
	if err != nil {
		return 0, err
	}
	p, err := b.buildUnary(ingress)
	if err != nil {
		return 0, err
	}
	return b.rt.orch.Submit(p, b.input)
}

// RunWait submits the call and blocks until it reaches a terminal status,
// up to DefaultRunWaitTimeout, returning the raw bytes of its result.
func (b CallBuilder) RunWait() ([]byte, error) {
	return b.RunWaitTimeout(DefaultRunWaitTimeout)
}

// RunWaitTimeout is RunWait with an explicit deadline.
func (b CallBuilder) RunWaitTimeout(timeout time.Duration) ([]byte, error) {
	id, err := b.Run()
	if err != nil {
		return nil, err
	}
	return b.rt.waitResultBytes(id, timeout)
}

// Stream submits the call, waits for it to reach SucceededStreaming (up to
// DefaultStreamInitDeadline), and returns a ChunkIterator over its output.
// It is the only terminal method valid for a streaming backend operation.
func (b CallBuilder) Stream() (*ChunkIterator, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	ingress, err := b.rt.ingressFor(b.backendID)
	if err != nil {
		return nil, err
	}
	p, err := b.buildStream(ingress)
	if err != nil {
		return nil, err
	}
	id, err := b.rt.orch.Submit(p, b.input)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(DefaultStreamInitDeadline)
	for {
		view, err := b.rt.orch.Status(id)
		if err != nil {
			return nil, err
		}
		switch view.Status.Kind {
		case store.StatusSucceededStreaming:
			ch, ok := b.rt.orch.Stream(id)
			if !ok {
				return nil, fmt.Errorf("sdk: task %d reached SucceededStreaming without a stream handle", id)
			}
			return &ChunkIterator{ch: ch}, nil
		case store.StatusFailed:
			return nil, view.Status.Err
		case store.StatusCancelled:
			return nil, fmt.Errorf("sdk: task %d was cancelled before streaming started", id)
		}
		if time.Now().After(deadline) {
			return nil, rerrors.ErrTimeout
		}
		time.Sleep(statusPollInterval)
	}
}
