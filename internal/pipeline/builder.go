// Package pipeline constructs ordered stage lists for submission to the
// orchestrator. A Builder accumulates Cpu and GpuUnary stages; appending a
// GpuStream stage consumes the Builder and returns a StreamingBuilder,
// whose only exported method is Build. This makes "a streaming stage must
// be terminal" a compile-time property: once a caller holds a
// *StreamingBuilder, there is no method available to append another stage.
package pipeline

import (
	"fmt"

	"github.com/inferlab/slabrun/internal/stage"
)

// Pipeline is the built, ordered list of stages a task driver executes in
// sequence. Streaming reports whether the final stage is a GpuStream
// stage, which determines whether the task can reach SucceededStreaming.
type Pipeline struct {
	Stages    []stage.Stage
	Streaming bool
}

// Builder accumulates Cpu and GpuUnary stages for a pipeline that has not
// yet appended a terminal streaming stage.
type Builder struct {
	stages []stage.Stage
	names  map[string]bool
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{names: make(map[string]bool)}
}

func (b *Builder) append(s stage.Stage) error {
	name := s.Name()
	if b.names[name] {
		return fmt.Errorf("pipeline: duplicate stage name %q", name)
	}
	b.names[name] = true
	b.stages = append(b.stages, s)
	return nil
}

// Cpu appends a CPU transform stage and returns the same builder for
// further chaining.
func (b *Builder) Cpu(s stage.CpuStage) (*Builder, error) {
	if err := b.append(stage.NewCpu(s)); err != nil {
		return nil, err
	}
	return b, nil
}

// GpuUnary appends a unary backend-dispatch stage and returns the same
// builder for further chaining.
func (b *Builder) GpuUnary(s stage.GpuStage) (*Builder, error) {
	if err := b.append(stage.NewGpu(s)); err != nil {
		return nil, err
	}
	return b, nil
}

// GpuStream appends a terminal streaming backend-dispatch stage. It
// consumes the Builder and returns a StreamingBuilder, which exposes no
// stage-append methods: the compiler enforces that nothing may follow a
// streaming stage.
func (b *Builder) GpuStream(s stage.GpuStreamStage) (*StreamingBuilder, error) {
	if err := b.append(stage.NewGpuStream(s)); err != nil {
		return nil, err
	}
	return &StreamingBuilder{stages: b.stages}, nil
}

// Build validates and returns the accumulated non-streaming pipeline. An
// empty builder is rejected: a pipeline must have at least one stage.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("pipeline: cannot build an empty pipeline")
	}
	return &Pipeline{Stages: b.stages}, nil
}

// StreamingBuilder is the typestate reached after appending a terminal
// GpuStream stage. Its only exported method is Build; there is no way to
// append a further stage from this type.
type StreamingBuilder struct {
	stages []stage.Stage
}

// Build returns the completed streaming pipeline.
func (b *StreamingBuilder) Build() (*Pipeline, error) {
	return &Pipeline{Stages: b.stages, Streaming: true}, nil
}
