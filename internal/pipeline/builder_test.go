package pipeline_test

import (
	"testing"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/pipeline"
	"github.com/inferlab/slabrun/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upperCpu() stage.CpuStage {
	return stage.CpuStage{
		Name: "upper",
		Work: func(p payload.Payload) (payload.Payload, error) {
			b, err := p.ToBytes()
			if err != nil {
				return payload.None(), err
			}
			out := make([]byte, len(b))
			for i, c := range b {
				if c >= 'a' && c <= 'z' {
					c -= 'a' - 'A'
				}
				out[i] = c
			}
			return payload.Bytes(out), nil
		},
	}
}

func TestBuilder_SingleCpuStage(t *testing.T) {
	p, err := func() (*pipeline.Pipeline, error) {
		b, err := pipeline.New().Cpu(upperCpu())
		require.NoError(t, err)
		return b.Build()
	}()
	require.NoError(t, err)
	require.Len(t, p.Stages, 1)
	assert.False(t, p.Streaming)
}

func TestBuilder_EmptyRejected(t *testing.T) {
	_, err := pipeline.New().Build()
	assert.Error(t, err)
}

func TestBuilder_DuplicateStageNameRejected(t *testing.T) {
	b, err := pipeline.New().Cpu(upperCpu())
	require.NoError(t, err)
	_, err = b.Cpu(upperCpu())
	assert.Error(t, err)
}

func TestBuilder_ChainCpuThenGpuUnary(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	b, err := pipeline.New().Cpu(upperCpu())
	require.NoError(t, err)
	b, err = b.GpuUnary(stage.GpuStage{Name: "echo", BackendID: "test.echo", Ingress: ingress})
	require.NoError(t, err)

	p, err := b.Build()
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "upper", p.Stages[0].Name())
	assert.Equal(t, "echo", p.Stages[1].Name())
	assert.False(t, p.Streaming)
}

func TestBuilder_GpuStreamProducesStreamingBuilder(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	b, err := pipeline.New().Cpu(upperCpu())
	require.NoError(t, err)

	sb, err := b.GpuStream(stage.GpuStreamStage{Name: "stream", BackendID: "test.stream", Ingress: ingress})
	require.NoError(t, err)

	// sb is a *StreamingBuilder: the only available method is Build, which
	// the compiler enforces by the type not exposing Cpu/GpuUnary/GpuStream.
	p, err := sb.Build()
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	assert.True(t, p.Streaming)
	assert.Equal(t, "stream", p.Stages[len(p.Stages)-1].Name())
}

func TestBuilder_GpuStreamDuplicateNameRejected(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	b, err := pipeline.New().Cpu(upperCpu())
	require.NoError(t, err)

	_, err = b.GpuStream(stage.GpuStreamStage{Name: "upper", BackendID: "test.stream", Ingress: ingress})
	assert.Error(t, err)
}
