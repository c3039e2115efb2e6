package stage

import (
	"context"
	"testing"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/stretchr/testify/require"
)

func TestCpuStageRun(t *testing.T) {
	s := CpuStage{Name: "upper", Work: func(p payload.Payload) (payload.Payload, error) {
		b, err := p.ToBytes()
		require.NoError(t, err)
		out := make([]byte, len(b))
		for i, c := range b {
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			out[i] = c
		}
		return payload.Bytes(out), nil
	}}
	out, err := s.Run(context.Background(), payload.Bytes([]byte("abc")))
	require.NoError(t, err)
	b, err := out.ToBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("ABC"), b)
}

func TestCpuStageErrorWrapped(t *testing.T) {
	s := CpuStage{Name: "boom", Work: func(p payload.Payload) (payload.Payload, error) {
		return payload.None(), assertErr{}
	}}
	_, err := s.Run(context.Background(), payload.None())
	var cpuErr *rerrors.CpuStageFailedError
	require.ErrorAs(t, err, &cpuErr)
	require.Equal(t, "boom", cpuErr.StageName)
}

type assertErr struct{}

func (assertErr) Error() string { return "explicit failure" }

func TestCpuStagePanicRecovered(t *testing.T) {
	s := CpuStage{Name: "panics", Work: func(p payload.Payload) (payload.Payload, error) {
		panic("oh no")
	}}
	_, err := s.Run(context.Background(), payload.None())
	var cpuErr *rerrors.CpuStageFailedError
	require.ErrorAs(t, err, &cpuErr)
	require.Equal(t, "stage panicked", cpuErr.Message)
}

func TestGpuStageValueReply(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	go func() {
		req := <-ingress
		req.Reply <- backend.ValueReply(payload.Bytes([]byte("hi")))
	}()
	s := GpuStage{Name: "echo", BackendID: "test", Ingress: ingress}
	out, err := s.Run(context.Background(), payload.None(), nil)
	require.NoError(t, err)
	b, err := out.ToBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), b)
}

func TestGpuStageErrorReply(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	go func() {
		req := <-ingress
		req.Reply <- backend.ErrorReply("model not loaded")
	}()
	s := GpuStage{Name: "llm", BackendID: "vllm", Ingress: ingress}
	_, err := s.Run(context.Background(), payload.None(), nil)
	var gpuErr *rerrors.GpuStageFailedError
	require.ErrorAs(t, err, &gpuErr)
	require.Contains(t, gpuErr.Message, "model not loaded")
}

func TestGpuStageQueueFull(t *testing.T) {
	ingress := make(chan backend.Request) // unbuffered, nothing draining
	s := GpuStage{Name: "llm", BackendID: "vllm", Ingress: ingress}
	_, err := s.Run(context.Background(), payload.None(), nil)
	var qf *rerrors.QueueFullError
	require.ErrorAs(t, err, &qf)
}

func TestGpuStreamStageStreamReply(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	chunks := make(chan backend.StreamChunk, 2)
	chunks <- backend.TokenChunk("hi")
	chunks <- backend.DoneChunk()
	close(chunks)
	go func() {
		req := <-ingress
		req.Reply <- backend.StreamReply(chunks)
	}()
	s := GpuStreamStage{Name: "stream", BackendID: "test", Ingress: ingress}
	out, err := s.Run(context.Background(), payload.None(), nil)
	require.NoError(t, err)
	first := <-out
	require.Equal(t, backend.ChunkToken, first.Kind)
}

func TestGpuStreamStageRejectsValueReply(t *testing.T) {
	ingress := make(chan backend.Request, 1)
	go func() {
		req := <-ingress
		req.Reply <- backend.ValueReply(payload.None())
	}()
	s := GpuStreamStage{Name: "stream", BackendID: "test", Ingress: ingress}
	_, err := s.Run(context.Background(), payload.None(), nil)
	var gpuErr *rerrors.GpuStageFailedError
	require.ErrorAs(t, err, &gpuErr)
}
