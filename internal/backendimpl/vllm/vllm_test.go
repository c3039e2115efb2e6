package vllm_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/backendimpl/vllm"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoadedWorker(t *testing.T, server *httptest.Server) (*vllm.Worker, chan backend.Request, context.CancelFunc) {
	t.Helper()
	w := vllm.NewWorker(vllm.Config{BaseURL: server.URL, Model: "test-model"})
	ingress := make(chan backend.Request, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Serve(ctx, ingress)

	opts, err := payload.JSON(map[string]any{"model_path": "test-model"})
	require.NoError(t, err)
	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpModelLoad, Options: opts}, Reply: reply}
	<-reply
	return w, ingress, cancel
}

func TestWorker_UnaryInference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"choices":[{"index":0,"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	_, ingress, cancel := newLoadedWorker(t, server)
	defer cancel()

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpInference}, Input: payload.Text("hi"), Reply: reply}

	select {
	case r := <-reply:
		require.Equal(t, backend.ReplyValue, r.Kind)
		out, err := r.Value.ToString()
		require.NoError(t, err)
		assert.Equal(t, "hello back", out)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestWorker_InferenceBeforeLoad(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted before model.load")
	}))
	defer server.Close()

	w := vllm.NewWorker(vllm.Config{BaseURL: server.URL, Model: "test-model"})
	ingress := make(chan backend.Request, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx, ingress)

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpInference}, Input: payload.Text("hi"), Reply: reply}

	select {
	case r := <-reply:
		require.Equal(t, backend.ReplyError, r.Kind)
		assert.Contains(t, r.Err, "not loaded")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestWorker_ModelLoadRequiresModelPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted")
	}))
	defer server.Close()

	w := vllm.NewWorker(vllm.Config{BaseURL: server.URL})
	ingress := make(chan backend.Request, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx, ingress)

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpModelLoad}, Reply: reply}

	select {
	case r := <-reply:
		require.Equal(t, backend.ReplyError, r.Kind)
		assert.Contains(t, r.Err, "model_path")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestWorker_ModelReloadSwitchesModel(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	_, ingress, cancel := newLoadedWorker(t, server)
	defer cancel()

	opts, err := payload.JSON(map[string]any{"model_path": "other-model"})
	require.NoError(t, err)
	reloadReply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpModelReload, Options: opts}, Reply: reloadReply}
	require.Equal(t, backend.ReplyValue, (<-reloadReply).Kind)

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpInference}, Input: payload.Text("hi"), Reply: reply}
	require.Equal(t, backend.ReplyValue, (<-reply).Kind)
	assert.Equal(t, "other-model", gotModel)
}

func TestWorker_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer server.Close()

	_, ingress, cancel := newLoadedWorker(t, server)
	defer cancel()

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{Op: backend.Op{Name: backend.OpInference}, Input: payload.Text("hi"), Reply: reply}

	select {
	case r := <-reply:
		require.Equal(t, backend.ReplyError, r.Kind)
		assert.Equal(t, "boom", r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestWorker_StreamingInference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := rw.(http.Flusher)
		require.True(t, ok)

		w := bufio.NewWriter(rw)
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"foo\"}}]}\n\n")
		w.Flush()
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"bar\"},\"finish_reason\":\"stop\"}]}\n\n")
		w.Flush()
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
		flusher.Flush()
	}))
	defer server.Close()

	_, ingress, cancel := newLoadedWorker(t, server)
	defer cancel()

	reply := make(chan backend.Reply, 1)
	ingress <- backend.Request{
		Op:     backend.Op{Name: backend.OpInferenceStream},
		Input:  payload.Text("hi"),
		Cancel: make(chan struct{}),
		Reply:  reply,
	}

	var r backend.Reply
	select {
	case r = <-reply:
		require.Equal(t, backend.ReplyStream, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream reply")
	}

	var out string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-r.Stream:
			if !ok {
				assert.Equal(t, "foobar", out)
				return
			}
			switch chunk.Kind {
			case backend.ChunkToken:
				out += chunk.Token
			case backend.ChunkError:
				t.Fatalf("unexpected error chunk: %s", chunk.Err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream completion")
		}
	}
}
