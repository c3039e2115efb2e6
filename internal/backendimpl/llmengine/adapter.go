// Package llmengine adapts internal/llm.Engine's session-oriented API to
// the generic backend.Request/Reply protocol, so the continuous-batching
// engine can sit behind a GpuStage or GpuStreamStage like any other
// backend.
package llmengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/llm"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/runtime/logger"
)

// inferenceOptions is the JSON shape of BackendOp.Options for "inference"
// and "inference.stream". SessionKey is an adapter-level convention, not an
// engine concept: it maps an external conversation id onto an
// engine-allocated llm.SessionID so a caller can pin a multi-turn
// conversation to the same KV-cache sequence across calls without itself
// tracking SessionIDs.
type inferenceOptions struct {
	SessionKey string `json:"session_key"`
	MaxTokens  int    `json:"max_tokens"`
}

const defaultMaxTokens = 256

// modelLoadOptions is the JSON shape of BackendOp.Options for "model.load"
// and "model.reload": it decodes straight into a backend.WorkerCommand so
// both ops share one validation path.
type modelLoadOptions struct {
	LibPath   string `json:"lib_path"`
	ModelPath string `json:"model_path"`
}

// Adapter honors the generic backend protocol on behalf of one llm.Engine.
type Adapter struct {
	engine *llm.Engine

	mu       sync.Mutex
	loaded   bool
	libPath  string
	sessions map[string]llm.SessionID
}

// New returns an Adapter driving engine. Constructing the engine (worker
// count, model handle) is the caller's concern: it is a deployment
// parameter, not something the wire protocol carries.
func New(engine *llm.Engine) *Adapter {
	return &Adapter{engine: engine, sessions: make(map[string]llm.SessionID)}
}

// Serve consumes BackendRequests from ingress until it is closed, replying
// exactly once to each. Each request runs on its own goroutine so a
// blocking inference.stream call cannot stall a concurrent session's unary
// call.
func (a *Adapter) Serve(ingress <-chan backend.Request) {
	for req := range ingress {
		go a.handle(req)
	}
}

func (a *Adapter) handle(req backend.Request) {
	switch req.Op.Name {
	case backend.OpModelLoad:
		a.handleModelLoad(req, backend.CmdLoadLibrary)

	case backend.OpModelReload:
		a.handleModelLoad(req, backend.CmdReloadLibrary)

	case backend.OpModelUnload:
		a.mu.Lock()
		a.loaded = false
		a.mu.Unlock()
		logger.Info("llm backend: model unloaded")
		req.Reply <- backend.ValueReply(payload.None())

	case backend.OpInference:
		a.handleInference(req, false)

	case backend.OpInferenceStream:
		a.handleInference(req, true)

	default:
		req.Reply <- backend.ErrorReply(fmt.Sprintf("llm backend: unrecognized op %q", req.Op.Name))
	}
}

// handleModelLoad decodes req.Op.Options into a backend.WorkerCommand of the
// given kind, validates it, and on success (re)loads the library at its
// LibPath. kind is CmdLoadLibrary for model.load and CmdReloadLibrary for
// model.reload; a reload keeps the engine's existing sessions intact.
func (a *Adapter) handleModelLoad(req backend.Request, kind backend.WorkerCommandKind) {
	var opts modelLoadOptions
	if raw, rawErr := req.Op.Options.ToRawJSON(); rawErr == nil {
		if jerr := json.Unmarshal(raw, &opts); jerr != nil {
			req.Reply <- backend.ErrorReply(fmt.Sprintf("llm backend: invalid options: %s", jerr))
			return
		}
	}

	cmd := backend.WorkerCommand{Kind: kind, LibPath: opts.LibPath, ModelPath: opts.ModelPath}
	if err := backend.ValidateWorkerCommand(cmd); err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	a.mu.Lock()
	a.loaded = true
	a.libPath = cmd.LibPath
	a.mu.Unlock()
	logger.Info("llm backend: model (re)loaded", "kind", kind.String(), "lib_path", cmd.LibPath)
	req.Reply <- backend.ValueReply(payload.None())
}

func (a *Adapter) handleInference(req backend.Request, streaming bool) {
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if !loaded {
		req.Reply <- backend.ErrorReply("model not loaded")
		return
	}

	text, err := req.Input.ToString()
	if err != nil {
		req.Reply <- backend.ErrorReply(fmt.Sprintf("llm backend: input must be text: %s", err))
		return
	}

	opts := inferenceOptions{MaxTokens: defaultMaxTokens}
	if raw, rawErr := req.Op.Options.ToRawJSON(); rawErr == nil {
		if jerr := json.Unmarshal(raw, &opts); jerr != nil {
			req.Reply <- backend.ErrorReply(fmt.Sprintf("llm backend: invalid options: %s", jerr))
			return
		}
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	sid, err := a.sessionFor(opts.SessionKey)
	if err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	if err := a.engine.AppendInput(sid, text); err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	chunkCh := make(chan backend.StreamChunk, 64)
	if err := a.engine.GenerateStream(sid, opts.MaxTokens, chunkCh); err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	if streaming {
		req.Reply <- backend.StreamReply(chunkCh)
		return
	}

	var sb strings.Builder
	for chunk := range chunkCh {
		switch chunk.Kind {
		case backend.ChunkToken:
			sb.WriteString(chunk.Token)
		case backend.ChunkError:
			req.Reply <- backend.ErrorReply(chunk.Err)
			return
		case backend.ChunkDone:
		}
	}
	req.Reply <- backend.ValueReply(payload.Text(sb.String()))
}

// NewConversationKey mints a fresh external session key via uuid, for a
// caller that wants a pinned, multi-turn conversation but has no existing
// external conversation id to use as session_key. Passing the returned key
// as options.session_key on every call in the conversation pins it to one
// worker's KV cache the same way an externally supplied key would.
func (a *Adapter) NewConversationKey() string {
	return uuid.New().String()
}

// EndConversation ends the engine session pinned to key, if one exists, and
// forgets the session_key mapping. There is no corresponding backend op:
// conversation teardown is an adapter-level lifecycle operation, invoked
// directly rather than through the wire protocol.
func (a *Adapter) EndConversation(key string) error {
	a.mu.Lock()
	sid, ok := a.sessions[key]
	if ok {
		delete(a.sessions, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.engine.EndSession(sid)
}

// sessionFor resolves key to a pinned SessionID, minting one via the engine
// on first use. An empty key gets a fresh, unpinned session on every call:
// a caller that never supplies session_key gets no cross-call KV reuse,
// which is the correct behavior for one-shot, non-conversational calls.
func (a *Adapter) sessionFor(key string) (llm.SessionID, error) {
	if key == "" {
		return a.engine.CreateSession()
	}

	a.mu.Lock()
	if sid, ok := a.sessions[key]; ok {
		a.mu.Unlock()
		return sid, nil
	}
	a.mu.Unlock()

	sid, err := a.engine.CreateSession()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.sessions[key] = sid
	a.mu.Unlock()
	return sid, nil
}
