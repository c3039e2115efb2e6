// Package vllm implements the domain backend for a vLLM server: it honors
// the generic backend.Request/Reply protocol via OpenAI-compatible chat
// completion HTTP calls, including vLLM's guided-decoding and beam-search
// sampling extensions and SSE-based token streaming.
package vllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/payload"
	"github.com/inferlab/slabrun/runtime/logger"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	defaultHTTPTimeout  = 120 * time.Second
)

// Config configures one vLLM HTTP backend worker.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string // optional; vLLM supports both auth and no-auth deployments
}

// chatRequest mirrors vLLM's OpenAI-compatible chat-completions request,
// including its sampling extensions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`

	UseBeamSearch bool                   `json:"use_beam_search,omitempty"`
	IgnoreEOS     bool                   `json:"ignore_eos,omitempty"`
	GuidedJSON    map[string]interface{} `json:"guided_json,omitempty"`
	GuidedRegex   string                 `json:"guided_regex,omitempty"`
	GuidedGrammar string                 `json:"guided_grammar,omitempty"`
	GuidedChoice  []string               `json:"guided_choice,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// callOptions is the JSON shape of BackendOp.Options understood by the
// vLLM backend.
type callOptions struct {
	Temperature   float32                `json:"temperature"`
	TopP          float32                `json:"top_p"`
	MaxTokens     int                    `json:"max_tokens"`
	UseBeamSearch bool                   `json:"use_beam_search"`
	IgnoreEOS     bool                   `json:"ignore_eos"`
	GuidedJSON    map[string]interface{} `json:"guided_json"`
	GuidedRegex   string                 `json:"guided_regex"`
	GuidedGrammar string                 `json:"guided_grammar"`
	GuidedChoice  []string               `json:"guided_choice"`
}

// modelLoadOptions is the JSON shape of BackendOp.Options for "model.load"
// and "model.reload". ModelPath names the model the vLLM server should
// serve; vLLM has no separate native library to load, so LibPath is not
// meaningful here.
type modelLoadOptions struct {
	ModelPath string `json:"model_path"`
}

// Worker consumes BackendRequests and issues OpenAI-compatible chat
// completion calls against a vLLM server. model.load/model.reload/
// model.unload are acknowledged locally: the vLLM server manages its own
// weights lifecycle, so these ops just gate whether this Worker will
// dispatch requests to it and which model name it requests.
type Worker struct {
	cfg    Config
	client *http.Client
	loaded bool
}

// NewWorker returns a Worker for cfg.
func NewWorker(cfg Config) *Worker {
	return &Worker{cfg: cfg, client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// Serve consumes BackendRequests from ingress until it is closed or ctx is
// done.
func (w *Worker) Serve(ctx context.Context, ingress <-chan backend.Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-ingress:
			if !ok {
				return
			}
			go w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req backend.Request) {
	switch req.Op.Name {
	case backend.OpModelLoad:
		w.handleModelLoad(req, backend.CmdLoadModel)
	case backend.OpModelReload:
		w.handleModelLoad(req, backend.CmdLoadModel)
	case backend.OpModelUnload:
		w.loaded = false
		req.Reply <- backend.ValueReply(payload.None())
	case backend.OpInference:
		w.handleUnary(ctx, req)
	case backend.OpInferenceStream:
		w.handleStream(ctx, req)
	default:
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm backend: unrecognized op %q", req.Op.Name))
	}
}

// handleModelLoad decodes req.Op.Options into a backend.WorkerCommand,
// validates it, and points subsequent chat-completion calls at ModelPath.
// A vLLM server addresses models by name rather than filesystem path, but
// the field carries either: whatever string the deployer passes here is
// sent verbatim as the chat request's "model".
func (w *Worker) handleModelLoad(req backend.Request, kind backend.WorkerCommandKind) {
	var opts modelLoadOptions
	if raw, rawErr := req.Op.Options.ToRawJSON(); rawErr == nil {
		if jerr := json.Unmarshal(raw, &opts); jerr != nil {
			req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm backend: invalid options: %s", jerr))
			return
		}
	}

	cmd := backend.WorkerCommand{Kind: kind, ModelPath: opts.ModelPath}
	if err := backend.ValidateWorkerCommand(cmd); err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	w.cfg.Model = cmd.ModelPath
	w.loaded = true
	logger.Info("vllm backend: model (re)loaded", "kind", kind.String(), "model", w.cfg.Model)
	req.Reply <- backend.ValueReply(payload.None())
}

func (w *Worker) buildChatRequest(req backend.Request, stream bool) (*chatRequest, error) {
	if !w.loaded {
		return nil, fmt.Errorf("model not loaded")
	}
	prompt, err := req.Input.ToString()
	if err != nil {
		return nil, fmt.Errorf("input must be text: %w", err)
	}

	var opts callOptions
	if raw, rawErr := req.Op.Options.ToRawJSON(); rawErr == nil {
		if jerr := json.Unmarshal(raw, &opts); jerr != nil {
			return nil, fmt.Errorf("invalid options: %w", jerr)
		}
	}

	return &chatRequest{
		Model:         w.cfg.Model,
		Messages:      []chatMessage{{Role: "user", Content: prompt}},
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		MaxTokens:     opts.MaxTokens,
		Stream:        stream,
		UseBeamSearch: opts.UseBeamSearch,
		IgnoreEOS:     opts.IgnoreEOS,
		GuidedJSON:    opts.GuidedJSON,
		GuidedRegex:   opts.GuidedRegex,
		GuidedGrammar: opts.GuidedGrammar,
		GuidedChoice:  opts.GuidedChoice,
	}, nil
}

func (w *Worker) newHTTPRequest(ctx context.Context, body *chatRequest) (*http.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+chatCompletionsPath, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}
	logger.APIRequest("vllm", http.MethodPost, httpReq.URL.String(), nil, body)
	return httpReq, nil
}

func (w *Worker) handleUnary(ctx context.Context, req backend.Request) {
	chatReq, err := w.buildChatRequest(req, false)
	if err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	httpReq, err := w.newHTTPRequest(ctx, chatReq)
	if err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		logger.APIResponse("vllm", 0, "", err)
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm request failed: %s", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm response read failed: %s", err))
		return
	}
	logger.APIResponse("vllm", resp.StatusCode, string(body), nil)

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm response decode failed: %s", err))
		return
	}
	if parsed.Error != nil {
		req.Reply <- backend.ErrorReply(parsed.Error.Message)
		return
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		req.Reply <- backend.ErrorReply("vllm response had no choices")
		return
	}
	req.Reply <- backend.ValueReply(payload.Text(parsed.Choices[0].Message.Content))
}

func (w *Worker) handleStream(ctx context.Context, req backend.Request) {
	chatReq, err := w.buildChatRequest(req, true)
	if err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	httpReq, err := w.newHTTPRequest(ctx, chatReq)
	if err != nil {
		req.Reply <- backend.ErrorReply(err.Error())
		return
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm request failed: %s", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		req.Reply <- backend.ErrorReply(fmt.Sprintf("vllm request returned status %d: %s", resp.StatusCode, string(body)))
		return
	}

	chunkCh := make(chan backend.StreamChunk, 16)
	req.Reply <- backend.StreamReply(chunkCh)

	go w.pumpSSE(resp.Body, req.Cancel, chunkCh)
}

// pumpSSE reads server-sent chat-completion chunks until the stream's
// "[DONE]" sentinel, a terminal finish_reason, cancellation, or a decode
// error, and always leaves exactly one Done or Error chunk as the last
// thing sent before closing out.
func (w *Worker) pumpSSE(body io.ReadCloser, cancel <-chan struct{}, out chan<- backend.StreamChunk) {
	defer body.Close()
	defer close(out)

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		select {
		case <-cancel:
			return
		default:
		}

		data := scanner.Data()
		if data == "[DONE]" {
			out <- backend.DoneChunk()
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- backend.ErrChunk(fmt.Sprintf("vllm stream decode failed: %s", err))
			return
		}
		if chunk.Error != nil {
			out <- backend.ErrChunk(chunk.Error.Message)
			return
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			out <- backend.TokenChunk(text)
		}
		if chunk.Choices[0].FinishReason != "" {
			out <- backend.DoneChunk()
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- backend.ErrChunk(fmt.Sprintf("vllm stream read failed: %s", err))
	}
}
