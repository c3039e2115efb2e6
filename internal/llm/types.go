// Package llm implements the session-pinned continuous-batching engine
// that powers the LLM backend: a master goroutine that enforces session
// pinning across a fixed pool of workers, and one worker goroutine per
// pool slot that owns its sessions' KV-cache sequence ids exclusively and
// batches their pending tokens into a single decode call per step.
package llm

import (
	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/rerrors"
)

// SessionID is an opaque, process-unique identifier for a conversational
// thread pinned to exactly one worker for its lifetime.
type SessionID uint64

// ModelHandle is the read-only state shared by every worker: in a real
// backend this would be the loaded model weights. This module's decode
// step is a deterministic pure-Go stand-in rather than a cgo inference
// binding (see Worker), so ModelHandle carries only the vocabulary the
// stand-in sampler cycles through.
type ModelHandle struct {
	Vocab []string
}

// DefaultModelHandle returns a ModelHandle with a small fixed vocabulary,
// sufficient for the stand-in sampler to produce distinct, deterministic
// tokens across a generation.
func DefaultModelHandle() *ModelHandle {
	return &ModelHandle{
		Vocab: []string{
			"the", "model", "considers", "the", "input", "and", "continues",
			"generating", "tokens", "until", "the", "budget", "is", "exhausted",
			"or", "a", "natural", "stop", "point", "is", "reached",
		},
	}
}

// Sampler is a per-session stateful cursor over the model's vocabulary.
// Each call to Next advances the cursor; the stand-in never emits a
// model-chosen end-of-generation token, matching a vLLM-style backend
// where end-of-generation is driven by the caller's token budget.
type Sampler struct {
	vocab []string
	pos   int
}

// NewSampler returns a Sampler reading from model's vocabulary.
func NewSampler(model *ModelHandle) *Sampler {
	return &Sampler{vocab: model.Vocab}
}

// Next returns the next sampled token piece and advances the cursor.
func (s *Sampler) Next() string {
	tok := s.vocab[s.pos%len(s.vocab)]
	s.pos++
	return tok
}

// generation is the substate of a session with an active, in-progress
// generation. A session has at most one of these at a time; starting a
// new GenerateStream while one exists replaces it (the old stream's
// consumer will not observe Done — documented in Design Notes).
type generation struct {
	stream          chan<- backend.StreamChunk
	remainingBudget int
	pendingToken    string // sampled last step, not yet "decoded"
	hasPending      bool
	cancelled       bool
}

// sessionState is the state of one conversational session, owned
// exclusively by the one worker it is pinned to.
type sessionState struct {
	sequenceID    int64
	nPast         int
	pendingPrefix []string // tokenized pending input awaiting prefill
	sampler       *Sampler
	active        *generation
}

func newSessionState(seqID int64, model *ModelHandle) *sessionState {
	return &sessionState{sequenceID: seqID, sampler: NewSampler(model)}
}

// SessionNotFoundError and friends are reused from the shared taxonomy; a
// local alias keeps call sites in this package terse.
func sessionNotFound(sid SessionID) error {
	return &rerrors.SessionNotFoundError{SessionID: uint64(sid)}
}
