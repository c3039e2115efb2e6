package llm

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/runtime/logger"
	"github.com/inferlab/slabrun/runtime/metrics/prometheus"
)

// batchCapacity bounds the number of tokens a single decode call accepts
// across all sessions' contributions. A session whose prefill would
// overflow it is deferred to a later step.
const batchCapacity = 256

// workerCommandKind discriminates a workerCommand sent from the master to
// one worker.
type workerCommandKind int

const (
	wcCreateSession workerCommandKind = iota
	wcAppendInput
	wcGenerateStream
	wcEndSession
	wcCancel
	wcInspect
)

// workerSnapshot is a test-only view of a worker's internal bookkeeping,
// read safely because it is produced on the worker's own run goroutine.
type workerSnapshot struct {
	sessionCount int
	freeSeqIDs   []int64
	nextSeqID    int64
}

// workerCommand is one message on a worker's command channel.
type workerCommand struct {
	kind workerCommandKind
	sid  SessionID

	text         string
	maxNewTokens int
	stream       chan<- backend.StreamChunk

	reply      chan<- error
	snapshotCh chan<- workerSnapshot
}

// decodeHook lets tests force a deterministic decode failure; nil in
// production use.
type decodeHook func(b *pendingBatch) error

// Worker owns exactly one simulated inference context and the sessions
// pinned to it. It runs on its own goroutine and is the sole caller of
// decode against its context, mirroring a cgo-backed worker that would
// additionally call runtime.LockOSThread as the first line of run().
type Worker struct {
	index int
	model *ModelHandle

	sessions   map[SessionID]*sessionState
	nextSeqID  int64
	freeSeqIDs []int64

	cmdCh chan workerCommand

	decodeHook decodeHook // test-only override

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker constructs a Worker and starts its run loop.
func NewWorker(index int, model *ModelHandle) *Worker {
	w := &Worker{
		index:    index,
		model:    model,
		sessions: make(map[SessionID]*sessionState),
		cmdCh:    make(chan workerCommand, 64),
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Stop terminates the worker's run loop. Pending sessions are dropped
// without emitting Done; callers should EndSession each session first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) allocSeqID() int64 {
	if n := len(w.freeSeqIDs); n > 0 {
		id := w.freeSeqIDs[n-1]
		w.freeSeqIDs = w.freeSeqIDs[:n-1]
		return id
	}
	id := w.nextSeqID
	w.nextSeqID++
	return id
}

// run is the worker's hot loop: drain pending commands, check for work,
// and either run one batching step or block on the command channel.
func (w *Worker) run() {
	defer w.wg.Done()
	for {
		w.drainCommands(true)
		if w.hasWork() {
			w.step()
			continue
		}
		select {
		case <-w.stopCh:
			return
		case cmd, ok := <-w.cmdCh:
			if !ok {
				return
			}
			w.apply(cmd)
		}
	}
}

// drainCommands applies every command currently queued without blocking.
// When blockIfEmptyFirst is true and nothing is queued, it returns
// immediately (the caller falls back to a blocking receive itself).
func (w *Worker) drainCommands(_ bool) {
	for {
		select {
		case <-w.stopCh:
			return
		case cmd, ok := <-w.cmdCh:
			if !ok {
				return
			}
			w.apply(cmd)
		default:
			return
		}
	}
}

func (w *Worker) apply(cmd workerCommand) {
	switch cmd.kind {
	case wcCreateSession:
		seqID := w.allocSeqID()
		w.sessions[cmd.sid] = newSessionState(seqID, w.model)
		cmd.reply <- nil

	case wcAppendInput:
		sess, ok := w.sessions[cmd.sid]
		if !ok {
			cmd.reply <- sessionNotFound(cmd.sid)
			return
		}
		sess.pendingPrefix = append(sess.pendingPrefix, tokenize(cmd.text)...)
		cmd.reply <- nil

	case wcGenerateStream:
		sess, ok := w.sessions[cmd.sid]
		if !ok {
			cmd.reply <- sessionNotFound(cmd.sid)
			return
		}
		// Starting a new generation while one is active replaces the
		// sender; the old stream's consumer will not see Done.
		sess.active = &generation{stream: cmd.stream, remainingBudget: cmd.maxNewTokens}
		cmd.reply <- nil

	case wcEndSession:
		sess, ok := w.sessions[cmd.sid]
		if !ok {
			cmd.reply <- sessionNotFound(cmd.sid)
			return
		}
		w.freeSeqIDs = append(w.freeSeqIDs, sess.sequenceID)
		delete(w.sessions, cmd.sid)
		cmd.reply <- nil

	case wcCancel:
		sess, ok := w.sessions[cmd.sid]
		if !ok {
			cmd.reply <- sessionNotFound(cmd.sid)
			return
		}
		if sess.active != nil {
			sess.active.cancelled = true
		}
		cmd.reply <- nil

	case wcInspect:
		free := make([]int64, len(w.freeSeqIDs))
		copy(free, w.freeSeqIDs)
		cmd.snapshotCh <- workerSnapshot{
			sessionCount: len(w.sessions),
			freeSeqIDs:   free,
			nextSeqID:    w.nextSeqID,
		}
	}
}

// hasWork reports whether any session has pending prefill tokens or a
// sampled-but-undecoded token on an active, non-cancelled generation.
func (w *Worker) hasWork() bool {
	for _, sess := range w.sessions {
		if sess.active == nil {
			continue
		}
		if sess.active.cancelled {
			return true // cancellation is processed at the top of batch building
		}
		if len(sess.pendingPrefix) > 0 || sess.active.hasPending {
			return true
		}
	}
	return false
}

// pendingBatch describes one step's contributions, passed to the (stand-in)
// decode call and to the decode test hook.
type pendingBatch struct {
	logitsOwners []SessionID
	totalTokens  int
}

// step runs exactly one continuous-batching step across all sessions with
// work: batch building, a single decode call, position update, sampling,
// and sequence-id hygiene are all folded into this one pass.
func (w *Worker) step() {
	start := time.Now()
	batch := &pendingBatch{}
	prefilled := make(map[SessionID]int) // sid -> tokens contributed this step

	for sid, sess := range w.sessions {
		if sess.active == nil {
			continue
		}
		if sess.active.cancelled {
			trySendTerminal(sess.active.stream, backend.DoneChunk())
			sess.active = nil
			continue
		}
		if len(sess.pendingPrefix) > 0 {
			k := len(sess.pendingPrefix)
			if batch.totalTokens+k > batchCapacity {
				continue // deferred to a later step
			}
			batch.totalTokens += k
			prefilled[sid] = k
			batch.logitsOwners = append(batch.logitsOwners, sid)
		} else if sess.active.hasPending {
			batch.totalTokens++
			batch.logitsOwners = append(batch.logitsOwners, sid)
		}
	}

	if len(batch.logitsOwners) == 0 {
		return
	}

	if err := w.decode(batch); err != nil {
		prometheus.RecordWorkerDecodeFailure(indexLabel(w.index))
		logger.WorkerDecodeFailed(w.index, err)
		for _, sess := range w.sessions {
			if sess.active != nil {
				trySendTerminal(sess.active.stream, backend.ErrChunk(err.Error()))
				sess.active = nil
			}
		}
		return
	}

	for sid, sess := range w.sessions {
		if k, ok := prefilled[sid]; ok {
			sess.nPast += k
			sess.pendingPrefix = nil
		} else if sess.active != nil && sess.active.hasPending {
			sess.nPast++
			sess.active.hasPending = false
		}
	}

	for _, sid := range batch.logitsOwners {
		sess := w.sessions[sid]
		if sess == nil || sess.active == nil {
			continue
		}
		sampler := sess.sampler
		token := sampler.Next()

		if sess.active.remainingBudget <= 0 {
			trySendTerminal(sess.active.stream, backend.DoneChunk())
			sess.active = nil
			continue
		}

		select {
		case sess.active.stream <- backend.TokenChunk(token):
			sess.active.remainingBudget--
			sess.active.pendingToken = token
			sess.active.hasPending = true
			if sess.active.remainingBudget == 0 {
				trySendTerminal(sess.active.stream, backend.DoneChunk())
				sess.active = nil
			}
		default:
			// Consumer dropped: stop emitting for this session.
			sess.active = nil
		}
	}

	prometheus.RecordWorkerStep(indexLabel(w.index), len(batch.logitsOwners), time.Since(start).Seconds())
	logger.WorkerStep(w.index, len(batch.logitsOwners), len(batch.logitsOwners))
}

// decode runs the single batched decode call for this step. This module's
// decode is a deterministic pure-Go stand-in: the real work of advancing
// KV-cache state and producing logits is replaced by the position-update
// and sampling steps in step(), since there is no cgo inference context
// to call into. A test-only hook lets tests force a decode failure to
// exercise the error path deterministically.
func (w *Worker) decode(b *pendingBatch) error {
	if w.decodeHook != nil {
		return w.decodeHook(b)
	}
	return nil
}

// trySendTerminal sends a Done or Error chunk without blocking. The spec
// treats a dropped consumer on these chunks as a no-op, not a failure: the
// consumer is already gone either way.
func trySendTerminal(stream chan<- backend.StreamChunk, chunk backend.StreamChunk) {
	select {
	case stream <- chunk:
	default:
	}
}

func tokenize(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return []string{text}
	}
	return fields
}

func indexLabel(i int) string {
	return "worker-" + strconv.Itoa(i)
}
