package llm

import (
	"sync"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/inferlab/slabrun/internal/rerrors"
	"github.com/inferlab/slabrun/runtime/logger"
	"github.com/inferlab/slabrun/runtime/metrics/prometheus"
)

// masterCommandKind discriminates a masterCommand.
type masterCommandKind int

const (
	mcCreateSession masterCommandKind = iota
	mcAppendInput
	mcGenerateStream
	mcEndSession
	mcCancel
)

// masterCommand is one message on the engine's single command channel. All
// mutable master state (the session map, the round-robin counter) is
// touched only from the run goroutine that drains this channel, so no
// locking is needed there.
type masterCommand struct {
	kind masterCommandKind
	sid  SessionID

	text         string
	maxNewTokens int
	stream       chan<- backend.StreamChunk

	createReply chan<- createResult
	reply       chan<- error
}

type createResult struct {
	id  SessionID
	err error
}

// Engine is the LLM backend's master: it translates per-session commands
// into per-worker commands and enforces session pinning, round-robining
// new sessions across a fixed pool of workers.
type Engine struct {
	workers []*Worker

	cmdCh chan masterCommand

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine constructs an Engine with numWorkers worker goroutines sharing
// model, and starts the master's run loop.
func NewEngine(numWorkers int, model *ModelHandle) *Engine {
	e := &Engine{
		cmdCh:  make(chan masterCommand, 256),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		e.workers = append(e.workers, NewWorker(i, model))
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Stop terminates the master loop and every worker. In-flight sessions are
// dropped without an EndSession ack.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	for _, w := range e.workers {
		w.Stop()
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	sessionWorker := make(map[SessionID]int)
	nextWorker := 0
	var nextSessionID uint64

	for {
		select {
		case <-e.stopCh:
			return
		case cmd, ok := <-e.cmdCh:
			if !ok {
				return
			}
			switch cmd.kind {
			case mcCreateSession:
				widx := nextWorker
				nextWorker = (nextWorker + 1) % len(e.workers)
				sid := SessionID(nextSessionID + 1)

				ack := make(chan error, 1)
				if !e.sendToWorker(widx, workerCommand{kind: wcCreateSession, sid: sid, reply: ack}) {
					cmd.createReply <- createResult{err: rerrors.ErrWorkerShutdown}
					continue
				}
				if err := <-ack; err != nil {
					cmd.createReply <- createResult{err: err}
					continue
				}
				nextSessionID++
				sessionWorker[sid] = widx
				prometheus.RecordSessionCreated()
				logger.SessionCreated(uint64(sid), widx)
				cmd.createReply <- createResult{id: sid}

			case mcAppendInput:
				widx, ok := sessionWorker[cmd.sid]
				if !ok {
					cmd.reply <- sessionNotFound(cmd.sid)
					continue
				}
				ack := make(chan error, 1)
				if !e.sendToWorker(widx, workerCommand{kind: wcAppendInput, sid: cmd.sid, text: cmd.text, reply: ack}) {
					cmd.reply <- rerrors.ErrWorkerShutdown
					continue
				}
				cmd.reply <- <-ack

			case mcGenerateStream:
				widx, ok := sessionWorker[cmd.sid]
				if !ok {
					cmd.reply <- sessionNotFound(cmd.sid)
					continue
				}
				ack := make(chan error, 1)
				sent := e.sendToWorker(widx, workerCommand{
					kind: wcGenerateStream, sid: cmd.sid,
					maxNewTokens: cmd.maxNewTokens, stream: cmd.stream, reply: ack,
				})
				if !sent {
					cmd.reply <- rerrors.ErrWorkerShutdown
					continue
				}
				cmd.reply <- <-ack

			case mcEndSession:
				widx, ok := sessionWorker[cmd.sid]
				if !ok {
					cmd.reply <- sessionNotFound(cmd.sid)
					continue
				}
				ack := make(chan error, 1)
				if !e.sendToWorker(widx, workerCommand{kind: wcEndSession, sid: cmd.sid, reply: ack}) {
					cmd.reply <- rerrors.ErrWorkerShutdown
					continue
				}
				err := <-ack
				if err == nil {
					delete(sessionWorker, cmd.sid)
					prometheus.RecordSessionEnded()
					logger.SessionEnded(uint64(cmd.sid))
				}
				cmd.reply <- err

			case mcCancel:
				widx, ok := sessionWorker[cmd.sid]
				if !ok {
					cmd.reply <- sessionNotFound(cmd.sid)
					continue
				}
				ack := make(chan error, 1)
				if !e.sendToWorker(widx, workerCommand{kind: wcCancel, sid: cmd.sid, reply: ack}) {
					cmd.reply <- rerrors.ErrWorkerShutdown
					continue
				}
				cmd.reply <- <-ack
			}
		}
	}
}

// sendToWorker forwards cmd to worker widx, reporting false if the worker
// is gone (channel closed) rather than blocking forever.
func (e *Engine) sendToWorker(widx int, cmd workerCommand) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	e.workers[widx].cmdCh <- cmd
	return true
}

// CreateSession picks the next worker by round-robin, mints a fresh
// SessionID, and pins it to that worker.
func (e *Engine) CreateSession() (SessionID, error) {
	reply := make(chan createResult, 1)
	e.cmdCh <- masterCommand{kind: mcCreateSession, createReply: reply}
	res := <-reply
	return res.id, res.err
}

// AppendInput forwards a text delta to sid's pinned worker, to be
// prefilled on the next batching step that sees it.
func (e *Engine) AppendInput(sid SessionID, text string) error {
	reply := make(chan error, 1)
	e.cmdCh <- masterCommand{kind: mcAppendInput, sid: sid, text: text, reply: reply}
	return <-reply
}

// GenerateStream starts (or replaces) sid's active generation, up to
// maxNewTokens, delivering chunks on stream.
func (e *Engine) GenerateStream(sid SessionID, maxNewTokens int, stream chan<- backend.StreamChunk) error {
	reply := make(chan error, 1)
	e.cmdCh <- masterCommand{kind: mcGenerateStream, sid: sid, maxNewTokens: maxNewTokens, stream: stream, reply: reply}
	return <-reply
}

// EndSession releases sid's KV-cache sequence id back to its worker's
// free-list and forgets the session-to-worker pinning.
func (e *Engine) EndSession(sid SessionID) error {
	reply := make(chan error, 1)
	e.cmdCh <- masterCommand{kind: mcEndSession, sid: sid, reply: reply}
	return <-reply
}

// Cancel sets sid's cancellation flag; the worker emits Done on the
// session's current stream at the top of its next batching pass.
func (e *Engine) Cancel(sid SessionID) error {
	reply := make(chan error, 1)
	e.cmdCh <- masterCommand{kind: mcCancel, sid: sid, reply: reply}
	return <-reply
}
