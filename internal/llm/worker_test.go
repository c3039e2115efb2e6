package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/inferlab/slabrun/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker() *Worker {
	return NewWorker(0, DefaultModelHandle())
}

func createSession(t *testing.T, w *Worker) SessionID {
	t.Helper()
	ack := make(chan error, 1)
	sid := SessionID(1)
	w.cmdCh <- workerCommand{kind: wcCreateSession, sid: sid, reply: ack}
	require.NoError(t, <-ack)
	return sid
}

// TestContinuousBatching_AdvancesMultipleSessions covers testable property
// 7: with k sessions each having a pending token, one step advances each
// generating session and emits exactly one token piece per session.
func TestContinuousBatching_AdvancesMultipleSessions(t *testing.T) {
	w := newTestWorker()
	defer w.Stop()

	const k = 3
	sids := make([]SessionID, k)
	streams := make([]chan backend.StreamChunk, k)
	for i := 0; i < k; i++ {
		ack := make(chan error, 1)
		sid := SessionID(i + 1)
		w.cmdCh <- workerCommand{kind: wcCreateSession, sid: sid, reply: ack}
		require.NoError(t, <-ack)
		sids[i] = sid

		appendAck := make(chan error, 1)
		w.cmdCh <- workerCommand{kind: wcAppendInput, sid: sid, text: "hello there", reply: appendAck}
		require.NoError(t, <-appendAck)

		streams[i] = make(chan backend.StreamChunk, 16)
		genAck := make(chan error, 1)
		w.cmdCh <- workerCommand{kind: wcGenerateStream, sid: sid, maxNewTokens: 4, stream: streams[i], reply: genAck}
		require.NoError(t, <-genAck)
	}

	for i := 0; i < k; i++ {
		select {
		case c := <-streams[i]:
			assert.Equal(t, backend.ChunkToken, c.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("session %d: timed out waiting for first token", i)
		}
	}
}

// TestDecodeFailure_ErrorsAllActiveGenerations covers the worker's decode
// failure handling: a failed batched decode call errors every active
// generation rather than retrying.
func TestDecodeFailure_ErrorsAllActiveGenerations(t *testing.T) {
	w := newTestWorker()
	w.decodeHook = func(b *pendingBatch) error { return errors.New("decode backend unavailable") }
	defer w.Stop()

	sid := createSession(t, w)
	appendAck := make(chan error, 1)
	w.cmdCh <- workerCommand{kind: wcAppendInput, sid: sid, text: "hi", reply: appendAck}
	require.NoError(t, <-appendAck)

	stream := make(chan backend.StreamChunk, 4)
	genAck := make(chan error, 1)
	w.cmdCh <- workerCommand{kind: wcGenerateStream, sid: sid, maxNewTokens: 8, stream: stream, reply: genAck}
	require.NoError(t, <-genAck)

	select {
	case c := <-stream:
		require.Equal(t, backend.ChunkError, c.Kind)
		assert.Contains(t, c.Err, "decode backend unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error chunk")
	}
}

// TestSequenceIDFreeList covers testable property 6: ending a session
// frees its sequence id for reuse by the next CreateSession.
func TestSequenceIDFreeList(t *testing.T) {
	w := newTestWorker()
	defer w.Stop()

	ack1 := make(chan error, 1)
	w.cmdCh <- workerCommand{kind: wcCreateSession, sid: SessionID(1), reply: ack1}
	require.NoError(t, <-ack1)

	endAck := make(chan error, 1)
	w.cmdCh <- workerCommand{kind: wcEndSession, sid: SessionID(1), reply: endAck}
	require.NoError(t, <-endAck)

	ack2 := make(chan error, 1)
	w.cmdCh <- workerCommand{kind: wcCreateSession, sid: SessionID(2), reply: ack2}
	require.NoError(t, <-ack2)

	// wcInspect is answered by the worker's own run goroutine, so reading
	// its reply is safe even though sessions/freeSeqIDs are otherwise
	// unsynchronized white-box state.
	snapshotCh := make(chan workerSnapshot, 1)
	w.cmdCh <- workerCommand{kind: wcInspect, snapshotCh: snapshotCh}
	snap := <-snapshotCh

	assert.Equal(t, 1, snap.sessionCount)
	assert.Empty(t, snap.freeSeqIDs, "the freed seq id from session 1 should have been reused by session 2")
	assert.Equal(t, int64(1), snap.nextSeqID)
}

func TestTokenize_EmptyStringYieldsOneField(t *testing.T) {
	assert.Equal(t, []string{""}, tokenize(""))
	assert.Equal(t, []string{"a", "b"}, tokenize("a b"))
}
