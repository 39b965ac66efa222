package opqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

func enqueueN(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, q.TryEnqueue(replication.NewOperation(lsn.LSN(i), lsn.Zero, nil)))
	}
}

func TestTryEnqueueOrdering(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 3)
	assert.EqualValues(t, 3, q.ReceivedLSN())
	assert.EqualValues(t, 3, q.Count())
}

func TestTryEnqueueOutOfOrderPanics(t *testing.T) {
	var q = New(1, Options{})
	require.NoError(t, q.TryEnqueue(replication.NewOperation(1, lsn.Zero, nil)))
	assert.Panics(t, func() {
		_ = q.TryEnqueue(replication.NewOperation(3, lsn.Zero, nil))
	})
}

func TestMaxCountBackpressure(t *testing.T) {
	var q = New(1, Options{MaxCount: 4, CleanOnComplete: true})
	enqueueN(t, q, 4)

	var err = q.TryEnqueue(replication.NewOperation(5, lsn.Zero, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, replication.ErrQueueFull)

	// Commit and complete the head to trim, then the fifth Enqueue succeeds.
	q.Commit()
	var upTo = lsn.LSN(1)
	q.Complete(&upTo)
	require.NoError(t, q.TryEnqueue(replication.NewOperation(5, lsn.Zero, nil)))
}

func TestMaxBytesBackpressure(t *testing.T) {
	var q = New(1, Options{MaxBytes: 10})
	require.NoError(t, q.TryEnqueue(replication.NewOperation(1, lsn.Zero, [][]byte{make([]byte, 6)})))
	var err = q.TryEnqueue(replication.NewOperation(2, lsn.Zero, [][]byte{make([]byte, 6)}))
	assert.ErrorIs(t, err, replication.ErrQueueFull)
}

func TestUpdateCommitHeadFiresInOrder(t *testing.T) {
	var q = New(1, Options{})
	var seen []lsn.LSN
	q.opts.Committed = func(op *replication.Operation) { seen = append(seen, op.LSN) }
	enqueueN(t, q, 3)

	q.UpdateCommitHead(2)
	assert.Equal(t, []lsn.LSN{1, 2}, seen)
	assert.EqualValues(t, 2, q.CommittedLSN())

	// Idempotent / monotonic: passing a smaller value never regresses.
	q.UpdateCommitHead(1)
	assert.EqualValues(t, 2, q.CommittedLSN())
}

func TestCommitIgnoredWhenConfigured(t *testing.T) {
	var q = New(1, Options{IgnoreCommit: true})
	enqueueN(t, q, 3)
	q.Commit()
	assert.EqualValues(t, 0, q.CommittedLSN())
}

func TestCompleteContiguousAckScan(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 3)
	q.Commit()

	ops, ok := q.GetOperations(1)
	require.True(t, ok)
	require.Len(t, ops, 3)

	require.NoError(t, ops[0].Acknowledge())
	require.NoError(t, ops[2].Acknowledge()) // out of order: gap at 2 blocks completion.

	var advanced = q.Complete(nil)
	assert.True(t, advanced)
	assert.EqualValues(t, 1, q.CompletedLSN())

	require.NoError(t, ops[1].Acknowledge())
	advanced = q.Complete(nil)
	assert.True(t, advanced)
	assert.EqualValues(t, 3, q.CompletedLSN())
}

func TestCleanOnCompleteReleasesEntries(t *testing.T) {
	var q = New(1, Options{CleanOnComplete: true})
	enqueueN(t, q, 3)
	q.Commit()
	var upTo = lsn.LSN(2)
	q.Complete(&upTo)

	assert.EqualValues(t, 1, q.Count())
	_, ok := q.GetOperations(1)
	assert.False(t, ok, "released operations are no longer retrievable")
	ops, ok := q.GetOperations(3)
	require.True(t, ok)
	assert.Len(t, ops, 1)
}

func TestDiscardNonCommitted(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 5)
	q.UpdateCommitHead(3)

	q.DiscardNonCommitted()
	assert.EqualValues(t, 3, q.ReceivedLSN())
	assert.EqualValues(t, 3, q.Count())
}

func TestDiscardNonCompleted(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 5)
	q.UpdateCommitHead(4)
	var upTo = lsn.LSN(2)
	q.Complete(&upTo)

	q.DiscardNonCompleted()
	assert.EqualValues(t, 2, q.ReceivedLSN())
	assert.EqualValues(t, 2, q.CommittedLSN())
	assert.EqualValues(t, 2, q.Count())
}

func TestReset(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 5)
	q.UpdateCommitHead(5)

	q.Reset(10)
	assert.EqualValues(t, 9, q.FirstLSN())
	assert.EqualValues(t, 9, q.ReceivedLSN())
	assert.EqualValues(t, 0, q.Count())

	require.NoError(t, q.TryEnqueue(replication.NewOperation(10, lsn.Zero, nil)))
}

func TestInvariantHolds(t *testing.T) {
	var q = New(1, Options{})
	enqueueN(t, q, 3)
	assert.True(t, q.Invariant())
	q.UpdateCommitHead(2)
	assert.True(t, q.Invariant())
	var upTo = lsn.LSN(1)
	q.Complete(&upTo)
	assert.True(t, q.Invariant())
}
