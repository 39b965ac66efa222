package secondary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

func opAt(l lsn.LSN, epoch lsn.Epoch) replication.Operation {
	return replication.NewOperation(l, epoch, [][]byte{[]byte("x")})
}

func drainOne(t *testing.T, r *Receiver) *replication.Operation {
	t.Helper()
	var op, err = r.DispatchQueue().Dequeue(context.Background())
	require.NoError(t, err)
	return op
}

func TestReceiverInOrderDispatch(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(1, epoch, ReceiverOptions{})

	require.NoError(t, r.ProcessReplicationOperation(opAt(1, epoch)))
	require.NoError(t, r.ProcessReplicationOperation(opAt(2, epoch)))
	assert.EqualValues(t, 2, r.CommittedLSN())

	assert.EqualValues(t, 1, drainOne(t, r).LSN)
	assert.EqualValues(t, 2, drainOne(t, r).LSN)
}

func TestReceiverCommitStopsAtGap(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(1, epoch, ReceiverOptions{})

	require.NoError(t, r.ProcessReplicationOperation(opAt(1, epoch)))
	require.NoError(t, r.ProcessReplicationOperation(opAt(3, epoch)))
	assert.EqualValues(t, 1, r.CommittedLSN())
	assert.Equal(t, 1, r.BufferedCount())

	require.NoError(t, r.ProcessReplicationOperation(opAt(2, epoch)))
	assert.EqualValues(t, 3, r.CommittedLSN())
	assert.Equal(t, 0, r.BufferedCount())
}

func TestReceiverIgnoresPreCopyHistoryAndDuplicates(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(5, epoch, ReceiverOptions{})

	require.NoError(t, r.ProcessReplicationOperation(opAt(3, epoch)), "pre-copy history is dropped")
	assert.EqualValues(t, 4, r.CommittedLSN())

	require.NoError(t, r.ProcessReplicationOperation(opAt(5, epoch)))
	require.NoError(t, r.ProcessReplicationOperation(opAt(5, epoch)), "duplicate is dropped")
	assert.EqualValues(t, 5, r.CommittedLSN())
}

func TestReceiverWindowBackpressure(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(1, epoch, ReceiverOptions{MaxWindow: 2})

	var err = r.ProcessReplicationOperation(opAt(3, epoch))
	assert.ErrorIs(t, err, replication.ErrQueueFull)

	// In-window operations still land.
	require.NoError(t, r.ProcessReplicationOperation(opAt(1, epoch)))
	require.NoError(t, r.ProcessReplicationOperation(opAt(2, epoch)))
	require.NoError(t, r.ProcessReplicationOperation(opAt(3, epoch)))
	assert.EqualValues(t, 3, r.CommittedLSN())
}

func TestReceiverEpochBarrier(t *testing.T) {
	var e1 = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var e2 = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 6}
	var r = NewReceiver(1, e1, ReceiverOptions{RequireServiceAck: true})

	for i := lsn.LSN(1); i <= 10; i++ {
		require.NoError(t, r.ProcessReplicationOperation(opAt(i, e1)))
		require.NoError(t, drainOne(t, r).Acknowledge())
	}
	assert.EqualValues(t, 10, r.CompletedLSN())

	// The first operation of the new epoch interposes the barrier.
	require.NoError(t, r.ProcessReplicationOperation(opAt(11, e2)))

	var barrier = drainOne(t, r)
	assert.Equal(t, replication.OpUpdateEpoch, barrier.Type)
	assert.Equal(t, e2, barrier.Epoch)
	assert.EqualValues(t, 10, barrier.LSN, "barrier records the prior epoch's last LSN")

	// Commit is disabled until the barrier completes.
	assert.EqualValues(t, 10, r.CommittedLSN())
	assert.True(t, r.ReadyForEpochUpdate())

	require.NoError(t, r.CompleteEpochUpdate(e2))
	assert.EqualValues(t, 11, r.CommittedLSN())
	assert.EqualValues(t, 11, drainOne(t, r).LSN)
}

func TestReceiverBarrierWaitsForServiceAcks(t *testing.T) {
	var e1 = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var e2 = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 6}
	var r = NewReceiver(1, e1, ReceiverOptions{RequireServiceAck: true})

	require.NoError(t, r.ProcessReplicationOperation(opAt(1, e1)))
	var op1 = drainOne(t, r)

	require.NoError(t, r.ProcessReplicationOperation(opAt(2, e2)))
	assert.False(t, r.ReadyForEpochUpdate(), "operation 1 is not yet service-acked")

	require.NoError(t, op1.Acknowledge())
	assert.True(t, r.ReadyForEpochUpdate())
}

func TestReceiverCompleteEpochUpdateWithoutBarrier(t *testing.T) {
	var e1 = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(1, e1, ReceiverOptions{})
	var err = r.CompleteEpochUpdate(e1)
	assert.ErrorIs(t, err, replication.ErrInvalidState)
}

func TestReceiverEndOfStream(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var r = NewReceiver(1, epoch, ReceiverOptions{RequireServiceAck: true})

	require.NoError(t, r.ProcessReplicationOperation(opAt(1, epoch)))
	require.NoError(t, drainOne(t, r).Acknowledge())

	var eos = r.EnqueueEndOfStream()
	assert.Same(t, eos, r.EnqueueEndOfStream(), "EndOfStream is enqueued exactly once")

	assert.False(t, r.AllOperationsAcked())
	var got = drainOne(t, r)
	assert.Equal(t, replication.OpEndOfStream, got.Type)
	require.NoError(t, got.Acknowledge())
	assert.True(t, r.AllOperationsAcked())

	_, err := r.DispatchQueue().Dequeue(context.Background())
	assert.ErrorIs(t, err, replication.ErrObjectClosed)
}

func TestReceiverOnProgressFires(t *testing.T) {
	var epoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}
	var fired int
	var r *Receiver
	r = NewReceiver(1, epoch, ReceiverOptions{
		RequireServiceAck: true,
		OnProgress:        func() { fired++ },
	})

	require.NoError(t, r.ProcessReplicationOperation(opAt(1, epoch)))
	require.NoError(t, drainOne(t, r).Acknowledge())
	assert.Equal(t, 1, fired)
	assert.EqualValues(t, 1, r.CompletedLSN())
}
