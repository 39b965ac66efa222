package secondary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/config"
	"github.com/brokercore/replicator/replication/health"
	"github.com/brokercore/replicator/replication/stateprovider"
)

type stubStream struct {
	ops []replication.Operation
	idx int
}

func (s *stubStream) Next(context.Context) (replication.Operation, error) {
	if s.idx >= len(s.ops) {
		return replication.Operation{}, stateprovider.ErrStreamExhausted
	}
	var op = s.ops[s.idx]
	s.idx++
	return op, nil
}

func (s *stubStream) Close() {}

type stubProvider struct {
	mu           sync.Mutex
	epochUpdates []lsn.Epoch
}

func (p *stubProvider) GetLastCommittedSequenceNumber(context.Context) (lsn.LSN, error) {
	return 0, nil
}

func (p *stubProvider) UpdateEpoch(_ context.Context, epoch lsn.Epoch, _ lsn.LSN) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epochUpdates = append(p.epochUpdates, epoch)
	return nil
}

func (p *stubProvider) OnDataLoss(context.Context) (bool, error) { return false, nil }

func (p *stubProvider) GetCopyState(context.Context, lsn.LSN, []byte) (stateprovider.OperationStream, error) {
	return &stubStream{}, nil
}

func (p *stubProvider) GetCopyContext(context.Context) (stateprovider.OperationStream, error) {
	return &stubStream{ops: []replication.Operation{
		{Segments: [][]byte{[]byte("ctx")}},
	}}, nil
}

type healthRecorder struct {
	mu      sync.Mutex
	reports []health.Report
}

func (h *healthRecorder) ReportHealth(r health.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

func (h *healthRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

func engineWaitFor(t *testing.T, cond func() bool) {
	t.Helper()
	var deadline = time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never satisfied")
		}
		time.Sleep(time.Millisecond)
	}
}

var testEpoch = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 5}

func newTestEngine(t *testing.T, persisted bool, hr *healthRecorder, rec *ackRecorder, tweak func(*config.Parameters)) *Engine {
	t.Helper()
	var params = config.Default()
	params.BatchAckInterval = time.Hour // ticks are irrelevant in unit tests
	params.RequireServiceAck = persisted
	if tweak != nil {
		tweak(&params)
	}
	var e = NewEngine(EngineOptions{
		ReplicaID:         "r1",
		IncarnationID:     "r1/1",
		HasPersistedState: persisted,
		Provider:          &stubProvider{},
		Params:            params,
		Health:            hr,
		SendAck:           rec.send,
	})
	t.Cleanup(e.Close)
	return e
}

func TestStartCopyIsIdempotent(t *testing.T) {
	var rec = &ackRecorder{}
	var e = newTestEngine(t, false, &healthRecorder{}, rec, nil)

	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))
	var recv = e.ReplicationReceiver()
	require.NotNil(t, recv)
	var acks = rec.count()
	assert.Greater(t, acks, 0, "StartCopy forces an immediate ack")

	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))
	assert.Same(t, recv, e.ReplicationReceiver(), "retransmitted StartCopy does not recreate queues")
	assert.Greater(t, rec.count(), acks, "retransmitted StartCopy re-forces an ack")
}

func TestStartCopyWrongReplicaIgnored(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)
	require.NoError(t, e.StartCopy(testEpoch, "someone-else", 1, false))
	assert.Nil(t, e.ReplicationReceiver())
}

func TestStartCopyAckReportsAnchor(t *testing.T) {
	var rec = &ackRecorder{}
	var e = newTestEngine(t, false, &healthRecorder{}, rec, nil)

	require.NoError(t, e.StartCopy(testEpoch, "r1", 4, false))
	var last = rec.last()
	assert.EqualValues(t, 3, last[0], "handshake ack carries the replication anchor")
}

func TestReplicationBeforeStartCopyDropped(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(1, testEpoch)}, testEpoch, 0))
	assert.Nil(t, e.ReplicationReceiver())
}

func TestReplicationStaleEpochDropped(t *testing.T) {
	var rec = &ackRecorder{}
	var e = newTestEngine(t, false, &healthRecorder{}, rec, nil)
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))

	var stale = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 4}
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(1, stale)}, stale, 0))
	assert.EqualValues(t, 0, e.ReplicationReceiver().CommittedLSN())
}

func TestReplicationAdvancesMinAllowedEpoch(t *testing.T) {
	var rec = &ackRecorder{}
	var e = newTestEngine(t, false, &healthRecorder{}, rec, nil)
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))

	var newer = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 6}
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(1, newer)}, newer, 0))

	// A batch at the old epoch is now stale.
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(2, testEpoch)}, testEpoch, 0))
	engineWaitFor(t, func() bool { return e.ReplicationReceiver().BufferedCount() == 0 })
	assert.EqualValues(t, 1, e.ReplicationReceiver().CommittedLSN())
}

func TestReplicationQueueFullRaisesHealthWarning(t *testing.T) {
	var hr = &healthRecorder{}
	var e = newTestEngine(t, false, hr, &ackRecorder{}, func(p *config.Parameters) {
		p.MaxReplicationQueueSizeSecondary = 2
	})
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))

	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(9, testEpoch)}, testEpoch, 0),
		"queue-full is recovered locally, not surfaced")
	assert.Equal(t, 1, hr.count())
}

func TestCopyOperationNewerEpochFaults(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))

	var newer = lsn.Epoch{DataLossNumber: 2, ConfigurationNumber: 1}
	var err = e.CopyOperation(replication.NewOperation(1, newer, nil), "r1", newer, false)
	assert.ErrorIs(t, err, replication.ErrInvalidState)
	faulted, _ := e.Faulted()
	assert.True(t, faulted)
}

func TestCopyOperationStaleEpochDropped(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))

	var stale = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 4}
	require.NoError(t, e.CopyOperation(replication.NewOperation(1, stale, nil), "r1", stale, false))
	faulted, _ := e.Faulted()
	assert.False(t, faulted)
	assert.EqualValues(t, 0, e.CopyStream().LastLSN())
}

func TestEpochBarrierDrivesUpdateEpoch(t *testing.T) {
	var rec = &ackRecorder{}
	var provider = &stubProvider{}
	var params = config.Default()
	params.BatchAckInterval = time.Hour
	var e = NewEngine(EngineOptions{
		ReplicaID:     "r1",
		IncarnationID: "r1/1",
		Provider:      provider,
		Params:        params,
		Health:        &healthRecorder{},
		SendAck:       rec.send,
	})
	t.Cleanup(e.Close)

	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(1, testEpoch)}, testEpoch, 0))

	var newer = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 6}
	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(2, newer)}, newer, 0))

	engineWaitFor(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.epochUpdates) == 1
	})
	engineWaitFor(t, func() bool { return e.ReplicationReceiver().CommittedLSN() == 2 })
}

func TestInduceFault(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)

	require.NoError(t, e.InduceFault("r1", "wrong-incarnation", "test"))
	faulted, _ := e.Faulted()
	assert.False(t, faulted, "incarnation mismatch is ignored")

	require.NoError(t, e.InduceFault("r1", "r1/1", "test"))
	faulted, err := e.Faulted()
	assert.True(t, faulted)
	assert.ErrorIs(t, err, replication.ErrOperationFailed)
}

func TestCloseEnqueuesEndOfStream(t *testing.T) {
	var e = newTestEngine(t, false, &healthRecorder{}, &ackRecorder{}, nil)
	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, false))
	e.Close()

	var op, err = e.ReplicationReceiver().DispatchQueue().Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replication.OpEndOfStream, op.Type)
}

func TestPromoteToPrimaryGating(t *testing.T) {
	var e = newTestEngine(t, true, &healthRecorder{}, &ackRecorder{}, nil)

	_, err := e.PromoteToPrimary()
	assert.ErrorIs(t, err, replication.ErrInvalidState, "no StartCopy yet")

	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, true))
	require.NoError(t, e.CopyOperation(replication.NewOperation(1, testEpoch, nil), "r1", testEpoch, false))
	require.NoError(t, e.CopyOperation(replication.NewEndOfStream(2, testEpoch), "r1", testEpoch, true))

	_, err = e.PromoteToPrimary()
	assert.ErrorIs(t, err, replication.ErrInvalidState, "copy acks still outstanding")

	var ctx = context.Background()
	var q = e.CopyStream().DispatchQueue()
	for {
		var op, err = q.Dequeue(ctx)
		if err != nil {
			break
		}
		require.NoError(t, op.Acknowledge())
	}

	require.NoError(t, e.ReplicationOperation(
		[]replication.Operation{opAt(1, testEpoch)}, testEpoch, 0))
	rop, err := e.ReplicationReceiver().DispatchQueue().Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, rop.Acknowledge())

	next, err := e.PromoteToPrimary()
	require.NoError(t, err)
	assert.EqualValues(t, 2, next, "the new primary's queue anchors after the last committed operation")
}

func TestCopyContextPumpTerminatesStream(t *testing.T) {
	var rec = &ackRecorder{}
	var mu sync.Mutex
	var sent []replication.Operation
	var lasts []bool

	var params = config.Default()
	params.BatchAckInterval = time.Hour
	params.RequireServiceAck = true
	var e = NewEngine(EngineOptions{
		ReplicaID:         "r1",
		IncarnationID:     "r1/1",
		HasPersistedState: true,
		Provider:          &stubProvider{},
		Params:            params,
		Health:            &healthRecorder{},
		SendAck:           rec.send,
		SendCopyContextOp: func(_ context.Context, op replication.Operation, isLast bool) bool {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, op)
			lasts = append(lasts, isLast)
			return true
		},
	})
	t.Cleanup(e.Close)

	require.NoError(t, e.StartCopy(testEpoch, "r1", 1, true))
	engineWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, replication.OpNormal, sent[0].Type)
	assert.False(t, lasts[0])
	assert.Equal(t, replication.OpEndOfStream, sent[1].Type)
	assert.True(t, lasts[1], "the pump terminates the stream explicitly")
}
