package primary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

func newTestManager(maxCount int) *Manager {
	return NewManager(ManagerOptions{
		AllowMultipleQuorumSet: true,
		QueueMaxCount:          maxCount,
	}, 1)
}

// addActiveSession registers an active session whose ack watermarks the test
// drives directly via OnAck.
func addActiveSession(m *Manager, id string) *Session {
	var sess = NewSession(SessionOptions{OnProgress: m.OnSessionAck})
	m.AddSession(id, sess)
	m.MarkActive(id)
	return sess
}

func TestQuorumLSNIsKthLargest(t *testing.T) {
	var m = newTestManager(0)
	var s1 = addActiveSession(m, "s1")
	var s2 = addActiveSession(m, "s2")
	var s3 = addActiveSession(m, "s3")
	m.UpdateCatchupConfiguration(Configuration{},
		Configuration{Members: []string{"s1", "s2", "s3"}, WriteQuorum: 3}, nil)

	for i := 0; i < 3; i++ {
		_, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
		require.NoError(t, err)
	}

	s1.OnAck(3, 3, lsn.NonInitialized, lsn.NonInitialized)
	s2.OnAck(2, 2, lsn.NonInitialized, lsn.NonInitialized)
	_ = s3 // silent

	// Values are {primary=3, s1=3, s2=2, s3=0}; the 3rd largest is 2.
	assert.EqualValues(t, 2, m.QuorumLSN())
	assert.EqualValues(t, 2, m.Queue().CommittedLSN())
	assert.EqualValues(t, 0, m.CompletedLSN(), "completion trails the slowest active replica")
}

func TestQuorumSpansPreviousConfiguration(t *testing.T) {
	var m = newTestManager(0)
	var s1 = addActiveSession(m, "s1")
	var s2 = addActiveSession(m, "s2")
	m.UpdateCatchupConfiguration(
		Configuration{Members: []string{"s2"}, WriteQuorum: 2},
		Configuration{Members: []string{"s1"}, WriteQuorum: 2},
		nil)

	for i := 0; i < 4; i++ {
		_, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
		require.NoError(t, err)
	}
	s1.OnAck(4, 4, lsn.NonInitialized, lsn.NonInitialized)
	s2.OnAck(1, 1, lsn.NonInitialized, lsn.NonInitialized)

	// Current config quorum is 4; previous config pins it at 1.
	assert.EqualValues(t, 1, m.QuorumLSN())
}

func TestSoleReplicaCommitsSynchronously(t *testing.T) {
	var m = newTestManager(0)
	l, committedSync, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l)
	assert.True(t, committedSync)
	assert.EqualValues(t, 1, m.Queue().CommittedLSN())
	assert.EqualValues(t, 1, m.Queue().CompletedLSN())
}

func TestQueueFullBackpressureAndRecovery(t *testing.T) {
	var m = newTestManager(4)
	var s1 = addActiveSession(m, "s1")
	m.UpdateCatchupConfiguration(Configuration{},
		Configuration{Members: []string{"s1"}, WriteQuorum: 2}, nil)

	for i := 1; i <= 4; i++ {
		_, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
		require.NoError(t, err)
	}
	_, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
	assert.ErrorIs(t, err, replication.ErrQueueFull)

	// An ack trims the head and the fifth operation then lands as LSN 5.
	s1.OnAck(1, 1, lsn.NonInitialized, lsn.NonInitialized)
	l, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, l)
}

func TestIdleSessionPinsCompletion(t *testing.T) {
	var m = newTestManager(0)
	var s1 = addActiveSession(m, "s1")
	m.UpdateCatchupConfiguration(Configuration{},
		Configuration{Members: []string{"s1", "idle"}, WriteQuorum: 1}, nil)

	// An idle build in progress anchored at LSN 3.
	var idle = NewSession(SessionOptions{OnProgress: m.OnSessionAck})
	idle.mu.Lock()
	idle.replicationStartLSN = 3
	idle.mu.Unlock()
	m.AddSession("idle", idle)

	for i := 1; i <= 4; i++ {
		_, _, err := m.AddReplicateOperation([][]byte{[]byte("w")}, 0)
		require.NoError(t, err)
	}
	s1.OnAck(4, 4, lsn.NonInitialized, lsn.NonInitialized)

	assert.EqualValues(t, 2, m.CompletedLSN(), "retention holds operations the idle build still needs")
	ops, ok := m.Queue().GetOperations(3)
	require.True(t, ok)
	assert.Len(t, ops, 2)
}

func TestMustCatchupMinimum(t *testing.T) {
	var m = newTestManager(0)
	var s1 = addActiveSession(m, "s1")
	var s2 = addActiveSession(m, "s2")
	m.UpdateCatchupConfiguration(Configuration{},
		Configuration{Members: []string{"s1", "s2"}, WriteQuorum: 2},
		map[string]bool{"s2": true})

	s1.OnAck(9, 9, lsn.NonInitialized, lsn.NonInitialized)
	s2.OnAck(7, 7, lsn.NonInitialized, lsn.NonInitialized)

	min, any := m.MinMustCatchupQuorumLSN()
	require.True(t, any)
	assert.EqualValues(t, 7, min)

	_, any = newTestManager(0).MinMustCatchupQuorumLSN()
	assert.False(t, any)
}

func TestSessionAckMonotonicity(t *testing.T) {
	var sess = NewSession(SessionOptions{})
	sess.OnAck(5, 4, lsn.NonInitialized, lsn.NonInitialized)
	sess.OnAck(3, 2, lsn.NonInitialized, lsn.NonInitialized) // stale duplicate

	assert.EqualValues(t, 5, sess.ReplReceivedLSN())
	assert.EqualValues(t, 4, sess.ReplQuorumLSN())
	assert.GreaterOrEqual(t, int64(sess.ReplReceivedLSN()), int64(sess.ReplQuorumLSN()))
}
