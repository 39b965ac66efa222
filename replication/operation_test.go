package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokercore/replicator/internal/lsn"
)

func TestAcknowledgeFiresExactlyOnce(t *testing.T) {
	var fired int
	var op = NewOperation(1, lsn.Zero, nil)
	op.SetAck(func() { fired++ })

	require.NoError(t, op.Acknowledge())
	assert.Equal(t, 1, fired)

	assert.ErrorIs(t, op.Acknowledge(), ErrInvalidState)
	assert.Equal(t, 1, fired)
}

func TestAckSatisfiedByIgnore(t *testing.T) {
	var op = NewOperation(1, lsn.Zero, nil)
	op.SetAck(func() {})

	assert.False(t, op.AckSatisfied())
	op.IgnoreAck()
	assert.True(t, op.AckSatisfied())
	assert.False(t, op.Acked(), "ignore is not a real acknowledgement")
}

func TestBytesSumsSegments(t *testing.T) {
	var op = NewOperation(1, lsn.Zero, [][]byte{make([]byte, 3), make([]byte, 5)})
	assert.Equal(t, 8, op.Bytes())
	assert.Equal(t, 0, NewOperation(2, lsn.Zero, nil).Bytes(), "empty payloads are allowed")
}

func TestEpochOrdering(t *testing.T) {
	var a = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 9}
	var b = lsn.Epoch{DataLossNumber: 2, ConfigurationNumber: 0}
	assert.True(t, a.Less(b), "ordering is lexicographic on (DataLossNumber, ConfigurationNumber)")
	assert.True(t, b.DataLossChanged(a))

	var c = lsn.Epoch{DataLossNumber: 1, ConfigurationNumber: 10}
	assert.True(t, a.Less(c))
	assert.False(t, a.DataLossChanged(c))
}
