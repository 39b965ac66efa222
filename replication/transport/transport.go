// Package transport defines the wire messages and the Sender contract the
// engine uses to reach a resolved replica target. The transport
// implementation itself — reliable framed messaging to a resolved target —
// is supplied by the caller; this package only fixes the interface and the
// message shapes.
package transport

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

// Target identifies a resolved destination: a transport address plus the
// replica and incarnation (unique) identifiers used to detect stale
// messages after a replica restarts.
type Target struct {
	Address   string
	ReplicaID string
	UniqueID  string
}

// FromHeader is attached to every outgoing message so the receiver can
// address responses without a separate discovery round-trip.
type FromHeader struct {
	Address      string
	DemuxerActor string
}

// Action identifies the wire message kind.
type Action int

const (
	ActionStartCopy Action = iota
	ActionCopyOperation
	ActionCopyContextOperation
	ActionCopyContextAck
	ActionReplicationOperation
	ActionReplicationAck
	ActionRequestAck
	ActionInduceFault
)

// StartCopyMessage begins a copy for the given replica at replicationStartLSN.
type StartCopyMessage struct {
	From                FromHeader
	Epoch               lsn.Epoch
	ReplicaID           string
	ReplicationStartLSN lsn.LSN
	HasPersistedState   bool
}

// CopyOperationMessage carries one operation of the primary's copy stream.
type CopyOperationMessage struct {
	From      FromHeader
	ReplicaID string
	Epoch     lsn.Epoch
	Operation replication.Operation
	IsLast    bool
}

// CopyContextOperationMessage carries one operation of the secondary's copy
// context stream (persisted services only).
type CopyContextOperationMessage struct {
	From      FromHeader
	Operation replication.Operation
	IsLast    bool
}

// CopyContextAckMessage acks (or errors) a CopyContextOperationMessage.
type CopyContextAckMessage struct {
	From      FromHeader
	LSN       lsn.LSN
	ErrorCode int32
}

// ReplicationBatchEntry is one operation within a ReplicationOperationMessage batch.
type ReplicationBatchEntry struct {
	Metadata replication.Metadata
	OpEpoch  lsn.Epoch
	Segments [][]byte
}

// ReplicationOperationMessage carries a batch of replication operations.
type ReplicationOperationMessage struct {
	From           FromHeader
	PrimaryEpoch   lsn.Epoch
	Batch          []ReplicationBatchEntry
	LastLSNInBatch lsn.LSN
	CompletedLSN   lsn.LSN
}

// ReplicationAckMessage reports the secondary's four ack axes.
type ReplicationAckMessage struct {
	From          FromHeader
	IncarnationID string
	ReplReceived  lsn.LSN
	ReplQuorum    lsn.LSN
	CopyReceived  lsn.LSN
	CopyQuorum    lsn.LSN
	ErrorCode     int32
}

// RequestAckMessage asks the secondary to send an immediate ack.
type RequestAckMessage struct {
	From FromHeader
}

// InduceFaultMessage asks a specific replica incarnation to fault itself.
type InduceFaultMessage struct {
	From          FromHeader
	ReplicaID     string
	IncarnationID string
	Reason        string
}

// Sender reaches a resolved Target with one wire message. It is supplied by
// the caller; the engine never opens sockets or manages connection pools
// itself.
type Sender interface {
	Send(ctx context.Context, target Target, action Action, msg interface{}) error
}

// MapError converts an engine error into a gRPC status error, for
// transports that front themselves with a gRPC service. Transports using a
// different wire stack may ignore this helper.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(replicationGRPCCode(err), err.Error())
}

func replicationGRPCCode(err error) codes.Code {
	return replication.GRPCCode(err)
}
