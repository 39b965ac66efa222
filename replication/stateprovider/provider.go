// Package stateprovider defines the state-provider contract: the durable
// service underneath the replication engine. Implementations are supplied
// by the caller; this package only fixes the interface shape.
package stateprovider

import (
	"context"
	"io"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

// OperationStream is a pull-based stream of operations, used both for the
// primary's GetCopyState and the secondary's GetCopyContext. Next returns
// io.EOF once exhausted.
type OperationStream interface {
	Next(ctx context.Context) (replication.Operation, error)
	// Close releases resources held by the stream. It is safe to call
	// multiple times and after the stream has been fully drained.
	Close()
}

// ErrStreamExhausted is a convenience alias for io.EOF, for callers that
// prefer not to import "io" solely to compare stream termination.
var ErrStreamExhausted = io.EOF

// Provider is the capability set the engine calls on the durable service.
type Provider interface {
	// GetLastCommittedSequenceNumber returns the highest durably-applied LSN.
	GetLastCommittedSequenceNumber(ctx context.Context) (lsn.LSN, error)

	// UpdateEpoch is a synchronous barrier: it must fully apply before the
	// engine delivers any operation at the new epoch.
	UpdateEpoch(ctx context.Context, epoch lsn.Epoch, prevEpochLastLSN lsn.LSN) error

	// OnDataLoss is invoked on the primary after quorum loss. If
	// isStateChanged is true, the engine resets its replication queue to
	// GetLastCommittedSequenceNumber()+1.
	OnDataLoss(ctx context.Context) (isStateChanged bool, err error)

	// GetCopyState returns a stream of operations the primary sends to an
	// idle replica, parametrized by the highest LSN to copy through and an
	// optional copy context supplied by the secondary (persisted services).
	GetCopyState(ctx context.Context, uptoLSN lsn.LSN, copyContext []byte) (OperationStream, error)

	// GetCopyContext returns a stream of operations the secondary sends to
	// the primary to parametrize GetCopyState (persisted services only).
	GetCopyContext(ctx context.Context) (OperationStream, error)
}

// Capabilities reports which optional parts of Provider a given instance
// supports, since persisted-state services expose copy-context and
// non-persisted ones do not.
type Capabilities struct {
	HasPersistedState bool
}
