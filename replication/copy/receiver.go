package copy

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/dispatch"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// RequireServiceAck waits for real Acknowledge calls (persisted
	// services) rather than treating dispatch as sufficient.
	RequireServiceAck bool
	// OnAck, if set, is invoked with no lock held each time a dispatched
	// copy operation is acknowledged by the service.
	OnAck func()
}

// Receiver is CopyReceiver: the secondary's ordered intake of the
// primary's copy stream. It discards duplicates, tracks the last-op flag,
// and exposes a DispatchQueue the state provider drains. It has no
// capacity bound: every accepted operation is queued.
type Receiver struct {
	mu   sync.Mutex
	opts ReceiverOptions

	nextLSN    lsn.LSN
	gotLast    bool
	dispatched []*replication.Operation

	queue *dispatch.Queue
}

// NewReceiver constructs a Receiver expecting copy operations starting at
// LSN 1.
func NewReceiver(opts ReceiverOptions) *Receiver {
	return &Receiver{
		opts:    opts,
		nextLSN: 1,
		queue: dispatch.New(dispatch.Options{
			RequireServiceAck: opts.RequireServiceAck,
		}),
	}
}

// DispatchQueue exposes the queue the state provider drains via GetNext.
func (r *Receiver) DispatchQueue() *dispatch.Queue { return r.queue }

// ProcessCopyOperation accepts op in order, discarding duplicates. isLast
// marks op as the stream's EndOfStream; ProcessCopyOperation closes the
// dispatch queue once it is observed so the state provider sees enumerator
// termination.
func (r *Receiver) ProcessCopyOperation(op replication.Operation, isLast bool) error {
	r.mu.Lock()
	if r.gotLast {
		r.mu.Unlock()
		return nil // duplicate delivery after EOS: drop silently.
	}
	if op.LSN < r.nextLSN {
		r.mu.Unlock()
		return nil // duplicate/stale retransmission.
	}
	if op.LSN != r.nextLSN {
		r.mu.Unlock()
		return errors.WithMessage(replication.ErrInvalidState, "copy operation out of order")
	}
	r.nextLSN++
	if isLast {
		r.gotLast = true
	}
	var stored = op
	if r.opts.OnAck != nil {
		stored.SetAck(r.opts.OnAck)
	}
	r.dispatched = append(r.dispatched, &stored)
	r.mu.Unlock()

	r.queue.Enqueue(&stored)
	if isLast {
		r.queue.Close()
	}
	return nil
}

// AllOperationsAcked reports whether every dispatched copy operation
// (including EndOfStream, if observed) has had its ack obligation
// discharged. It is false until the EndOfStream marker itself has been
// both received and satisfied.
func (r *Receiver) AllOperationsAcked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.gotLast {
		return false
	}
	for _, op := range r.dispatched {
		if !op.AckSatisfied() {
			return false
		}
	}
	return true
}

// LastLSN returns the highest LSN accepted so far (one less than the next
// expected LSN).
func (r *Receiver) LastLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLSN - 1
}

// AckedLSN returns the highest contiguously-acknowledged copy LSN. When the
// service does not ack explicitly, receipt is acknowledgement, and it
// tracks LastLSN.
func (r *Receiver) AckedLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opts.RequireServiceAck {
		return r.nextLSN - 1
	}
	var l lsn.LSN
	for i, op := range r.dispatched {
		if !op.AckSatisfied() {
			break
		}
		l = lsn.LSN(i + 1)
	}
	return l
}

// Abort drops the dispatch queue without waiting for drain, used when the
// session is canceled mid-copy.
func (r *Receiver) Abort() { r.queue.Abort() }
