// Package secondary implements the secondary-side replication pipeline:
// the replication receiver, the ack batcher, and the secondary engine.
package secondary

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/dispatch"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// MaxWindow bounds how far ahead of the committed watermark an
	// out-of-order operation may be buffered before ProcessReplicationOperation
	// returns ErrQueueFull. 0 means unbounded.
	MaxWindow int
	// RequireServiceAck gates the epoch barrier on service-acks of every
	// earlier operation, and makes CompletedLSN track service acks rather
	// than dispatch (persisted services only). AllOperationsAcked requires
	// every dispatched operation's ack, including EndOfStream's, either way.
	RequireServiceAck bool
	// OnProgress, if set, is invoked with no lock held whenever the
	// completed watermark advances via a service ack.
	OnProgress func()
}

// Receiver is ReplicationReceiver: the secondary's ordered replication
// intake, dispatcher, and epoch barrier.
type Receiver struct {
	mu   sync.Mutex
	opts ReceiverOptions

	buffer    map[lsn.LSN]*replication.Operation
	committed lsn.LSN

	stateEpoch     lsn.Epoch
	barrierPending bool
	barrierEpoch   lsn.Epoch

	ackable   []*replication.Operation // real (non-barrier) ops dispatched, for ack tracking
	acked     map[lsn.LSN]bool
	completed lsn.LSN

	eosSent bool
	eos     *replication.Operation

	queue *dispatch.Queue
}

// NewReceiver constructs a Receiver. replicationStartLSN is the first LSN
// the replication stream delivers (everything below it arrived via copy);
// epoch is the state provider's currently known epoch.
func NewReceiver(replicationStartLSN lsn.LSN, epoch lsn.Epoch, opts ReceiverOptions) *Receiver {
	return &Receiver{
		opts:       opts,
		buffer:     make(map[lsn.LSN]*replication.Operation),
		committed:  replicationStartLSN - 1,
		completed:  replicationStartLSN - 1,
		stateEpoch: epoch,
		acked:      make(map[lsn.LSN]bool),
		queue: dispatch.New(dispatch.Options{
			RequireServiceAck: opts.RequireServiceAck,
		}),
	}
}

// DispatchQueue exposes the queue the state provider drains via GetNext.
func (r *Receiver) DispatchQueue() *dispatch.Queue { return r.queue }

// BufferedCount returns the number of out-of-order operations currently
// held pending a gap fill, for queue-depth metrics.
func (r *Receiver) BufferedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// CommittedLSN returns the latest contiguously-received (and dispatched)
// LSN.
func (r *Receiver) CommittedLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// CompletedLSN returns the latest contiguously service-acked LSN. When the
// service does not ack explicitly, dispatch is completion, and it tracks
// CommittedLSN.
func (r *Receiver) CompletedLSN() lsn.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opts.RequireServiceAck {
		return r.committed
	}
	return r.completed
}

// ProcessReplicationOperation buffers op for in-order dispatch. Operations
// below replicationStartLSN are ignored (pre-copy history); stale
// duplicates at or below committed are dropped; operations too far ahead of
// committed return ErrQueueFull so the caller can emit a health warning and
// let the primary's retransmission recover once the gap closes.
func (r *Receiver) ProcessReplicationOperation(op replication.Operation) error {
	r.mu.Lock()
	if op.LSN <= r.committed {
		r.mu.Unlock()
		return nil
	}
	if _, dup := r.buffer[op.LSN]; dup {
		r.mu.Unlock()
		return nil
	}
	if r.opts.MaxWindow > 0 && int64(op.LSN-r.committed) > int64(r.opts.MaxWindow) {
		r.mu.Unlock()
		return errors.WithMessage(replication.ErrQueueFull, "replication receiver window exceeded")
	}
	var stored = op
	r.buffer[op.LSN] = &stored
	r.mu.Unlock()

	r.advanceCommit()
	return nil
}

// advanceCommit moves contiguously-received operations into the dispatch
// queue. It stops at the first gap, at a barrier awaiting
// CompleteEpochUpdate, or when the next op's epoch requires opening a new
// barrier.
func (r *Receiver) advanceCommit() {
	for {
		r.mu.Lock()
		if r.barrierPending {
			r.mu.Unlock()
			return
		}
		var next = r.committed + 1
		var op, ok = r.buffer[next]
		if !ok {
			r.mu.Unlock()
			return
		}
		if op.Epoch.Compare(r.stateEpoch) > 0 {
			var barrier = replication.NewUpdateEpoch(op.Epoch, r.committed)
			r.barrierPending = true
			r.barrierEpoch = op.Epoch
			r.mu.Unlock()
			r.queue.Enqueue(&barrier)
			return
		}
		r.committed = next
		delete(r.buffer, next)
		r.ackable = append(r.ackable, op)
		r.mu.Unlock()

		op.SetAck(func() { r.onAck(op.LSN) })
		r.queue.Enqueue(op)
	}
}

// CompleteEpochUpdate is called by SecondaryEngine once the state
// provider's UpdateEpoch(epoch, ...) call for the pending barrier has
// returned successfully. It re-enables commit and resumes dispatch.
func (r *Receiver) CompleteEpochUpdate(epoch lsn.Epoch) error {
	r.mu.Lock()
	if !r.barrierPending || epoch != r.barrierEpoch {
		r.mu.Unlock()
		return errors.WithMessage(replication.ErrInvalidState, "CompleteEpochUpdate without matching pending barrier")
	}
	r.stateEpoch = epoch
	r.barrierPending = false
	r.mu.Unlock()

	r.advanceCommit()
	return nil
}

// ReadyForEpochUpdate reports whether every operation dispatched before the
// pending barrier has been service-acked, the precondition for invoking
// UpdateEpoch on persisted services. Non-persisted services (no
// RequireServiceAck) are always ready.
func (r *Receiver) ReadyForEpochUpdate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.barrierPending {
		return false
	}
	if !r.opts.RequireServiceAck {
		return true
	}
	// committed, at the moment the barrier opened, equals the LSN the
	// barrier recorded as prevEpochLastLSN.
	return r.completed >= r.committed
}

// PendingBarrierEpoch returns the epoch awaiting CompleteEpochUpdate and
// whether one is pending.
func (r *Receiver) PendingBarrierEpoch() (lsn.Epoch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.barrierEpoch, r.barrierPending
}

func (r *Receiver) onAck(l lsn.LSN) {
	r.mu.Lock()
	r.acked[l] = true
	var before = r.completed
	for {
		var next = r.completed + 1
		if !r.acked[next] {
			break
		}
		delete(r.acked, next)
		r.completed = next
	}
	var advanced = r.completed != before
	r.mu.Unlock()

	if advanced && r.opts.OnProgress != nil {
		r.opts.OnProgress()
	}
}

// EnqueueEndOfStream interposes the single EndOfStream sentinel at
// shutdown or role change. It is enqueued exactly once; subsequent
// calls are no-ops.
func (r *Receiver) EnqueueEndOfStream() *replication.Operation {
	r.mu.Lock()
	if r.eosSent {
		var existing = r.eos
		r.mu.Unlock()
		return existing
	}
	var eos = replication.NewEndOfStream(r.committed+1, r.stateEpoch)
	eos.SetAck(func() { r.onAck(eos.LSN) })
	r.eos = &eos
	r.eosSent = true
	r.ackable = append(r.ackable, &eos)
	r.mu.Unlock()

	r.queue.Enqueue(&eos)
	r.queue.Close()
	return &eos
}

// AllOperationsAcked reports whether every dispatched operation, including
// EndOfStream once sent, has had its ack obligation discharged.
func (r *Receiver) AllOperationsAcked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.eosSent {
		return false
	}
	for _, op := range r.ackable {
		if !op.AckSatisfied() {
			return false
		}
	}
	return true
}

// DiscardBuffered drops all out-of-order buffered operations, used on
// Abort/role-change when their eventual commit can no longer be trusted.
func (r *Receiver) DiscardBuffered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = make(map[lsn.LSN]*replication.Operation)
}
