package secondary

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/config"
	"github.com/brokercore/replicator/replication/copy"
	"github.com/brokercore/replicator/replication/health"
	"github.com/brokercore/replicator/replication/metrics"
	"github.com/brokercore/replicator/replication/stateprovider"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	ReplicaID         string
	IncarnationID     string
	HasPersistedState bool
	Provider          stateprovider.Provider
	Params            config.Parameters
	Health            health.Reporter
	SendAck           AckSendFunc
	// SendCopyContextOp, if set (persisted services), delivers one operation
	// of the secondary's GetCopyContext stream to the primary.
	SendCopyContextOp func(ctx context.Context, op replication.Operation, isLast bool) bool
	// Metrics is optional; when set, the replication receiver's queue depth
	// and fault transitions are recorded under it.
	Metrics *metrics.Collectors
}

// Engine is the secondary role's message handlers, idle-to-active
// promotion, UpdateEpoch plumbing, and stream exposure.
type Engine struct {
	opts EngineOptions

	mu                sync.Mutex
	minAllowedEpoch   lsn.Epoch
	startCopyEpoch    lsn.Epoch
	gotStartCopy      bool
	hasPersistedState bool

	copyRecv *copy.Receiver
	replRecv *Receiver
	ackBatch *AckBatcher

	copyCtxSender *copyContextPump

	faulted  bool
	faultErr error
}

// NewEngine constructs an Engine. It does not yet have a replication or
// copy queue: those are created on the first StartCopy.
func NewEngine(opts EngineOptions) *Engine {
	var e = &Engine{opts: opts, hasPersistedState: opts.HasPersistedState}
	e.ackBatch = NewAckBatcher(AckBatcherOptions{
		Interval:       opts.Params.BatchAckInterval,
		MaxPendingAcks: opts.Params.MaxPendingAcknowledgements,
		Send:           opts.SendAck,
	})
	return e
}

// StartCopy handles the StartCopy message. It is idempotent: a
// retransmitted StartCopy at the same epoch is a no-op other than
// re-forcing an ack.
func (e *Engine) StartCopy(epoch lsn.Epoch, replicaID string, replicationStartLSN lsn.LSN, hasPersistedState bool) error {
	if replicaID != e.opts.ReplicaID {
		return nil // stale/misaddressed message.
	}

	e.mu.Lock()
	if e.gotStartCopy {
		var already = epoch == e.startCopyEpoch
		e.mu.Unlock()
		if already {
			e.ackBatch.ForceSend()
		}
		return nil
	}
	e.minAllowedEpoch = epoch
	e.startCopyEpoch = epoch
	e.gotStartCopy = true
	e.hasPersistedState = hasPersistedState

	var copyRecv *copy.Receiver
	copyRecv = copy.NewReceiver(copy.ReceiverOptions{
		RequireServiceAck: e.opts.Params.RequireServiceAck,
		OnAck: func() {
			e.ackBatch.UpdateCopy(copyRecv.LastLSN(), copyRecv.AckedLSN())
		},
	})
	var replRecv *Receiver
	replRecv = NewReceiver(replicationStartLSN, epoch, ReceiverOptions{
		MaxWindow:         e.opts.Params.MaxReplicationQueueSizeSecondary,
		RequireServiceAck: e.opts.Params.RequireServiceAck,
		OnProgress: func() {
			e.ackBatch.UpdateReplication(replRecv.CommittedLSN(), replRecv.CompletedLSN())
		},
	})
	e.copyRecv = copyRecv
	e.replRecv = replRecv
	e.mu.Unlock()

	if hasPersistedState && e.opts.SendCopyContextOp != nil {
		e.copyCtxSender = newCopyContextPump(e.opts.Provider, e.opts.SendCopyContextOp)
		go e.copyCtxSender.run(context.Background())
	}

	// Seed the replication ack axes so the handshake ack reports the
	// receiver's anchor rather than NonInitialized.
	e.mu.Lock()
	var recv = e.replRecv
	e.mu.Unlock()
	e.ackBatch.UpdateReplication(recv.CommittedLSN(), recv.CompletedLSN())
	e.ackBatch.ForceSend()
	return nil
}

// ReplicationOperation handles a batch of replication operations.
// Stale-epoch batches are dropped; a newer epoch advances minAllowedEpoch.
func (e *Engine) ReplicationOperation(batch []replication.Operation, epoch lsn.Epoch, completedLSN lsn.LSN) error {
	e.mu.Lock()
	if !e.gotStartCopy {
		e.mu.Unlock()
		return nil
	}
	if epoch.Less(e.minAllowedEpoch) {
		e.mu.Unlock()
		return nil
	}
	if e.minAllowedEpoch.Less(epoch) {
		e.minAllowedEpoch = epoch
	}
	var recv = e.replRecv
	e.mu.Unlock()

	for _, op := range batch {
		if err := recv.ProcessReplicationOperation(op); err != nil {
			if errors.Is(err, replication.ErrQueueFull) {
				e.opts.Health.ReportHealth(health.Report{Type: health.ReportQueueFull, Description: "replication receiver window exceeded"})
				if e.opts.Metrics != nil {
					e.opts.Metrics.QueueFullTotal.WithLabelValues("secondary-replication").Inc()
				}
				return nil
			}
			return err
		}
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveQueue("secondary-replication", recv.BufferedCount(), 0)
	}
	e.ackBatch.UpdateReplication(recv.CommittedLSN(), recv.CompletedLSN())
	e.maybeRunEpochBarrier()
	return nil
}

// maybeRunEpochBarrier drives the UpdateEpoch call for a pending barrier
// once its precondition (ReadyForEpochUpdate) is satisfied. It runs the
// state-provider call without holding any engine lock, since the provider
// may re-enter the engine.
func (e *Engine) maybeRunEpochBarrier() {
	e.mu.Lock()
	var recv = e.replRecv
	e.mu.Unlock()
	if recv == nil || !recv.ReadyForEpochUpdate() {
		return
	}
	epoch, pending := recv.PendingBarrierEpoch()
	if !pending {
		return
	}

	go func() {
		var ctx = context.Background()
		var prevLastLSN = recv.CommittedLSN()
		if err := e.opts.Provider.UpdateEpoch(ctx, epoch, prevLastLSN); err != nil {
			e.fault(errors.WithMessage(err, "UpdateEpoch"))
			return
		}
		if err := recv.CompleteEpochUpdate(epoch); err != nil {
			log.WithError(err).Warn("secondary: CompleteEpochUpdate raced a concurrent barrier")
			return
		}
		e.ackBatch.UpdateReplication(recv.CommittedLSN(), recv.CompletedLSN())
		e.maybeRunEpochBarrier()
	}()
}

// CopyOperation handles one operation of the primary's copy stream. An
// operation at a newer epoch than startCopyEpoch is a protocol error and
// faults the replica.
//
// TODO: restarting the copy at the newer epoch would avoid the fault.
func (e *Engine) CopyOperation(op replication.Operation, replicaID string, epoch lsn.Epoch, isLast bool) error {
	if replicaID != e.opts.ReplicaID {
		return nil
	}
	e.mu.Lock()
	if !e.gotStartCopy {
		e.mu.Unlock()
		return nil
	}
	var startEpoch = e.startCopyEpoch
	var recv = e.copyRecv
	e.mu.Unlock()

	if epoch.Less(startEpoch) {
		return nil // stale.
	}
	if startEpoch.Less(epoch) {
		var err = errors.WithMessage(replication.ErrInvalidState, "copy operation at epoch newer than startCopyEpoch")
		e.fault(err)
		return err
	}

	if err := recv.ProcessCopyOperation(op, isLast); err != nil {
		return err
	}
	e.ackBatch.UpdateCopy(recv.LastLSN(), recv.AckedLSN())
	if isLast {
		e.ackBatch.ForceSend()
	}
	return nil
}

// CopyContextAck routes a CopyContextAck message to the copy-context
// pump. A nonzero errorCode cancels the context send.
func (e *Engine) CopyContextAck(l lsn.LSN, errorCode int32) {
	e.mu.Lock()
	var pump = e.copyCtxSender
	e.mu.Unlock()
	if pump == nil {
		return
	}
	if errorCode != 0 {
		pump.cancel()
		return
	}
	pump.ack(l)
}

// RequestAck triggers an immediate ack send.
func (e *Engine) RequestAck() { e.ackBatch.ForceSend() }

// InduceFault verifies replicaID/incarnationID and faults the replica.
func (e *Engine) InduceFault(replicaID, incarnationID, reason string) error {
	if replicaID != e.opts.ReplicaID || incarnationID != e.opts.IncarnationID {
		return nil
	}
	e.fault(errors.WithMessage(replication.ErrOperationFailed, "InduceFault: "+reason))
	return nil
}

func (e *Engine) fault(err error) {
	e.mu.Lock()
	if !e.faulted {
		e.faulted = true
		e.faultErr = err
	}
	e.mu.Unlock()
	if e.opts.Metrics != nil {
		e.opts.Metrics.ReplicaFaults.WithLabelValues(e.opts.ReplicaID).Inc()
	}
	log.WithError(err).Error("secondary: replica faulted")
}

// Faulted reports whether the replica has faulted, and the fault error.
func (e *Engine) Faulted() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faulted, e.faultErr
}

// ReadyForActive reports whether the replica may be promoted to active
// (serve reads, or be promoted to primary). Persisted services need every
// copy operation, EndOfStream included, acknowledged. Non-persisted
// services are reported ready as soon as StartCopy has created the copy
// stream; whether its dispatch queue has drained is not checked.
func (e *Engine) ReadyForActive() bool {
	e.mu.Lock()
	var recv = e.copyRecv
	var persisted = e.hasPersistedState
	e.mu.Unlock()
	if recv == nil {
		return false
	}
	if !persisted {
		return true
	}
	return recv.AllOperationsAcked()
}

// PromoteToPrimary validates the promotion preconditions -- ReadyForActive
// and, for persisted services, every dispatched replication operation
// service-acked -- and returns the LSN at which the new primary's
// replication queue should be anchored. The receiver retains no completed
// operations, so there is no head to trim at handover.
func (e *Engine) PromoteToPrimary() (lsn.LSN, error) {
	e.mu.Lock()
	var recv = e.replRecv
	var persisted = e.hasPersistedState
	e.mu.Unlock()

	if recv == nil {
		return 0, errors.WithMessage(replication.ErrInvalidState, "promotion before StartCopy")
	}
	if !e.ReadyForActive() {
		return 0, errors.WithMessage(replication.ErrInvalidState, "promotion before copy completed")
	}
	if persisted && recv.CompletedLSN() < recv.CommittedLSN() {
		return 0, errors.WithMessage(replication.ErrInvalidState, "dispatched operations not yet acknowledged")
	}
	return recv.CommittedLSN() + 1, nil
}

// CopyStream and ReplicationStream expose the two per-secondary dispatch
// queues to the state-provider-facing operation dispatch contract.
func (e *Engine) CopyStream() *copy.Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyRecv
}

func (e *Engine) ReplicationReceiver() *Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replRecv
}

// Close shuts the engine's ack batching down and interposes EndOfStream
// on the replication stream, used on graceful shutdown or role change.
func (e *Engine) Close() {
	e.mu.Lock()
	var recv = e.replRecv
	var pump = e.copyCtxSender
	e.mu.Unlock()

	if recv != nil {
		recv.EnqueueEndOfStream()
	}
	if pump != nil {
		pump.cancel()
	}
	e.ackBatch.Close()
}

// copyContextPump drives the secondary's GetCopyContext stream to the
// primary (persisted services only), a near-mirror of copy.Sender but
// addressed the other direction; kept as a small private helper rather
// than reusing copy.Sender since it has no ack/window concerns of its own
// (the primary's CopyContextAck is a simple per-op ack, not a reliable
// retransmit window).
type copyContextPump struct {
	provider stateprovider.Provider
	sendOp   func(ctx context.Context, op replication.Operation, isLast bool) bool

	mu        sync.Mutex
	canceled  bool
	lastAcked lsn.LSN
}

func newCopyContextPump(provider stateprovider.Provider, sendOp func(ctx context.Context, op replication.Operation, isLast bool) bool) *copyContextPump {
	return &copyContextPump{provider: provider, sendOp: sendOp}
}

func (p *copyContextPump) run(ctx context.Context) {
	var stream, err = p.provider.GetCopyContext(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	var l lsn.LSN
	for {
		p.mu.Lock()
		var canceled = p.canceled
		p.mu.Unlock()
		if canceled {
			return
		}

		var op, nextErr = stream.Next(ctx)
		if nextErr == stateprovider.ErrStreamExhausted {
			// Terminate the stream so the primary's receiver unblocks.
			l++
			var eos = replication.NewEndOfStream(l, lsn.Zero)
			p.sendOp(ctx, eos, true)
			return
		}
		if nextErr != nil {
			return
		}
		l++
		op.Metadata = replication.Metadata{Type: replication.OpNormal, LSN: l}
		if !p.sendOp(ctx, op, false) {
			return
		}
	}
}

func (p *copyContextPump) ack(l lsn.LSN) {
	p.mu.Lock()
	if l > p.lastAcked {
		p.lastAcked = l
	}
	p.mu.Unlock()
}

func (p *copyContextPump) cancel() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()
}
