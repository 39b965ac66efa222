package primary

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/internal/tracing"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/config"
	"github.com/brokercore/replicator/replication/copy"
	"github.com/brokercore/replicator/replication/health"
	"github.com/brokercore/replicator/replication/metrics"
	"github.com/brokercore/replicator/replication/sender"
	"github.com/brokercore/replicator/replication/stateprovider"
	"github.com/brokercore/replicator/replication/transport"
)

// CatchupMode selects the predicate WaitForCatchupQuorum blocks on.
type CatchupMode int

const (
	CatchupQuorum CatchupMode = iota
	CatchupAll
	CatchupQuorumWithMustCatchup
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Provider  stateprovider.Provider
	Transport transport.Sender
	Params    config.Parameters
	Manager   ManagerOptions
	// Health is optional; when set, queue-usage warnings are raised
	// through it.
	Health health.Reporter
	// Metrics is optional; when set, Replicate and session acks update it.
	Metrics *metrics.Collectors
}

// Engine is the primary role's Replicate, BuildIdle,
// UpdateCatchupConfiguration, WaitForCatchupQuorum, and Close surface.
type Engine struct {
	opts    EngineOptions
	manager *Manager

	mu       sync.Mutex
	closed   bool
	faulted  bool
	faultErr error

	catchupMu      sync.Mutex
	catchupPending bool
}

// NewEngine constructs an Engine with a fresh primary queue anchored at
// nextLSN (typically GetLastCommittedSequenceNumber()+1).
func NewEngine(opts EngineOptions, nextLSN lsn.LSN) *Engine {
	return &Engine{
		opts:    opts,
		manager: NewManager(opts.Manager, nextLSN),
	}
}

// Manager exposes the underlying ReplicaManager, eg for tests asserting
// quorum computation directly.
func (e *Engine) Manager() *Manager { return e.manager }

// Replicate enqueues one write. It surfaces the fault error once the engine
// has faulted, ErrObjectClosed once it has closed, ErrQueueFull if the
// primary queue is at capacity, and otherwise returns the assigned LSN.
func (e *Engine) Replicate(segments [][]byte, groupID replication.AtomicGroupID) (lsn.LSN, error) {
	if err := e.checkOperable(); err != nil {
		return 0, err
	}
	if max := e.opts.Params.MaxReplicationMessageSize; max > 0 {
		var n int64
		for _, s := range segments {
			n += int64(len(s))
		}
		if n > max {
			return 0, errors.WithMessagef(replication.ErrMessageTooLarge, "operation is %d bytes", n)
		}
	}
	l, _, err := e.manager.AddReplicateOperation(segments, groupID)
	if err != nil {
		if e.opts.Metrics != nil && errors.Is(err, replication.ErrQueueFull) {
			e.opts.Metrics.QueueFullTotal.WithLabelValues("primary").Inc()
		}
		return 0, err
	}
	if e.opts.Metrics != nil {
		var q = e.manager.Queue()
		e.opts.Metrics.ObserveQueue("primary", q.Count(), 0)
	}
	if e.opts.Health != nil && e.opts.Manager.QueueMaxCount > 0 {
		if pct := e.opts.Params.QueueHealthWarningAtUsagePercent; pct > 0 {
			var usage = float64(e.manager.Queue().Count()) * 100 / float64(e.opts.Manager.QueueMaxCount)
			if usage >= pct {
				e.opts.Health.ReportHealth(health.Report{
					Type:        health.ReportQueueFull,
					Description: "primary replication queue usage high",
				})
			}
		}
	}
	return l, nil
}

func (e *Engine) checkOperable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.faulted {
		return e.faultErr
	}
	if e.closed {
		return replication.ErrObjectClosed
	}
	return nil
}

// BuildIdle builds a new idle replica session, drives its StartCopy
// handshake, pulls the primary's copy state, and attaches a copy sender.
// It blocks until the copy stream is fully acked or ctx is canceled;
// cancellation surfaces ErrCanceled.
func (e *Engine) BuildIdle(ctx context.Context, replicaID string, target transport.Target, hasPersistedState bool) error {
	if err := e.checkOperable(); err != nil {
		return err
	}
	tracing.Add(ctx, "BuildIdle(%s)", replicaID)

	var epoch = e.manager.Epoch()
	var replicationStartLSN = e.manager.Queue().CommittedLSN() + 1
	var sess = NewSession(SessionOptions{
		Target:        target,
		RetryInterval: e.opts.Params.RetryInterval,
		Replication: sender.Options{
			RetryInterval:             e.opts.Params.RetryInterval,
			Alpha:                     e.opts.Params.SecondaryProgressRateDecayFactor,
			SlowSecondaryAgeThreshold: e.opts.Params.SlowSecondaryAgeThreshold,
		},
		OnProgress: e.manager.OnSessionAck,
	})
	e.manager.AddSession(replicaID, sess)
	if e.opts.Metrics != nil {
		sess.opts.OnProgress = func() {
			e.manager.OnSessionAck()
			e.opts.Metrics.ObserveSendWindow(replicaID, sess.SendWindowSize())
			e.opts.Metrics.ReceiveAckLatency.WithLabelValues(replicaID).Observe(sess.AvgReceiveAckDuration().Seconds())
			e.opts.Metrics.ApplyAckLatency.WithLabelValues(replicaID).Observe(sess.AvgApplyAckDuration().Seconds())
		}
	}

	var send = func(ctx context.Context) bool {
		var err = e.opts.Transport.Send(ctx, target, transport.ActionStartCopy, transport.StartCopyMessage{
			Epoch:               epoch,
			ReplicaID:           replicaID,
			ReplicationStartLSN: replicationStartLSN,
			HasPersistedState:   hasPersistedState,
		})
		if errors.Is(err, replication.ErrTransportSendQueueFull) {
			return false
		}
		if err != nil {
			log.WithError(err).Warn("BuildIdle: StartCopy send failed")
		}
		return true
	}

	var copyCtxRecv, err = sess.BeginEstablishCopy(ctx, epoch, replicationStartLSN, hasPersistedState, send)
	if err != nil {
		e.manager.RemoveSession(replicaID)
		return err
	}

	var copyContext []byte
	if hasPersistedState && copyCtxRecv != nil {
		if copyContext, err = copyCtxRecv.Wait(ctx); err != nil {
			e.manager.RemoveSession(replicaID)
			return replication.ErrCanceled
		}
	}

	var stream, streamErr = e.opts.Provider.GetCopyState(ctx, e.manager.Queue().CommittedLSN(), copyContext)
	if streamErr != nil {
		e.fault(streamErr)
		return streamErr
	}

	var enum = copy.FromStream(stream)
	var copyCtx, cancel = context.WithCancel(context.Background())
	var cs = copy.New(enum, copy.SenderOptions{
		Options: sender.Options{
			RetryInterval:             e.opts.Params.RetryInterval,
			Alpha:                     e.opts.Params.SecondaryProgressRateDecayFactor,
			SlowSecondaryAgeThreshold: e.opts.Params.SlowSecondaryAgeThreshold,
			Send:                      e.copySendFunc(replicaID, target, epoch),
		},
		MaxOutstanding: e.opts.Params.InitialCopyQueueSize,
	}, func(lsn.LSN) {
		// The copy enumerator is exhausted: open the replication stream at
		// its start LSN and backfill operations enqueued while copy ran.
		sess.AttachReplicationSender(e.replicationSendFunc(replicaID, target), replicationStartLSN-1)
		if ops, ok := e.manager.Queue().GetOperations(replicationStartLSN); ok {
			var completedLSN = e.manager.Queue().CompletedLSN()
			for _, op := range ops {
				sess.AddReplicate(*op, completedLSN)
			}
		}
	})
	sess.AttachCopySender(cs, cancel)
	go cs.Run(copyCtx)

	select {
	case <-cs.Done():
	case <-ctx.Done():
		sess.Cancel()
		e.manager.RemoveSession(replicaID)
		return replication.ErrCanceled
	}
	if cs.Err() != nil {
		e.manager.RemoveSession(replicaID)
		return cs.Err()
	}

	sess.MarkActive()
	e.manager.MarkActive(replicaID)
	return nil
}

func (e *Engine) replicationSendFunc(replicaID string, target transport.Target) sender.SendFunc {
	return func(op *replication.Operation, requestAck bool) bool {
		if op == nil {
			var err = e.opts.Transport.Send(context.Background(), target, transport.ActionRequestAck, transport.RequestAckMessage{})
			return !errors.Is(err, replication.ErrTransportSendQueueFull)
		}
		var sess, _ = e.manager.Session(replicaID)
		var completedLSN lsn.LSN
		if sess != nil {
			completedLSN = sess.CompletedLSNHint()
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.OperationsSent.WithLabelValues(replicaID).Inc()
		}
		var err = e.opts.Transport.Send(context.Background(), target, transport.ActionReplicationOperation, transport.ReplicationOperationMessage{
			PrimaryEpoch: e.manager.Epoch(),
			Batch: []transport.ReplicationBatchEntry{{
				Metadata: op.Metadata,
				OpEpoch:  op.Epoch,
				Segments: op.Segments,
			}},
			LastLSNInBatch: op.LSN,
			CompletedLSN:   completedLSN,
		})
		if errors.Is(err, replication.ErrMessageTooLarge) {
			e.fault(err)
			return true
		}
		return !errors.Is(err, replication.ErrTransportSendQueueFull)
	}
}

func (e *Engine) copySendFunc(replicaID string, target transport.Target, epoch lsn.Epoch) sender.SendFunc {
	return func(op *replication.Operation, requestAck bool) bool {
		if op == nil {
			var err = e.opts.Transport.Send(context.Background(), target, transport.ActionRequestAck, transport.RequestAckMessage{})
			return !errors.Is(err, replication.ErrTransportSendQueueFull)
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.OperationsSent.WithLabelValues(replicaID).Inc()
		}
		var err = e.opts.Transport.Send(context.Background(), target, transport.ActionCopyOperation, transport.CopyOperationMessage{
			ReplicaID: replicaID,
			Epoch:     epoch,
			Operation: *op,
			IsLast:    op.Type == replication.OpEndOfStream,
		})
		if errors.Is(err, replication.ErrMessageTooLarge) {
			e.fault(err)
			return true
		}
		return !errors.Is(err, replication.ErrTransportSendQueueFull)
	}
}

// OnAck routes a secondary's four-axis ack to its session. Unknown replica
// IDs (eg a session already removed) are dropped.
func (e *Engine) OnAck(replicaID string, rr, rq, cr, cq lsn.LSN) {
	if sess, ok := e.manager.Session(replicaID); ok {
		sess.OnAck(rr, rq, cr, cq)
	}
}

// OnCopyContextOperation routes one operation of a secondary's copy-context
// stream to the session's receiver, returning the error the transport
// should report back via CopyContextAck.
func (e *Engine) OnCopyContextOperation(replicaID string, op replication.Operation, isLast bool) error {
	var sess, ok = e.manager.Session(replicaID)
	if !ok {
		return nil
	}
	var recv = sess.copyContextRecv()
	if recv == nil {
		return nil
	}
	return recv.ProcessOperation(op, isLast)
}

// UpdateCatchupConfiguration installs new previous/current configurations.
func (e *Engine) UpdateCatchupConfiguration(prev, cur Configuration, mustCatchup map[string]bool) {
	e.manager.UpdateCatchupConfiguration(prev, cur, mustCatchup)
}

// WaitForCatchupQuorum blocks until mode's predicate is satisfied, ctx is
// canceled, or the engine closes/faults. Only one call may be
// pending at a time.
func (e *Engine) WaitForCatchupQuorum(ctx context.Context, mode CatchupMode) error {
	e.catchupMu.Lock()
	if e.catchupPending {
		e.catchupMu.Unlock()
		return errors.WithMessage(replication.ErrInvalidState, "WaitForCatchupQuorum already pending")
	}
	e.catchupPending = true
	e.catchupMu.Unlock()
	tracing.Add(ctx, "WaitForCatchupQuorum(mode=%d)", mode)
	defer func() {
		e.catchupMu.Lock()
		e.catchupPending = false
		e.catchupMu.Unlock()
	}()

	var target = e.manager.Queue().ReceivedLSN() // for CatchupAll: "the primary's latest LSN at time of call"

	for {
		// Capture the notification channel before evaluating the predicate,
		// so an ack landing in between still wakes the wait.
		var notify = e.manager.Notify()

		if err := e.checkOperable(); err != nil {
			return err
		}
		if e.catchupSatisfied(mode, target) {
			return nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return replication.ErrCanceled
		}
	}
}

func (e *Engine) catchupSatisfied(mode CatchupMode, allTarget lsn.LSN) bool {
	switch mode {
	case CatchupAll:
		for _, sess := range e.sessionsSnapshot() {
			if sess.ReplQuorumLSN() < allTarget {
				return false
			}
		}
		return true
	case CatchupQuorum:
		return e.manager.CurrentQuorumLSN() >= e.manager.PreviousCatchupLSN()
	case CatchupQuorumWithMustCatchup:
		if !e.catchupSatisfied(CatchupQuorum, allTarget) {
			return false
		}
		min, any := e.manager.MinMustCatchupQuorumLSN()
		if !any {
			return true
		}
		return min >= e.manager.QuorumLSN()
	default:
		return false
	}
}

func (e *Engine) sessionsSnapshot() []*Session {
	var out []*Session
	e.manager.mu.Lock()
	for _, info := range e.manager.sessions {
		if !info.isIdle {
			out = append(out, info.session)
		}
	}
	e.manager.mu.Unlock()
	return out
}

// OnDataLoss invokes the state provider's OnDataLoss hook and, if the
// provider reports a state change, resets the primary queue to
// GetLastCommittedSequenceNumber()+1.
func (e *Engine) OnDataLoss(ctx context.Context) error {
	var changed, err = e.opts.Provider.OnDataLoss(ctx)
	tracing.Add(ctx, "OnDataLoss() -> (changed=%t, err=%v)", changed, err)
	if err != nil {
		e.fault(err)
		return err
	}
	if !changed {
		return nil
	}
	var last, lastErr = e.opts.Provider.GetLastCommittedSequenceNumber(ctx)
	if lastErr != nil {
		e.fault(lastErr)
		return lastErr
	}
	e.manager.Queue().Reset(last + 1)
	return nil
}

// Close drains the primary queue within PrimaryWaitForPendingQuorumsTimeout,
// then closes every session. Uncommitted operations are discarded;
// operations committed but not yet completed when the timeout elapses
// remain in the queue, so a future primary inherits them if the handover
// path is taken.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.manager.broadcast()

	var timeout = e.opts.Params.PrimaryWaitForPendingQuorumsTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var drainCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		var notify = e.manager.Notify()
		var q = e.manager.Queue()
		if q.CompletedLSN() >= q.CommittedLSN() {
			break
		}
		select {
		case <-notify:
		case <-drainCtx.Done():
			log.WithFields(log.Fields{
				"completed": q.CompletedLSN(),
				"committed": q.CommittedLSN(),
			}).Warn("primary: close proceeding past drain timeout with committed-but-not-completed operations")
			goto drained
		}
	}
drained:

	e.manager.Queue().DiscardNonCommitted()

	e.manager.mu.Lock()
	var all = make([]*Session, 0, len(e.manager.sessions))
	for _, info := range e.manager.sessions {
		all = append(all, info.session)
	}
	e.manager.mu.Unlock()
	for _, sess := range all {
		sess.Close()
	}
}

func (e *Engine) fault(err error) {
	e.mu.Lock()
	if !e.faulted {
		e.faulted = true
		e.faultErr = errors.WithMessage(replication.ErrOperationFailed, err.Error())
	}
	e.mu.Unlock()
	e.manager.broadcast()
	if e.opts.Metrics != nil {
		e.opts.Metrics.ReplicaFaults.WithLabelValues("primary").Inc()
	}
	log.WithError(err).Error("primary: engine faulted")
}

// Faulted reports whether the engine has faulted, and the fault error.
func (e *Engine) Faulted() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faulted, e.faultErr
}
