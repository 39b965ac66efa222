// Package primary implements the primary role: the per-secondary remote
// session state machine, the replica manager aggregating sessions with
// quorum computation, and the engine's Replicate/BuildIdle/Close surface.
package primary

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/copy"
	"github.com/brokercore/replicator/replication/sender"
	"github.com/brokercore/replicator/replication/transport"
)

// SessionState is one of RemoteSession's states.
type SessionState int

const (
	StateInitial SessionState = iota
	StateCopyStarting
	StateCopying
	StateCatchup
	StateActive
	StateClosing
	StateClosed
	StateCanceled
)

func (s SessionState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateCopyStarting:
		return "CopyStarting"
	case StateCopying:
		return "Copying"
	case StateCatchup:
		return "Catchup"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Idle reports whether s is one of the idle-only states.
func (s SessionState) Idle() bool {
	return s == StateInitial || s == StateCopyStarting || s == StateCopying
}

type ackTuple struct{ rr, rq, cr, cq lsn.LSN }

// SendStartCopyFunc delivers a StartCopy message to the target, returning
// false on TransportSendQueueFull (the retry loop tries again next tick
// without treating it as a fault).
type SendStartCopyFunc func(ctx context.Context) bool

// SessionOptions configures a Session.
type SessionOptions struct {
	Target        transport.Target
	RetryInterval time.Duration
	Replication   sender.Options
	// OnProgress is invoked, with no lock held, whenever any ack watermark
	// advances, so the replica manager can re-evaluate catch-up.
	OnProgress func()
}

// Session is RemoteSession: the primary's per-secondary state.
type Session struct {
	opts SessionOptions

	mu                  sync.Mutex
	state               SessionState
	epoch               lsn.Epoch
	replicationStartLSN lsn.LSN
	hasPersistedState   bool
	completedLSNHint    lsn.LSN

	replReceivedLSN lsn.LSN
	replQuorumLSN   lsn.LSN
	copyReceivedLSN lsn.LSN
	copyQuorumLSN   lsn.LSN

	replSender *sender.Sender
	copySender *copy.Sender
	copyCtx    *copyContextReceiver

	startCopyAcked chan struct{}
	startCopyOnce  sync.Once
	canceled       chan struct{}
	cancelOnce     sync.Once
	copyCancelFn   context.CancelFunc

	ackBusy    bool
	ackPending ackTuple
	hasPending bool
}

// NewSession constructs a Session in the Initial state.
func NewSession(opts SessionOptions) *Session {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Session{
		opts:     opts,
		state:    StateInitial,
		canceled: make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginEstablishCopy drives the StartCopy retransmission loop until the
// first ack arrives or ctx/Cancel ends it. For persisted
// services it returns a handle the caller blocks on to obtain the
// secondary's copy context bytes once fully received.
func (s *Session) BeginEstablishCopy(ctx context.Context, epoch lsn.Epoch, replicationStartLSN lsn.LSN, hasPersistedState bool, send SendStartCopyFunc) (*copyContextReceiver, error) {
	s.mu.Lock()
	if s.state != StateInitial {
		s.mu.Unlock()
		return nil, errors.WithMessage(replication.ErrInvalidState, "BeginEstablishCopy from non-Initial state")
	}
	s.state = StateCopyStarting
	s.epoch = epoch
	s.replicationStartLSN = replicationStartLSN
	s.hasPersistedState = hasPersistedState
	var ackedCh = make(chan struct{})
	s.startCopyAcked = ackedCh
	if hasPersistedState {
		s.copyCtx = newCopyContextReceiver()
	}
	var copyCtx = s.copyCtx
	s.mu.Unlock()

	send(ctx)

	var bo = backoff.NewConstantBackOff(s.opts.RetryInterval)
	var ticker = backoff.NewTicker(bo)
	defer ticker.Stop()

	for {
		select {
		case <-ackedCh:
			s.mu.Lock()
			if s.state == StateCopyStarting {
				s.state = StateCopying
			}
			s.mu.Unlock()
			return copyCtx, nil
		case <-ticker.C:
			send(ctx)
		case <-ctx.Done():
			s.mu.Lock()
			s.state = StateInitial
			s.mu.Unlock()
			return nil, replication.ErrCanceled
		case <-s.canceled:
			return nil, replication.ErrCanceled
		}
	}
}

// ReplicationStartLSN returns the replication stream's first LSN, fixed at
// BeginEstablishCopy, or 0 before it.
func (s *Session) ReplicationStartLSN() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicationStartLSN
}

func (s *Session) copyContextRecv() *copyContextReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyCtx
}

// AttachCopySender installs the CopySender driving this session's copy
// stream (created by Engine.BuildIdle once the primary's
// GetCopyState enumerator is available) and a cancel func for its Run
// context, owned by the session from here on.
func (s *Session) AttachCopySender(cs *copy.Sender, cancel context.CancelFunc) {
	s.mu.Lock()
	s.copySender = cs
	s.copyCancelFn = cancel
	s.mu.Unlock()
}

// AttachReplicationSender installs this session's replication-stream
// sender and transitions to Catchup, the state in which replication
// operations are accepted.
func (s *Session) AttachReplicationSender(send sender.SendFunc, baseLSN lsn.LSN) {
	var opts = s.opts.Replication
	opts.Send = send
	s.mu.Lock()
	s.replSender = sender.New(opts, baseLSN)
	if s.state == StateCopying || s.state == StateCopyStarting {
		s.state = StateCatchup
	}
	s.mu.Unlock()
}

// MarkActive transitions Catchup -> Active, once the secondary reports
// having drained/acked its copy stream.
func (s *Session) MarkActive() {
	s.mu.Lock()
	if s.state == StateCatchup {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// OnAck applies an observed (rr, rq, cr, cq) ack tuple. Only
// one ack-processing pass runs at a time; a concurrent arrival is captured
// and the active pass loops to re-read it rather than running two passes
// in parallel.
func (s *Session) OnAck(rr, rq, cr, cq lsn.LSN) {
	s.mu.Lock()
	if s.ackBusy {
		s.ackPending = ackTuple{rr, rq, cr, cq}
		s.hasPending = true
		s.mu.Unlock()
		return
	}
	s.ackBusy = true
	s.mu.Unlock()

	var cur = ackTuple{rr, rq, cr, cq}
	for {
		s.processAckOnce(cur)

		s.mu.Lock()
		if s.hasPending {
			cur = s.ackPending
			s.hasPending = false
			s.mu.Unlock()
			continue
		}
		s.ackBusy = false
		s.mu.Unlock()
		return
	}
}

func (s *Session) processAckOnce(t ackTuple) {
	s.mu.Lock()
	var advanced bool
	if t.rr != lsn.NonInitialized && t.rr > s.replReceivedLSN {
		s.replReceivedLSN = t.rr
		advanced = true
	}
	if t.rq != lsn.NonInitialized && t.rq > s.replQuorumLSN {
		s.replQuorumLSN = t.rq
		advanced = true
	}
	if t.cr != lsn.NonInitialized && t.cr > s.copyReceivedLSN {
		s.copyReceivedLSN = t.cr
		advanced = true
	}
	if t.cq != lsn.NonInitialized && t.cq > s.copyQuorumLSN {
		s.copyQuorumLSN = t.cq
		advanced = true
	}
	var replSnd = s.replSender
	var copySnd = s.copySender
	s.mu.Unlock()

	// Any ack from the replica means StartCopy was accepted: stop its
	// retransmission loop and unblock the pending build.
	s.closeStartCopy()
	if replSnd != nil {
		if err := replSnd.ProcessOnAck(t.rr, t.rq); err != nil {
			log.WithError(err).Warn("session: rejected replication ack")
		}
	}
	if copySnd != nil {
		if err := copySnd.OnAck(t.cr, t.cq); err != nil {
			log.WithError(err).Warn("session: rejected copy ack")
		}
	}

	if advanced && s.opts.OnProgress != nil {
		s.opts.OnProgress()
	}
}

func (s *Session) closeStartCopy() {
	s.mu.Lock()
	var ch = s.startCopyAcked
	s.mu.Unlock()
	if ch == nil {
		return
	}
	s.startCopyOnce.Do(func() { close(ch) })
}

// AddReplicate pushes op into this session's replication sender, attaching
// completedLSN as the trim hint for the outgoing message.
func (s *Session) AddReplicate(op replication.Operation, completedLSN lsn.LSN) {
	s.mu.Lock()
	s.completedLSNHint = completedLSN
	var snd = s.replSender
	var active = s.state == StateCatchup || s.state == StateActive
	s.mu.Unlock()
	if snd != nil && active {
		snd.Add(op)
	}
}

// CompletedLSNHint returns the latest completedLSN attached via AddReplicate.
func (s *Session) CompletedLSNHint() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedLSNHint
}

// SendWindowSize reports the replication sender's current AIMD window size,
// or 0 before AttachReplicationSender.
func (s *Session) SendWindowSize() int {
	s.mu.Lock()
	var snd = s.replSender
	s.mu.Unlock()
	if snd == nil {
		return 0
	}
	return snd.SendWindowSize()
}

// AvgReceiveAckDuration reports the replication sender's decaying-average
// receive-ack latency, or 0 before AttachReplicationSender.
func (s *Session) AvgReceiveAckDuration() time.Duration {
	s.mu.Lock()
	var snd = s.replSender
	s.mu.Unlock()
	if snd == nil {
		return 0
	}
	return snd.AvgReceiveAckDuration()
}

// AvgApplyAckDuration reports the replication sender's decaying-average
// apply-ack latency, or 0 before AttachReplicationSender.
func (s *Session) AvgApplyAckDuration() time.Duration {
	s.mu.Lock()
	var snd = s.replSender
	s.mu.Unlock()
	if snd == nil {
		return 0
	}
	return snd.AvgApplyAckDuration()
}

// ReplQuorumLSN/ReplReceivedLSN/CopyReceivedLSN/CopyQuorumLSN report the
// latest observed ack watermarks.
func (s *Session) ReplQuorumLSN() lsn.LSN { s.mu.Lock(); defer s.mu.Unlock(); return s.replQuorumLSN }
func (s *Session) ReplReceivedLSN() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replReceivedLSN
}
func (s *Session) CopyReceivedLSN() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyReceivedLSN
}
func (s *Session) CopyQuorumLSN() lsn.LSN { s.mu.Lock(); defer s.mu.Unlock(); return s.copyQuorumLSN }

// Cancel cancels a pending build (BeginEstablishCopy) with Canceled, and
// aborts the copy sender if one is attached. The replication sender keeps
// draining until Close.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.canceled) })
	s.mu.Lock()
	var cs = s.copySender
	var cancelFn = s.copyCancelFn
	s.state = StateCanceled
	s.mu.Unlock()
	if cs != nil {
		cs.Cancel()
	}
	if cancelFn != nil {
		cancelFn()
	}
}

// Close closes the replication sender and cancels the copy sender, if
// either is attached. The target stays recorded (Target still returns it).
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	var replSnd = s.replSender
	var cs = s.copySender
	var cancelFn = s.copyCancelFn
	s.mu.Unlock()

	if replSnd != nil {
		replSnd.Close()
	}
	if cs != nil {
		cs.Cancel()
	}
	if cancelFn != nil {
		cancelFn()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// Target returns the session's resolved destination.
func (s *Session) Target() transport.Target { return s.opts.Target }

// copyContextReceiver buffers the secondary's GetCopyContext stream
// (persisted services only) until its EndOfStream is observed, then
// exposes the concatenated bytes to Engine.BuildIdle for GetCopyState.
type copyContextReceiver struct {
	mu      sync.Mutex
	nextLSN lsn.LSN
	segs    [][]byte
	done    bool
	doneCh  chan struct{}
}

func newCopyContextReceiver() *copyContextReceiver {
	return &copyContextReceiver{nextLSN: 1, doneCh: make(chan struct{})}
}

// ProcessOperation accepts one operation of the inbound copy-context
// stream, in order. isLast marks stream termination.
func (r *copyContextReceiver) ProcessOperation(op replication.Operation, isLast bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op.LSN < r.nextLSN {
		return nil // duplicate retransmission, already accepted.
	}
	if op.LSN != r.nextLSN {
		return errors.WithMessage(replication.ErrInvalidState, "copy context operation out of order")
	}
	r.nextLSN++
	r.segs = append(r.segs, op.Segments...)
	if isLast && !r.done {
		r.done = true
		close(r.doneCh)
	}
	return nil
}

// Wait blocks until the copy-context stream's EndOfStream has been
// observed, then returns the concatenated payload.
func (r *copyContextReceiver) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int
	for _, seg := range r.segs {
		total += len(seg)
	}
	var out = make([]byte, 0, total)
	for _, seg := range r.segs {
		out = append(out, seg...)
	}
	return out, nil
}
