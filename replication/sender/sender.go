// Package sender implements the reliable operation sender: a
// per-destination sender with a TCP-like AIMD send window, per-operation
// retry clock, and receive/apply-ack latency estimation.
package sender

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

// SendFunc delivers op (or, if op is nil, a bare ack solicitation) to the
// destination, requesting an ack if requestAck is set. It returns false if
// the transport's send queue is full: the sender then stops retrying for
// this tick without treating it as a fault.
type SendFunc func(op *replication.Operation, requestAck bool) bool

// Options configure a Sender.
type Options struct {
	RetryInterval time.Duration
	StartSws      int
	// MaxSws bounds the send window. If 0, it is computed as
	// max(1024, 4*StartSws) once StartSws is known.
	MaxSws int
	// Alpha is the decaying-average factor for the latency estimators.
	Alpha float64
	// SlowSecondaryAgeThreshold caps any single latency sample folded into
	// the estimators.
	SlowSecondaryAgeThreshold time.Duration
	Send                      SendFunc
}

type entry struct {
	op           replication.Operation
	lastSendTime time.Time
	recv         opTimer
	apply        opTimer
}

// Sender is a ReliableOperationSender.
type Sender struct {
	mu sync.Mutex

	opts Options

	order []lsn.LSN          // ascending LSNs of all entries still tracked (pending or apply-unacked)
	all   map[lsn.LSN]*entry // all tracked entries, keyed by LSN

	sws    int
	maxSws int

	lastAckedReceivedLSN lsn.LSN
	lastAckedApplyLSN    lsn.LSN
	highestLSN           lsn.LSN

	noAckSinceLastTick bool

	recvEst  *decayEstimator
	applyEst *decayEstimator

	ticker       *backoff.Ticker
	tickerActive bool
	closed       bool
}

// New constructs a Sender. lastAckedReceivedLSN/ApplyLSN seed the "nothing
// outstanding" baseline (typically one less than the first LSN to be added).
func New(opts Options, baseLSN lsn.LSN) *Sender {
	var maxSws = opts.MaxSws
	if maxSws == 0 {
		var start = opts.StartSws
		if start <= 0 {
			start = 1
		}
		maxSws = 4 * start
		if maxSws < 1024 {
			maxSws = 1024
		}
	}
	var startSws = opts.StartSws
	if startSws < 1 {
		startSws = 1
	}
	return &Sender{
		opts:                 opts,
		all:                  make(map[lsn.LSN]*entry),
		sws:                  startSws,
		maxSws:               maxSws,
		lastAckedReceivedLSN: baseLSN,
		lastAckedApplyLSN:    baseLSN,
		highestLSN:           baseLSN,
		noAckSinceLastTick:   true,
		recvEst:              newDecayEstimator(opts.Alpha, opts.SlowSecondaryAgeThreshold),
		applyEst:             newDecayEstimator(opts.Alpha, opts.SlowSecondaryAgeThreshold),
	}
}

// SendWindowSize returns the current AIMD window size.
func (s *Sender) SendWindowSize() int { s.mu.Lock(); defer s.mu.Unlock(); return s.sws }

// AvgReceiveAckDuration returns the decaying-average time from enqueue to
// receive-ack.
func (s *Sender) AvgReceiveAckDuration() time.Duration { return s.recvEst.Value() }

// AvgApplyAckDuration returns the decaying-average time from enqueue to
// apply-ack.
func (s *Sender) AvgApplyAckDuration() time.Duration { return s.applyEst.Value() }

// PendingCount returns the number of operations not yet receive-acked.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, l := range s.order {
		if e := s.all[l]; e != nil && !e.recv.stopped {
			n++
		}
	}
	return n
}

// OutstandingCount returns the number of operations not yet apply-acked
// (tracked entries are dropped from the sender entirely once apply-acked).
func (s *Sender) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Add inserts ops, sorted by LSN; duplicate LSNs already tracked are
// no-ops. The first (sws - pending) entries are dispatched immediately
// without requesting an ack; the remainder are queued for the next retry
// tick.
func (s *Sender) Add(ops ...replication.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var now = time.Now()
	var pending = s.pendingCountLocked()

	for _, op := range ops {
		if _, dup := s.all[op.LSN]; dup {
			continue
		}
		var e = &entry{op: op, recv: newOpTimer(now), apply: newOpTimer(now)}
		s.all[op.LSN] = e
		s.order = append(s.order, op.LSN)
		if op.LSN > s.highestLSN {
			s.highestLSN = op.LSN
		}

		if pending < s.sws {
			if s.opts.Send(&e.op, false) {
				e.lastSendTime = now
			}
			pending++
		}
	}

	s.ensureTimerLocked()
}

func (s *Sender) pendingCountLocked() int {
	var n int
	for _, l := range s.order {
		if e := s.all[l]; e != nil && !e.recv.stopped {
			n++
		}
	}
	return n
}

func (s *Sender) ensureTimerLocked() {
	if s.tickerActive || s.opts.RetryInterval <= 0 {
		return
	}
	s.tickerActive = true
	var bo = backoff.NewConstantBackOff(s.opts.RetryInterval)
	s.ticker = backoff.NewTicker(bo)
	go s.pump(s.ticker)
}

func (s *Sender) pump(t *backoff.Ticker) {
	for range t.C {
		s.tick()
	}
}

func (s *Sender) disableTimerLocked() {
	if !s.tickerActive {
		return
	}
	s.tickerActive = false
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// tick is the retry-timer handler: on each firing it may halve the window
// (MD), re-send overdue entries, solicit a fresh apply-ack if nothing is
// pending, and disable itself once truly idle.
func (s *Sender) tick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.noAckSinceLastTick && s.sws > 1 {
		s.sws /= 2
		log.WithField("sws", s.sws).Debug("sender: halving send window, no ack since last tick")
	}
	s.noAckSinceLastTick = true

	var now = time.Now()
	var resent int
	for _, l := range s.order {
		if resent >= s.sws {
			break
		}
		var e = s.all[l]
		if e == nil || e.recv.stopped {
			continue
		}
		if e.lastSendTime.IsZero() || now.Sub(e.lastSendTime) >= s.opts.RetryInterval {
			if !s.opts.Send(&e.op, false) {
				break // transport send queue full: stop retrying this tick.
			}
			e.lastSendTime = now
			resent++
		}
	}

	var anyPending = s.pendingCountLocked() > 0
	var soliciting = !anyPending && s.lastAckedApplyLSN < s.lastAckedReceivedLSN
	var send = s.opts.Send
	if !anyPending && !soliciting {
		s.disableTimerLocked()
	}
	s.mu.Unlock()

	// Called with the lock released: the transport callback may re-enter
	// the sender (eg via a synchronous ack delivered on the same goroutine).
	if soliciting {
		send(nil, true)
	}
}

// ProcessOnAck applies a newly-observed (receivedLSN, applyLSN) pair.
// Duplicate or stale acks (where neither watermark advances) are no-ops
// other than pruning now-acked entries. receivedLSN < applyLSN is rejected
// as a caller protocol error.
func (s *Sender) ProcessOnAck(receivedLSN, applyLSN lsn.LSN) error {
	if receivedLSN != lsn.NonInitialized && applyLSN != lsn.NonInitialized && receivedLSN < applyLSN {
		return errors.WithMessage(replication.ErrInvalidState, "receivedLSN < applyLSN")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	var now = time.Now()
	var advanced bool

	if receivedLSN != lsn.NonInitialized && receivedLSN > s.lastAckedReceivedLSN {
		s.lastAckedReceivedLSN = receivedLSN
		advanced = true
	}
	if applyLSN != lsn.NonInitialized && applyLSN > s.lastAckedApplyLSN {
		s.lastAckedApplyLSN = applyLSN
		advanced = true
	}

	// Stop receive timers for everything <= receivedLSN, sampling into the
	// receive estimator, then drop them from the retransmit candidate set.
	if receivedLSN != lsn.NonInitialized {
		for _, l := range s.order {
			if l > receivedLSN {
				continue
			}
			if e := s.all[l]; e != nil && !e.recv.stopped {
				e.recv.stop(now)
				s.recvEst.Sample(e.recv.elapsed)
			}
		}
	}
	// Stop and drain apply timers for everything <= applyLSN; these entries
	// are now fully discharged and can be forgotten entirely.
	if applyLSN != lsn.NonInitialized {
		var kept = s.order[:0]
		for _, l := range s.order {
			if e := s.all[l]; e != nil && l <= applyLSN {
				e.apply.stop(now)
				s.applyEst.Sample(e.apply.elapsed)
				delete(s.all, l)
				continue
			}
			kept = append(kept, l)
		}
		s.order = kept
	}

	if advanced {
		s.noAckSinceLastTick = false
		if s.sws < s.maxSws {
			s.sws *= 2
			if s.sws > s.maxSws {
				s.sws = s.maxSws
			}
		}
	}
	s.mu.Unlock()

	s.tick()
	return nil
}

// Close drops all tracked operations and cancels the retry timer. It is
// idempotent.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.disableTimerLocked()
	s.all = make(map[lsn.LSN]*entry)
	s.order = nil
}
