// Package copy implements the copy sender and copy receiver: the primary's
// one-shot enumeration of copy state to an idle replica, and the
// secondary's ordered intake of that stream.
package copy

import (
	"context"
	"sync"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/sender"
	"github.com/brokercore/replicator/replication/stateprovider"
)

// Enumerator is the lazy sequence of copy operations the state provider
// supplies via GetCopyState. It is a thin adapter over
// stateprovider.OperationStream so tests can substitute a canned sequence
// without standing up a full Provider.
type Enumerator interface {
	Next(ctx context.Context) (replication.Operation, error)
	Close()
}

type enumAdapter struct{ s stateprovider.OperationStream }

func (a enumAdapter) Next(ctx context.Context) (replication.Operation, error) { return a.s.Next(ctx) }
func (a enumAdapter) Close()                                                  { a.s.Close() }

// FromStream wraps a stateprovider.OperationStream as an Enumerator.
func FromStream(s stateprovider.OperationStream) Enumerator { return enumAdapter{s: s} }

// SenderOptions configures a Sender.
type SenderOptions struct {
	sender.Options
	// MaxOutstanding bounds the number of pulled-but-not-apply-acked copy
	// operations; 0 means unbounded. When the bound is reached the pull
	// loop pauses until acks drain it.
	MaxOutstanding int
}

// Sender is CopySender: it drives one Enumerator to one idle replica
// over a dedicated ReliableOperationSender.
type Sender struct {
	enum Enumerator
	send *sender.Sender
	opts SenderOptions

	onUpdateLastReplLSN func(lsn.LSN)

	mu          sync.Mutex
	cond        *sync.Cond
	lastPulled  lsn.LSN
	outstanding int
	sawEnd      bool

	done chan struct{}
	err  error
}

// New constructs a Sender pulling from enum. onUpdateLastReplLSN, if
// non-nil, is invoked once the final copy operation is pulled, reporting
// the secondary's expected post-copy replication start LSN.
func New(enum Enumerator, opts SenderOptions, onUpdateLastReplLSN func(lsn.LSN)) *Sender {
	var s = &Sender{
		enum:                enum,
		opts:                opts,
		onUpdateLastReplLSN: onUpdateLastReplLSN,
		done:                make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.send = sender.New(opts.Options, 0)
	return s
}

// Run drives the pull loop until the enumerator is exhausted and every
// pulled operation is apply-acked, or ctx is canceled. Intended to run in
// its own goroutine; Done() reports completion and Err() the outcome.
func (s *Sender) Run(ctx context.Context) {
	defer close(s.done)
	defer s.enum.Close()

	// Cancellation of ctx broadcasts on cond, so a pull loop blocked on
	// outstanding capacity re-checks its condition and observes it. OnAck
	// broadcasts likewise when capacity frees up.
	go func() {
		<-ctx.Done()
		s.cond.L.Lock()
		s.cond.Broadcast()
		s.cond.L.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			s.finish(replication.ErrCanceled)
			return
		}

		s.mu.Lock()
		for !s.sawEnd && s.opts.MaxOutstanding > 0 && s.outstanding >= s.opts.MaxOutstanding && ctx.Err() == nil {
			s.cond.Wait()
		}
		var sawEnd = s.sawEnd
		s.mu.Unlock()

		if sawEnd {
			if s.allAcked() {
				s.finish(nil)
				return
			}
			s.mu.Lock()
			for s.outstanding > 0 && ctx.Err() == nil {
				s.cond.Wait()
			}
			s.mu.Unlock()
			continue
		}

		var op, err = s.enum.Next(ctx)
		switch {
		case err == stateprovider.ErrStreamExhausted:
			s.markEnd()
		case err != nil:
			s.finish(err)
			return
		default:
			s.pull(op)
		}
	}
}

func (s *Sender) pull(op replication.Operation) {
	s.mu.Lock()
	s.lastPulled++
	op.Metadata = replication.Metadata{Type: replication.OpNormal, LSN: s.lastPulled}
	s.outstanding++
	s.mu.Unlock()

	s.send.Add(op)
}

func (s *Sender) markEnd() {
	s.mu.Lock()
	if s.sawEnd {
		s.mu.Unlock()
		return
	}
	s.sawEnd = true
	s.lastPulled++
	var l = s.lastPulled
	s.outstanding++
	s.mu.Unlock()

	s.send.Add(replication.NewEndOfStream(l, lsn.Zero))
	if s.onUpdateLastReplLSN != nil {
		s.onUpdateLastReplLSN(l + 1)
	}
}

func (s *Sender) allAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawEnd && s.outstanding == 0
}

func (s *Sender) finish(err error) {
	s.send.Close()
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Done is closed once Run returns.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, valid after Done() closes. nil means the
// copy stream completed successfully (all operations apply-acked).
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnAck applies a copy-stream ack (the copy receive/quorum pair of the
// secondary's ack tuple).
func (s *Sender) OnAck(receivedLSN, applyLSN lsn.LSN) error {
	var err = s.send.ProcessOnAck(receivedLSN, applyLSN)
	if err == nil {
		s.mu.Lock()
		s.outstanding = s.send.OutstandingCount()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	return err
}

// Cancel records ErrCanceled as the outcome and closes the underlying
// sender. It does not stop the pull loop by itself: Run returns, and
// disposes the enumerator, once the context passed to it is canceled, so
// the caller cancels that context as well.
func (s *Sender) Cancel() { s.finish(replication.ErrCanceled) }

// SendWindowSize exposes the underlying sender's AIMD window, for metrics.
func (s *Sender) SendWindowSize() int { return s.send.SendWindowSize() }
