// Package dispatch implements the dispatch queue: an unbounded,
// single-consumer queue draining ordered operations to the state provider.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/brokercore/replicator/replication"
)

// Options configure a Queue.
type Options struct {
	// RequireServiceAck, if true, makes WaitForQueueToDrain additionally
	// wait for every dispatched operation's ack to be satisfied (real
	// Acknowledge or IgnoreAck) before returning, matching persisted-service
	// close semantics.
	RequireServiceAck bool
	// AckPollInterval paces WaitForQueueToDrain's wait for outstanding acks.
	AckPollInterval time.Duration
}

// Queue is a DispatchQueue.
type Queue struct {
	mu sync.Mutex

	opts Options

	items      []*replication.Operation
	dispatched []*replication.Operation

	closed  bool
	aborted bool

	signalCh chan struct{}

	drainOnce sync.Once
	drainedCh chan struct{}
}

// New constructs an empty Queue.
func New(opts Options) *Queue {
	if opts.AckPollInterval <= 0 {
		opts.AckPollInterval = 10 * time.Millisecond
	}
	return &Queue{
		opts:      opts,
		signalCh:  make(chan struct{}, 1),
		drainedCh: make(chan struct{}),
	}
}

// EnqueueWithoutDispatch appends op without waking the consumer. Useful for
// batching several operations (eg an epoch barrier followed by its
// operation) before a single Dispatch wakes the consumer once.
func (q *Queue) EnqueueWithoutDispatch(op *replication.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.aborted {
		return
	}
	q.items = append(q.items, op)
}

// Dispatch wakes the consumer, if blocked. Idempotent: multiple Dispatch
// calls between Dequeue calls coalesce into one wakeup.
func (q *Queue) Dispatch() {
	select {
	case q.signalCh <- struct{}{}:
	default:
	}
}

// Enqueue is EnqueueWithoutDispatch followed by Dispatch.
func (q *Queue) Enqueue(op *replication.Operation) {
	q.EnqueueWithoutDispatch(op)
	q.Dispatch()
}

// Close stops accepting the notion of further growth signaling: items
// already enqueued still drain normally, but once they're exhausted,
// Dequeue (and any call already blocked in Dequeue) returns
// (nil, ErrObjectClosed), and WaitForQueueToDrain becomes satisfiable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Dispatch()
}

// Abort drops all pending items immediately; the next (or a currently
// blocked) Dequeue returns (nil, ErrCanceled).
func (q *Queue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.items = nil
	q.mu.Unlock()
	q.Dispatch()
	q.drainOnce.Do(func() { close(q.drainedCh) })
}

// Dequeue blocks until an item is available, the queue is closed and
// drained (ErrObjectClosed), the queue is aborted (ErrCanceled), or ctx is
// done.
func (q *Queue) Dequeue(ctx context.Context) (*replication.Operation, error) {
	for {
		q.mu.Lock()
		if q.aborted {
			q.mu.Unlock()
			return nil, replication.ErrCanceled
		}
		if len(q.items) > 0 {
			var op = q.items[0]
			q.items = q.items[1:]
			q.dispatched = append(q.dispatched, op)
			q.mu.Unlock()
			return op, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.drainOnce.Do(func() { close(q.drainedCh) })
			return nil, replication.ErrObjectClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signalCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitForQueueToDrain completes once the consumer has observed queue
// exhaustion following Close (or Abort). If the queue requires service
// acks, it additionally blocks until every dispatched operation's ack has
// been satisfied.
func (q *Queue) WaitForQueueToDrain(ctx context.Context) error {
	select {
	case <-q.drainedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !q.opts.RequireServiceAck {
		return nil
	}

	var ticker = time.NewTicker(q.opts.AckPollInterval)
	defer ticker.Stop()
	for {
		if q.allDispatchedAcked() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) allDispatchedAcked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.dispatched {
		if !op.AckSatisfied() {
			return false
		}
	}
	return true
}

// IgnoreOutstandingAcks marks every dispatched-but-unacked operation as
// ack-ignored, discharging WaitForQueueToDrain's ack requirement without a
// real Acknowledge.
func (q *Queue) IgnoreOutstandingAcks() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.dispatched {
		if !op.AckSatisfied() {
			op.IgnoreAck()
		}
	}
}
