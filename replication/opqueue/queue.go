// Package opqueue implements the operation queue: an ordered, bounded FIFO
// of in-flight operations tracking the first, last-received, last-committed
// and last-completed watermarks.
//
// The queue owns a single mutex, the innermost of the engine's
// role/manager/session/queue acquisition order. Callbacks it fires
// (Options.Committed) are always invoked with the lock released, since the
// state provider may re-enter the engine.
package opqueue

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
)

// CommittedCallback is invoked, in ascending LSN order, for each operation
// that newly crosses the committed watermark. On the secondary this pushes
// the operation into a DispatchQueue.
type CommittedCallback func(op *replication.Operation)

// Options configure a Queue at construction.
type Options struct {
	// MaxCount bounds the number of retained operations; 0 means unbounded.
	MaxCount int
	// MaxBytes bounds the sum of retained operations' logical payload
	// sizes; 0 means unbounded.
	MaxBytes int64
	// CleanOnComplete, if true, releases operations from the queue as soon
	// as their LSN falls at or below Completed. If false, completed
	// operations are retained (eg, a former-primary queue handed to a new
	// secondary, so recent operations can still be re-served).
	CleanOnComplete bool
	// IgnoreCommit, if true, makes Commit a no-op. Used for the initial
	// primary queue, whose commit watermark instead advances implicitly
	// via ReplicaManager's quorum computation over the replication sender.
	IgnoreCommit bool
	// Committed is called for each operation that newly crosses the
	// committed watermark, in ascending LSN order, with the queue's lock
	// released.
	Committed CommittedCallback
}

// Queue is an OperationQueue.
type Queue struct {
	mu sync.Mutex

	opts Options

	first     lsn.LSN
	received  lsn.LSN
	committed lsn.LSN
	completed lsn.LSN

	ops   map[lsn.LSN]*replication.Operation
	count int
	bytes int64
}

// New constructs a Queue anchored so that the next TryEnqueue must carry
// LSN initialNextLSN.
func New(initialNextLSN lsn.LSN, opts Options) *Queue {
	var base = initialNextLSN - 1
	return &Queue{
		opts:      opts,
		first:     base,
		received:  base,
		committed: base,
		completed: base,
		ops:       make(map[lsn.LSN]*replication.Operation),
	}
}

// FirstLSN returns the lowest retained LSN watermark.
func (q *Queue) FirstLSN() lsn.LSN { q.mu.Lock(); defer q.mu.Unlock(); return q.first }

// ReceivedLSN returns the last-received watermark.
func (q *Queue) ReceivedLSN() lsn.LSN { q.mu.Lock(); defer q.mu.Unlock(); return q.received }

// CommittedLSN returns the last-committed watermark.
func (q *Queue) CommittedLSN() lsn.LSN { q.mu.Lock(); defer q.mu.Unlock(); return q.committed }

// CompletedLSN returns the last-completed watermark.
func (q *Queue) CompletedLSN() lsn.LSN { q.mu.Lock(); defer q.mu.Unlock(); return q.completed }

// Count returns the number of retained operations.
func (q *Queue) Count() int { q.mu.Lock(); defer q.mu.Unlock(); return q.count }

// TryEnqueue appends op at position lastReceivedLsn+1. It rejects with
// ErrQueueFull if either bound would be exceeded, and panics if op.LSN
// does not equal lastReceivedLsn+1 (a caller protocol error: the queue is
// strictly ordered and has no notion of gaps).
func (q *Queue) TryEnqueue(op replication.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var nextLSN = q.received + 1
	if op.LSN != nextLSN {
		panic("opqueue: TryEnqueue out of order")
	}

	var nbytes = int64(op.Bytes())
	if q.opts.MaxCount > 0 && q.count+1 > q.opts.MaxCount {
		return errors.WithMessage(replication.ErrQueueFull, "max count exceeded")
	}
	if q.opts.MaxBytes > 0 && q.bytes+nbytes > q.opts.MaxBytes {
		return errors.WithMessage(replication.ErrQueueFull, "max bytes exceeded")
	}

	var stored = op
	q.ops[op.LSN] = &stored
	q.count++
	q.bytes += nbytes
	q.received = op.LSN
	return nil
}

// UpdateCommitHead advances committed to max(committed, min(l, received))
// and fires the Committed callback, in ascending order, for each operation
// that newly crosses the watermark. Callback invocation is outside the lock.
func (q *Queue) UpdateCommitHead(l lsn.LSN) {
	q.mu.Lock()
	var target = lsn.Max2(q.committed, lsn.Min(l, q.received))
	var toFire []*replication.Operation
	for cur := q.committed + 1; cur <= target; cur++ {
		if op, ok := q.ops[cur]; ok {
			toFire = append(toFire, op)
		}
	}
	q.committed = target
	var cb = q.opts.Committed
	q.mu.Unlock()

	if cb != nil {
		for _, op := range toFire {
			cb(op)
		}
	}
}

// Commit advances committed to lastReceivedLsn, unless the queue was
// constructed with IgnoreCommit, in which case it is a no-op.
func (q *Queue) Commit() {
	if q.opts.IgnoreCommit {
		return
	}
	q.mu.Lock()
	var received = q.received
	q.mu.Unlock()
	q.UpdateCommitHead(received)
}

// Complete advances completed. If upTo is non-nil, completed is set to
// min(*upTo, committed). Otherwise, completed is advanced by scanning
// forward from completed+1 over contiguously ack-satisfied operations. It
// returns whether completed advanced.
func (q *Queue) Complete(upTo *lsn.LSN) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var before = q.completed
	if upTo != nil {
		q.completed = lsn.Max2(q.completed, lsn.Min(*upTo, q.committed))
	} else {
		for cur := q.completed + 1; cur <= q.committed; cur++ {
			op, ok := q.ops[cur]
			if !ok || !op.AckSatisfied() {
				break
			}
			q.completed = cur
		}
	}

	if q.opts.CleanOnComplete {
		q.releaseUpTo(q.completed)
	}
	return q.completed != before
}

// releaseUpTo drops retained operations whose LSN is <= upTo. Caller holds q.mu.
func (q *Queue) releaseUpTo(upTo lsn.LSN) {
	for l, op := range q.ops {
		if l <= upTo {
			q.bytes -= int64(op.Bytes())
			q.count--
			delete(q.ops, l)
		}
	}
	if upTo > q.first {
		q.first = upTo
	}
}

// GetOperations returns pointers to the retained operations in
// [fromLSN, lastReceivedLsn], or (nil, false) if any of them have already
// been released from the queue.
func (q *Queue) GetOperations(fromLSN lsn.LSN) ([]*replication.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if fromLSN <= q.first {
		return nil, false
	}
	var out = make([]*replication.Operation, 0, int(q.received-fromLSN+1))
	for cur := fromLSN; cur <= q.received; cur++ {
		op, ok := q.ops[cur]
		if !ok {
			return nil, false
		}
		out = append(out, op)
	}
	return out, true
}

// DiscardNonCommitted drops entries with LSN > committed and rewinds
// received to committed. Used when a role transition means uncommitted,
// in-flight operations can never be completed (eg a primary demoted or
// closing past its drain timeout).
func (q *Queue) DiscardNonCommitted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for l := range q.ops {
		if l > q.committed {
			q.bytes -= int64(q.ops[l].Bytes())
			q.count--
			delete(q.ops, l)
		}
	}
	q.received = q.committed
}

// DiscardNonCompleted drops entries with LSN > completed and rewinds both
// received and committed to completed. This is the stricter truncation
// used when even committed-but-incomplete state cannot be trusted (eg an
// OnDataLoss reset).
func (q *Queue) DiscardNonCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for l := range q.ops {
		if l > q.completed {
			q.bytes -= int64(q.ops[l].Bytes())
			q.count--
			delete(q.ops, l)
		}
	}
	q.received = q.completed
	q.committed = q.completed
}

// Reset drops all retained operations and re-anchors the queue so the next
// TryEnqueue must carry LSN newBaseLSN.
func (q *Queue) Reset(newBaseLSN lsn.LSN) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make(map[lsn.LSN]*replication.Operation)
	q.count, q.bytes = 0, 0
	var base = newBaseLSN - 1
	q.first, q.received, q.committed, q.completed = base, base, base, base
}

// Invariant reports whether first <= completed <= committed <= received
// holds, for use by tests.
func (q *Queue) Invariant() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.first <= q.completed && q.completed <= q.committed && q.committed <= q.received
}
