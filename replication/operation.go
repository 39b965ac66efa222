package replication

import "github.com/brokercore/replicator/internal/lsn"

// OpType distinguishes a Normal operation from the EndOfStream sentinel.
type OpType int

const (
	// OpNormal is an ordinary replicated or copied operation.
	OpNormal OpType = iota
	// OpEndOfStream is a sentinel enqueued on the secondary at shutdown or
	// role change to notify the state provider of graceful termination. Its
	// AckCallback, if set, must fire exactly once.
	OpEndOfStream
	// OpUpdateEpoch is the epoch-barrier pseudo-operation. It never crosses
	// the wire; it is interposed purely in the secondary's dispatch queue,
	// between the last operation of the prior epoch and the first of the
	// new one.
	OpUpdateEpoch
)

func (t OpType) String() string {
	switch t {
	case OpEndOfStream:
		return "EndOfStream"
	case OpUpdateEpoch:
		return "UpdateEpoch"
	default:
		return "Normal"
	}
}

// AtomicGroupID groups operations the state provider must apply as one
// atomic unit. Zero means "not grouped".
type AtomicGroupID int64

// Metadata identifies an Operation independent of its payload.
type Metadata struct {
	Type          OpType
	LSN           lsn.LSN
	AtomicGroupID AtomicGroupID
}

// AckFunc is invoked by the state provider after durably applying an
// operation. Calling it more than once is a caller error; the wrapping
// Operation.Acknowledge guards against that.
type AckFunc func()

// Operation is the unit of replication: metadata, an epoch, a payload of
// buffer segments, and an ack callback set by the secondary dispatch path.
//
// Segments are raw byte slices rather than a bespoke buffer type: the
// payload has already been framed by the state provider.
type Operation struct {
	Metadata
	Epoch    lsn.Epoch
	Segments [][]byte

	ackOnce    bool
	ackIgnored bool
	ackFn      AckFunc
}

// NewOperation constructs a Normal operation.
func NewOperation(l lsn.LSN, epoch lsn.Epoch, segments [][]byte) Operation {
	return Operation{
		Metadata: Metadata{Type: OpNormal, LSN: l},
		Epoch:    epoch,
		Segments: segments,
	}
}

// NewEndOfStream constructs the EndOfStream sentinel for the given LSN
// (one past the last real operation dispatched).
func NewEndOfStream(l lsn.LSN, epoch lsn.Epoch) Operation {
	return Operation{
		Metadata: Metadata{Type: OpEndOfStream, LSN: l},
		Epoch:    epoch,
	}
}

// NewUpdateEpoch constructs the epoch-barrier pseudo-operation interposed
// into the secondary's dispatch queue immediately before the first
// operation of the new epoch. prevEpochLastLSN is the LSN of the last
// operation dispatched under the prior epoch.
func NewUpdateEpoch(newEpoch lsn.Epoch, prevEpochLastLSN lsn.LSN) Operation {
	return Operation{
		Metadata: Metadata{Type: OpUpdateEpoch, LSN: prevEpochLastLSN},
		Epoch:    newEpoch,
	}
}

// Bytes returns the logical payload size: the sum of segment lengths, used
// by OperationQueue for its maxBytes accounting.
func (o Operation) Bytes() int {
	var n int
	for _, s := range o.Segments {
		n += len(s)
	}
	return n
}

// SetAck attaches the ack callback the secondary's dispatch path must
// invoke exactly once after durable apply.
func (o *Operation) SetAck(fn AckFunc) { o.ackFn = fn }

// Acknowledge invokes the attached ack callback exactly once. A second
// call is a caller error (ErrInvalidState); a call with no attached
// callback invokes nothing but still records the acknowledgement, as
// Normal operations without a persisted-service ack requirement never had
// one set.
func (o *Operation) Acknowledge() error {
	if o.ackOnce {
		return ErrInvalidState
	}
	o.ackOnce = true
	if o.ackFn != nil {
		o.ackFn()
	}
	return nil
}

// Acked reports whether Acknowledge has already fired.
func (o *Operation) Acked() bool { return o.ackOnce }

// IgnoreAck marks the operation as ack-ignored: used during close/abort to
// discharge the completion obligation of operations the state provider will
// never see again.
func (o *Operation) IgnoreAck() {
	o.ackIgnored = true
}

// AckSatisfied reports whether the operation's completion obligation has
// been discharged, either by a real Acknowledge or by IgnoreAck.
func (o *Operation) AckSatisfied() bool { return o.ackOnce || o.ackIgnored }

// HasAck reports whether an ack callback has been attached at all. A copy
// or replication operation delivered to a non-persisted service never gets
// one; requireServiceAck callers use this to distinguish "nothing to wait
// for" from "waiting".
func (o *Operation) HasAck() bool { return o.ackFn != nil }
