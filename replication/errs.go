// Package replication holds the error taxonomy shared by every component
// of the replication engine, plus the top-level Operation and payload
// types common to the queue, sender, copy and secondary packages.
//
// It deliberately holds no state machine logic of its own: that lives in
// the leaf packages (opqueue, sender, dispatch, copy, secondary, primary,
// role), each of which imports this package for its shared vocabulary.
package replication

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

// Each error kind is a distinct sentinel so call sites can compare with
// errors.Is even after a call to errors.WithMessage wraps additional
// context onto it.
var (
	// ErrQueueFull is returned when TryEnqueue would exceed a bound. It is
	// recovered locally: the caller (or, on the secondary, the primary via
	// retransmission) retries.
	ErrQueueFull = errors.New("queue full")
	// ErrCanceled reports a graceful cancellation of an in-flight async
	// operation (BuildIdle, WaitForCatchupQuorum).
	ErrCanceled = errors.New("canceled")
	// ErrTimeout reports a graceful deadline expiry.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidState reports a caller protocol error: fatal to the current
	// operation, but not to the session or replica.
	ErrInvalidState = errors.New("invalid state")
	// ErrMessageTooLarge is fatal to the owning session.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTransportSendQueueFull is transient and retried by the sender.
	ErrTransportSendQueueFull = errors.New("transport send queue full")
	// ErrOperationFailed is reported by the state provider and faults the
	// replica.
	ErrOperationFailed = errors.New("operation failed")
	// ErrObjectClosed is a terminal error returned after Close.
	ErrObjectClosed = errors.New("object closed")
	// ErrOperationStreamFaulted propagates a secondary stream fault to the
	// consuming service.
	ErrOperationStreamFaulted = errors.New("operation stream faulted")
	// ErrReplicatorInternal marks a bug or a race with a concurrent Close.
	ErrReplicatorInternal = errors.New("replicator internal error")
)

// GRPCCode maps an engine error kind to the nearest gRPC status code, for
// use at the replication/transport boundary (the transport implementation
// itself is out of scope; only this mapping is ours to own).
func GRPCCode(err error) codes.Code {
	switch errors.Cause(err) {
	case ErrQueueFull, ErrTransportSendQueueFull:
		return codes.ResourceExhausted
	case ErrCanceled:
		return codes.Canceled
	case ErrTimeout:
		return codes.DeadlineExceeded
	case ErrInvalidState:
		return codes.FailedPrecondition
	case ErrMessageTooLarge:
		return codes.InvalidArgument
	case ErrOperationFailed, ErrOperationStreamFaulted:
		return codes.Internal
	case ErrObjectClosed:
		return codes.Unavailable
	case ErrReplicatorInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
