// Package lsn defines the sequence numbering and epoch types shared across
// the replication engine: LSN (log sequence number) and Epoch.
package lsn

import "fmt"

// LSN is a monotonically increasing sequence number assigned by the
// primary to every operation it enqueues. LSN 0 is the pre-history anchor;
// the first real operation carries LSN 1.
type LSN int64

const (
	// Invalid marks an LSN field that was never assigned.
	Invalid LSN = -1
	// NonInitialized marks an ack axis the sender chose not to report.
	// It is distinct from Max and always compares less than any real LSN.
	NonInitialized LSN = -1
	// Max is the largest representable LSN, used as a sentinel upper bound
	// (eg, "catch up to every operation the primary has ever assigned").
	Max LSN = 1<<63 - 1
)

// Min returns the smaller of a and b.
func Min(a, b LSN) LSN {
	if a < b {
		return a
	}
	return b
}

// Max2 returns the larger of a and b.
func Max2(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}

func (l LSN) String() string {
	switch l {
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("%d", int64(l))
	}
}
