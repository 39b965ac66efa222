package secondary

import (
	"sync"
	"time"

	"github.com/brokercore/replicator/internal/lsn"
)

// AckSendFunc delivers the secondary's four-axis ack to the primary.
type AckSendFunc func(replReceived, replQuorum, copyReceived, copyQuorum lsn.LSN) error

// AckBatcherOptions configures an AckBatcher.
type AckBatcherOptions struct {
	Interval       time.Duration
	MaxPendingAcks int
	Send           AckSendFunc
}

// AckBatcher coalesces the secondary's ack traffic, sending on a tick only
// if a watermark changed since the last send, or immediately via ForceSend.
type AckBatcher struct {
	mu   sync.Mutex
	opts AckBatcherOptions

	current              [4]lsn.LSN
	lastSent             [4]lsn.LSN
	pendingSinceLastSend int

	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
}

// NewAckBatcher constructs and starts an AckBatcher ticking at opts.Interval.
func NewAckBatcher(opts AckBatcherOptions) *AckBatcher {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	var b = &AckBatcher{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	for i := range b.current {
		b.current[i] = lsn.NonInitialized
		b.lastSent[i] = lsn.NonInitialized
	}
	b.ticker = time.NewTicker(opts.Interval)
	go b.run()
	return b
}

func (b *AckBatcher) run() {
	for {
		select {
		case <-b.ticker.C:
			b.tick()
		case <-b.stopCh:
			return
		}
	}
}

func (b *AckBatcher) tick() {
	b.mu.Lock()
	var changed = b.current != b.lastSent
	var snapshot = b.current
	if changed {
		b.lastSent = b.current
		b.pendingSinceLastSend = 0
	}
	b.mu.Unlock()

	if changed {
		_ = b.opts.Send(snapshot[0], snapshot[1], snapshot[2], snapshot[3])
	}
}

// UpdateReplication records newly observed replication receive/complete
// watermarks for the next tick (or ForceSend).
func (b *AckBatcher) UpdateReplication(received, completed lsn.LSN) {
	b.mu.Lock()
	b.current[0], b.current[1] = received, completed
	b.pendingSinceLastSend++
	var force = b.opts.MaxPendingAcks > 0 && b.pendingSinceLastSend >= b.opts.MaxPendingAcks
	b.mu.Unlock()
	if force {
		b.ForceSend()
	}
}

// UpdateCopy records newly observed copy receive/complete watermarks.
func (b *AckBatcher) UpdateCopy(received, completed lsn.LSN) {
	b.mu.Lock()
	b.current[2], b.current[3] = received, completed
	b.pendingSinceLastSend++
	var force = b.opts.MaxPendingAcks > 0 && b.pendingSinceLastSend >= b.opts.MaxPendingAcks
	b.mu.Unlock()
	if force {
		b.ForceSend()
	}
}

// ForceSend bypasses the tick: used on StartCopy accept, explicit
// RequestAck, and when pending unsent ack count exceeds MaxPendingAcks.
func (b *AckBatcher) ForceSend() {
	b.mu.Lock()
	var snapshot = b.current
	b.lastSent = b.current
	b.pendingSinceLastSend = 0
	b.mu.Unlock()
	_ = b.opts.Send(snapshot[0], snapshot[1], snapshot[2], snapshot[3])
}

// Close stops the ticker. Idempotent.
func (b *AckBatcher) Close() {
	b.once.Do(func() {
		b.ticker.Stop()
		close(b.stopCh)
	})
}
