package primary

import (
	"sort"
	"sync"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/opqueue"
)

// replicaInfo tracks the role flags the Manager keeps per session.
type replicaInfo struct {
	session            *Session
	isIdle             bool
	mustCatchup        bool
	isInPreviousConfig bool
	isInCurrentConfig  bool
}

// Configuration names a set of replicas (by ID) and the write quorum
// required within that set.
type Configuration struct {
	Members     []string
	WriteQuorum int
	// CatchupLSN is the LSN frozen at the moment this configuration was
	// superseded as "previous" (used by WaitForCatchupQuorum's Quorum mode).
	CatchupLSN lsn.LSN
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// AllowMultipleQuorumSet mirrors config.Parameters.AllowMultipleQuorumSet:
	// whether previous+current configurations both participate in quorum.
	AllowMultipleQuorumSet bool
	QueueMaxCount          int
	QueueMaxBytes          int64
}

// Manager is the primary-side set of sessions with quorum computation
// across current and previous configurations.
type Manager struct {
	opts ManagerOptions

	mu       sync.Mutex
	sessions map[string]*replicaInfo

	current  Configuration
	previous Configuration
	hasPrev  bool

	epoch lsn.Epoch

	queue *opqueue.Queue

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewManager constructs a Manager with a fresh primary replication queue
// anchored at nextLSN. The queue is constructed with IgnoreCommit: commit
// advances only via Manager's quorum computation, never via queue.Commit().
func NewManager(opts ManagerOptions, nextLSN lsn.LSN) *Manager {
	var m = &Manager{
		opts:     opts,
		sessions: make(map[string]*replicaInfo),
		notifyCh: make(chan struct{}),
	}
	m.queue = opqueue.New(nextLSN, opqueue.Options{
		MaxCount:        opts.QueueMaxCount,
		MaxBytes:        opts.QueueMaxBytes,
		IgnoreCommit:    true,
		CleanOnComplete: true,
	})
	return m
}

// Queue exposes the primary's replication queue.
func (m *Manager) Queue() *opqueue.Queue { return m.queue }

// Notify returns a channel closed the next time quorum state changes,
// for WaitForCatchupQuorum-style pollers to block efficiently (replaced
// on every change, following the broadcast-channel idiom).
func (m *Manager) Notify() <-chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	return m.notifyCh
}

func (m *Manager) broadcast() {
	m.notifyMu.Lock()
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
	m.notifyMu.Unlock()
}

// UpdateCatchupConfiguration sets the current and previous configurations
// together. mustCatchup names replicas, in either configuration, that must
// individually reach the commit watermark before QuorumWithMustCatchup is
// satisfied.
func (m *Manager) UpdateCatchupConfiguration(prev, cur Configuration, mustCatchup map[string]bool) {
	m.mu.Lock()
	m.previous = prev
	m.current = cur
	m.hasPrev = true
	for id, info := range m.sessions {
		info.isInPreviousConfig = contains(prev.Members, id)
		info.isInCurrentConfig = contains(cur.Members, id)
		info.mustCatchup = mustCatchup[id]
	}
	m.mu.Unlock()
	m.broadcast()
}

func contains(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

// AddSession registers a session, initially idle, under replicaID.
func (m *Manager) AddSession(replicaID string, sess *Session) {
	m.mu.Lock()
	m.sessions[replicaID] = &replicaInfo{session: sess, isIdle: true, isInCurrentConfig: true}
	m.mu.Unlock()
}

// MarkActive flips a session from idle to active, after copy completes and
// the secondary reports readiness.
func (m *Manager) MarkActive(replicaID string) {
	m.mu.Lock()
	if info, ok := m.sessions[replicaID]; ok {
		info.isIdle = false
	}
	m.mu.Unlock()
	m.broadcast()
}

// RemoveSession drops a session, eg after Close or a reconfiguration that
// excludes it.
func (m *Manager) RemoveSession(replicaID string) {
	m.mu.Lock()
	delete(m.sessions, replicaID)
	m.mu.Unlock()
	m.broadcast()
}

// Session looks up a registered session by replicaID.
func (m *Manager) Session(replicaID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[replicaID]
	if !ok {
		return nil, false
	}
	return info.session, true
}

// OnSessionAck is the callback a Session's OnProgress hook should invoke:
// it recomputes quorum/completed watermarks, advances the primary queue,
// and wakes catch-up waiters.
func (m *Manager) OnSessionAck() {
	var quorumLSN, completedLSN = m.computeWatermarks()
	m.queue.UpdateCommitHead(quorumLSN)
	m.queue.Complete(&completedLSN)
	m.broadcast()
}

// computeWatermarks returns (quorumLSN, completedLSN): quorumLSN
// is the min over configurations of each configuration's k-th-largest
// replQuorumLsn (including the primary's own last-enqueued LSN); completedLSN
// is the min replQuorumLsn over every active replica in either configuration,
// further pinned at replicationStartLSN-1 of any idle member under build.
func (m *Manager) computeWatermarks() (lsn.LSN, lsn.LSN) {
	m.mu.Lock()
	var primaryLSN = m.queue.ReceivedLSN()
	var cur, prev = m.current, m.previous
	var hasPrev = m.hasPrev && m.opts.AllowMultipleQuorumSet
	var sessions = m.sessions
	m.mu.Unlock()

	var curQuorum = kthLargestQuorum(sessions, cur, primaryLSN)
	var quorumLSN = curQuorum
	if hasPrev {
		var prevQuorum = kthLargestQuorum(sessions, prev, primaryLSN)
		quorumLSN = lsn.Min(quorumLSN, prevQuorum)
	}

	var completedLSN = minActiveQuorumLSN(sessions, cur, primaryLSN)
	if m.hasPrev {
		completedLSN = lsn.Min(completedLSN, minActiveQuorumLSN(sessions, prev, primaryLSN))
	}
	return quorumLSN, completedLSN
}

func kthLargestQuorum(sessions map[string]*replicaInfo, cfg Configuration, primaryLSN lsn.LSN) lsn.LSN {
	if len(cfg.Members) == 0 && cfg.WriteQuorum == 0 {
		return primaryLSN
	}
	var values = []lsn.LSN{primaryLSN}
	for _, id := range cfg.Members {
		if info, ok := sessions[id]; ok && !info.isIdle {
			values = append(values, info.session.ReplQuorumLSN())
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })
	var k = cfg.WriteQuorum
	if k <= 0 {
		k = 1
	}
	if k > len(values) {
		// Not enough acking replicas yet to satisfy quorum: the watermark
		// cannot advance past what's already committed.
		return 0
	}
	return values[k-1]
}

func minActiveQuorumLSN(sessions map[string]*replicaInfo, cfg Configuration, primaryLSN lsn.LSN) lsn.LSN {
	var m = primaryLSN
	for _, id := range cfg.Members {
		var info, ok = sessions[id]
		if !ok {
			continue
		}
		var v lsn.LSN
		if info.isIdle {
			// An idle session under build still needs every operation from
			// its replication start retained, for the post-copy backfill.
			v = info.session.ReplicationStartLSN() - 1
		} else {
			v = info.session.ReplQuorumLSN()
		}
		if v < m {
			m = v
		}
	}
	return m
}

// AddReplicateOperation assigns the next LSN to segments, enqueues it on
// the primary queue, and forwards it to every session's replication
// sender, attaching the current completedLSN hint. committedSync
// reports whether the operation could commit synchronously -- only true
// when the primary is the sole replica (no sessions at all).
func (m *Manager) AddReplicateOperation(segments [][]byte, groupID replication.AtomicGroupID) (lsn.LSN, bool, error) {
	m.mu.Lock()
	var l = m.queue.ReceivedLSN() + 1
	var epoch = m.epoch
	var sessionsSnapshot = make([]*Session, 0, len(m.sessions))
	for _, info := range m.sessions {
		sessionsSnapshot = append(sessionsSnapshot, info.session)
	}
	m.mu.Unlock()

	var op = replication.NewOperation(l, epoch, segments)
	op.Metadata.AtomicGroupID = groupID
	if err := m.queue.TryEnqueue(op); err != nil {
		return 0, false, err
	}

	var committedSync bool
	if len(sessionsSnapshot) == 0 {
		m.queue.UpdateCommitHead(l)
		m.queue.Complete(&l)
		committedSync = true
	}

	var completedLSN = m.queue.CompletedLSN()
	for _, sess := range sessionsSnapshot {
		sess.AddReplicate(op, completedLSN)
	}
	return l, committedSync, nil
}

// SetEpoch records the epoch newly-enqueued operations carry (advanced by
// the reconfiguration authority, not computed internally).
func (m *Manager) SetEpoch(e lsn.Epoch) {
	m.mu.Lock()
	m.epoch = e
	m.mu.Unlock()
}

// Epoch returns the epoch newly-enqueued operations carry.
func (m *Manager) Epoch() lsn.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// QuorumLSN returns the current commit watermark.
func (m *Manager) QuorumLSN() lsn.LSN {
	var q, _ = m.computeWatermarks()
	return q
}

// CompletedLSN returns the current completion watermark.
func (m *Manager) CompletedLSN() lsn.LSN {
	var _, c = m.computeWatermarks()
	return c
}

// ActiveReplicaCount returns the number of non-idle sessions, whatever
// configuration they belong to.
func (m *Manager) ActiveReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, info := range m.sessions {
		if !info.isIdle {
			n++
		}
	}
	return n
}

// MinMustCatchupQuorumLSN returns the minimum replQuorumLsn over sessions
// flagged mustCatchup, and whether any such session exists.
func (m *Manager) MinMustCatchupQuorumLSN() (lsn.LSN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min lsn.LSN = lsn.Max
	var any bool
	for _, info := range m.sessions {
		if info.mustCatchup {
			any = true
			if v := info.session.ReplQuorumLSN(); v < min {
				min = v
			}
		}
	}
	if !any {
		return 0, false
	}
	return min, true
}

// PreviousCatchupLSN returns the previous configuration's frozen catch-up
// LSN, valid once UpdateCatchupConfiguration has been called.
func (m *Manager) PreviousCatchupLSN() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous.CatchupLSN
}

// CurrentQuorumLSN returns just the current configuration's quorum LSN
// (without min-ing against a previous configuration), used by
// WaitForCatchupQuorum(Quorum).
func (m *Manager) CurrentQuorumLSN() lsn.LSN {
	m.mu.Lock()
	var primaryLSN = m.queue.ReceivedLSN()
	var cur = m.current
	var sessions = m.sessions
	m.mu.Unlock()
	return kthLargestQuorum(sessions, cur, primaryLSN)
}
