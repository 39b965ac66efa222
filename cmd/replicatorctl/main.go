package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brokercore/replicator/internal/lsn"
	"github.com/brokercore/replicator/replication"
	"github.com/brokercore/replicator/replication/config"
	"github.com/brokercore/replicator/replication/dispatch"
	"github.com/brokercore/replicator/replication/health"
	"github.com/brokercore/replicator/replication/primary"
	"github.com/brokercore/replicator/replication/secondary"
	"github.com/brokercore/replicator/replication/stateprovider"
	"github.com/brokercore/replicator/replication/transport"
)

var Config = new(struct {
	Verbose bool `long:"verbose" short:"v" description:"Enable debug logging."`
})

type cmdDemo struct {
	Replicas  int  `long:"replicas" default:"2" description:"Number of secondaries to build and activate."`
	Ops       int  `long:"ops" default:"8" description:"Operations to replicate once the set is active."`
	Persisted bool `long:"persisted" description:"Run as a persisted-state service (explicit service acks, copy context)."`
}

// memStream is a canned stateprovider.OperationStream.
type memStream struct {
	ops []replication.Operation
	idx int
}

func (s *memStream) Next(context.Context) (replication.Operation, error) {
	if s.idx >= len(s.ops) {
		return replication.Operation{}, stateprovider.ErrStreamExhausted
	}
	var op = s.ops[s.idx]
	s.idx++
	return op, nil
}

func (s *memStream) Close() {}

// memProvider is an in-memory state provider backing both demo roles.
type memProvider struct {
	name string

	mu            sync.Mutex
	lastCommitted lsn.LSN
}

func (p *memProvider) GetLastCommittedSequenceNumber(context.Context) (lsn.LSN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommitted, nil
}

func (p *memProvider) UpdateEpoch(_ context.Context, epoch lsn.Epoch, prevEpochLastLSN lsn.LSN) error {
	log.WithFields(log.Fields{
		"provider":         p.name,
		"epoch":            epoch,
		"prevEpochLastLSN": prevEpochLastLSN,
	}).Info("UpdateEpoch")
	return nil
}

func (p *memProvider) OnDataLoss(context.Context) (bool, error) { return false, nil }

func (p *memProvider) GetCopyState(_ context.Context, uptoLSN lsn.LSN, copyContext []byte) (stateprovider.OperationStream, error) {
	log.WithFields(log.Fields{
		"provider":    p.name,
		"uptoLSN":     uptoLSN,
		"copyContext": string(copyContext),
	}).Info("GetCopyState")

	var ops []replication.Operation
	for i := lsn.LSN(1); i <= uptoLSN; i++ {
		ops = append(ops, replication.Operation{
			Segments: [][]byte{[]byte(fmt.Sprintf("copy-%d", i))},
		})
	}
	return &memStream{ops: ops}, nil
}

func (p *memProvider) GetCopyContext(context.Context) (stateprovider.OperationStream, error) {
	return &memStream{ops: []replication.Operation{
		{Segments: [][]byte{[]byte("context:" + p.name)}},
	}}, nil
}

func (p *memProvider) apply(l lsn.LSN) {
	p.mu.Lock()
	if l > p.lastCommitted {
		p.lastCommitted = l
	}
	p.mu.Unlock()
}

// loopback is an in-process transport.Sender. Each destination gets one
// dispatcher goroutine draining a buffered channel, so delivery order
// matches send order while handlers never run on the sender's goroutine
// (engine locks may be held at Send time).
type loopback struct {
	mu     sync.Mutex
	routes map[string]chan func()
}

func newLoopback() *loopback {
	return &loopback{routes: make(map[string]chan func())}
}

func (l *loopback) route(key string) chan func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ch, ok = l.routes[key]
	if !ok {
		ch = make(chan func(), 1024)
		l.routes[key] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	return ch
}

func (l *loopback) deliver(key string, fn func()) error {
	select {
	case l.route(key) <- fn:
		return nil
	default:
		return replication.ErrTransportSendQueueFull
	}
}

type demoCluster struct {
	lb          *loopback
	pri         *primary.Engine
	secondaries map[string]*secondary.Engine
}

// Send implements transport.Sender for the primary's outbound messages.
func (c *demoCluster) Send(_ context.Context, target transport.Target, action transport.Action, msg interface{}) error {
	var sec = c.secondaries[target.ReplicaID]
	if sec == nil {
		return errors.WithMessagef(replication.ErrInvalidState, "unknown target %s", target.ReplicaID)
	}

	switch m := msg.(type) {
	case transport.StartCopyMessage:
		return c.lb.deliver(target.ReplicaID, func() {
			_ = sec.StartCopy(m.Epoch, m.ReplicaID, m.ReplicationStartLSN, m.HasPersistedState)
		})
	case transport.CopyOperationMessage:
		return c.lb.deliver(target.ReplicaID, func() {
			_ = sec.CopyOperation(m.Operation, m.ReplicaID, m.Epoch, m.IsLast)
		})
	case transport.ReplicationOperationMessage:
		return c.lb.deliver(target.ReplicaID, func() {
			var batch = make([]replication.Operation, 0, len(m.Batch))
			for _, e := range m.Batch {
				batch = append(batch, replication.Operation{
					Metadata: e.Metadata,
					Epoch:    e.OpEpoch,
					Segments: e.Segments,
				})
			}
			_ = sec.ReplicationOperation(batch, m.PrimaryEpoch, m.CompletedLSN)
		})
	case transport.RequestAckMessage:
		return c.lb.deliver(target.ReplicaID, func() { sec.RequestAck() })
	case transport.InduceFaultMessage:
		return c.lb.deliver(target.ReplicaID, func() {
			_ = sec.InduceFault(m.ReplicaID, m.IncarnationID, m.Reason)
		})
	default:
		return errors.WithMessagef(replication.ErrInvalidState, "unhandled action %d", action)
	}
}

// drain consumes one dispatch queue the way a state provider would,
// acknowledging each operation after "applying" it.
func drain(name string, q *dispatch.Queue, provider *memProvider) {
	for {
		var op, err = q.Dequeue(context.Background())
		if err != nil {
			return
		}
		log.WithFields(log.Fields{
			"stream": name,
			"type":   op.Type.String(),
			"lsn":    op.LSN,
		}).Debug("dispatched")
		if op.Type == replication.OpNormal {
			provider.apply(op.LSN)
		}
		if err := op.Acknowledge(); err != nil {
			log.WithError(err).WithField("stream", name).Warn("acknowledge failed")
		}
	}
}

func (cmd *cmdDemo) Execute([]string) error {
	var params = config.Default()
	params.RetryInterval = 200 * time.Millisecond
	params.BatchAckInterval = 20 * time.Millisecond
	params.RequireServiceAck = cmd.Persisted

	var cluster = &demoCluster{
		lb:          newLoopback(),
		secondaries: make(map[string]*secondary.Engine),
	}
	var priProvider = &memProvider{name: "primary", lastCommitted: 0}
	cluster.pri = primary.NewEngine(primary.EngineOptions{
		Provider:  priProvider,
		Transport: cluster,
		Params:    params,
		Manager: primary.ManagerOptions{
			AllowMultipleQuorumSet: params.AllowMultipleQuorumSet,
			QueueMaxCount:          params.MaxReplicationQueueSize,
			QueueMaxBytes:          params.MaxReplicationQueueMemory,
		},
	}, 1)

	// Seed a little pre-history so the copy stream has something to carry.
	for i := 0; i < 3; i++ {
		if _, err := cluster.pri.Replicate([][]byte{[]byte(fmt.Sprintf("seed-%d", i))}, 0); err != nil {
			return err
		}
	}

	var ctx = context.Background()
	var members []string
	var wg sync.WaitGroup

	for i := 0; i < cmd.Replicas; i++ {
		var id = fmt.Sprintf("replica-%d", i+1)
		members = append(members, id)

		var secProvider = &memProvider{name: id}
		var sec = secondary.NewEngine(secondary.EngineOptions{
			ReplicaID:         id,
			IncarnationID:     id + "/1",
			HasPersistedState: cmd.Persisted,
			Provider:          secProvider,
			Params:            params,
			Health:            health.NopReporter{},
			SendAck: func(rr, rq, cr, cq lsn.LSN) error {
				return cluster.lb.deliver("primary", func() {
					cluster.pri.OnAck(id, rr, rq, cr, cq)
				})
			},
			SendCopyContextOp: func(_ context.Context, op replication.Operation, isLast bool) bool {
				var err = cluster.lb.deliver("primary", func() {
					if err := cluster.pri.OnCopyContextOperation(id, op, isLast); err != nil {
						log.WithError(err).Warn("copy context rejected")
					}
				})
				return err == nil
			},
		})
		cluster.secondaries[id] = sec

		// Consume the secondary's streams as they come into existence.
		go func(id string, sec *secondary.Engine, p *memProvider) {
			for sec.CopyStream() == nil {
				time.Sleep(5 * time.Millisecond)
			}
			go drain(id+"/copy", sec.CopyStream().DispatchQueue(), p)
			drain(id+"/replication", sec.ReplicationReceiver().DispatchQueue(), p)
		}(id, sec, secProvider)

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var target = transport.Target{Address: "inproc://" + id, ReplicaID: id, UniqueID: id + "/1"}
			if err := cluster.pri.BuildIdle(ctx, id, target, cmd.Persisted); err != nil {
				log.WithError(err).WithField("replica", id).Error("BuildIdle failed")
				return
			}
			log.WithField("replica", id).Info("replica built and active")
		}(id)
	}
	wg.Wait()

	cluster.pri.UpdateCatchupConfiguration(
		primary.Configuration{},
		primary.Configuration{Members: members, WriteQuorum: cmd.Replicas/2 + 1},
		nil,
	)

	var last lsn.LSN
	for i := 0; i < cmd.Ops; i++ {
		var l, err = cluster.pri.Replicate([][]byte{[]byte(fmt.Sprintf("op-%d", i))}, 0)
		if err != nil {
			return err
		}
		last = l
	}
	log.WithField("lastLSN", last).Info("replicated")

	var deadline = time.Now().Add(10 * time.Second)
	for cluster.pri.Manager().QuorumLSN() < last {
		if time.Now().After(deadline) {
			return errors.WithMessagef(replication.ErrTimeout,
				"quorum stalled at %s waiting for %s", cluster.pri.Manager().QuorumLSN(), last)
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.WithFields(log.Fields{
		"quorumLSN":    cluster.pri.Manager().QuorumLSN(),
		"completedLSN": cluster.pri.Manager().CompletedLSN(),
	}).Info("quorum reached")

	for _, sec := range cluster.secondaries {
		sec.Close()
	}
	cluster.pri.Close(ctx)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if Config.Verbose {
			log.SetLevel(log.DebugLevel)
		}
		return cmd.Execute(args)
	}

	if _, err := parser.AddCommand("demo", "Run an in-process replica set",
		"Wire a primary and N secondaries over an in-process transport, build them, and replicate a few operations.",
		&cmdDemo{}); err != nil {
		log.WithError(err).Fatal("failed to add demo command")
	}

	if _, err := parser.Parse(); err != nil {
		log.WithError(err).Fatal("exiting")
	}
}
