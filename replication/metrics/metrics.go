// Package metrics registers the prometheus collectors the replication
// engine exposes: queue depth, send-window size, and ack latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replicator"

// Collectors holds every metric the replication engine updates. A single
// instance is shared across a primary or secondary engine's components.
type Collectors struct {
	QueueDepth        *prometheus.GaugeVec
	QueueBytes        *prometheus.GaugeVec
	SendWindowSize    *prometheus.GaugeVec
	ReceiveAckLatency *prometheus.HistogramVec
	ApplyAckLatency   *prometheus.HistogramVec
	OperationsSent    *prometheus.CounterVec
	QueueFullTotal    *prometheus.CounterVec
	ReplicaFaults     *prometheus.CounterVec
}

// New registers every collector against reg. Passing prometheus.NewRegistry()
// in tests keeps registration out of the global DefaultRegisterer.
func New(reg prometheus.Registerer) *Collectors {
	var f = promauto.With(reg)
	return &Collectors{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_operations",
			Help:      "Operations currently held in an opqueue.Queue, by role.",
		}, []string{"role"}),
		QueueBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_bytes",
			Help:      "Bytes currently held in an opqueue.Queue, by role.",
		}, []string{"role"}),
		SendWindowSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_window_operations",
			Help:      "Current AIMD send-window size of a ReliableOperationSender, by replica.",
		}, []string{"replica"}),
		ReceiveAckLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receive_ack_latency_seconds",
			Help:      "Observed time between sending an operation and its receive ack.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"replica"}),
		ApplyAckLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_ack_latency_seconds",
			Help:      "Observed time between sending an operation and its apply ack.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"replica"}),
		OperationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_sent_total",
			Help:      "Operations sent to a replica, including retransmissions.",
		}, []string{"replica"}),
		QueueFullTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_full_total",
			Help:      "Times an enqueue was rejected with ErrQueueFull, by role.",
		}, []string{"role"}),
		ReplicaFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_faults_total",
			Help:      "Times a replica session or secondary engine transitioned to Faulted.",
		}, []string{"replica"}),
	}
}

// ObserveQueue records a queue's current operation/byte counts under role
// ("primary", "secondary-replication", "secondary-copy", ...).
func (c *Collectors) ObserveQueue(role string, count int, bytes int64) {
	c.QueueDepth.WithLabelValues(role).Set(float64(count))
	c.QueueBytes.WithLabelValues(role).Set(float64(bytes))
}

// ObserveSendWindow records a sender's current AIMD window size.
func (c *Collectors) ObserveSendWindow(replica string, size int) {
	c.SendWindowSize.WithLabelValues(replica).Set(float64(size))
}
