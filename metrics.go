package shuffle

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks shuffle transport counters. Each counter is kept twice: as
// a lock-free atomic for Snapshot and as a Prometheus collector exported
// once Register is called.
type Metrics struct {
	BytesRead          atomic.Int64
	BytesWritten       atomic.Int64
	PacketsReceived    atomic.Int64
	PacketsSent        atomic.Int64
	FlushCycles        atomic.Int64
	BackpressureYields atomic.Int64
	ResponsesSent      atomic.Int64
	RoutingMisses      atomic.Int64
	Invalidations      atomic.Int64
	BroadcastFailures  atomic.Int64
	TaskFailures       atomic.Int64
	TasksFinished      atomic.Int64

	bytesRead          *prometheus.CounterVec
	bytesWritten       *prometheus.CounterVec
	packetsReceived    *prometheus.CounterVec
	packetsSent        *prometheus.CounterVec
	flushCycles        prometheus.Counter
	flushSize          prometheus.Histogram
	backpressureYields *prometheus.CounterVec
	responsesSent      *prometheus.CounterVec
	routingMisses      *prometheus.CounterVec
	invalidations      prometheus.Counter
	broadcastFailures  prometheus.Counter
	taskFailures       prometheus.Counter
	tasksFinished      prometheus.Counter
	tasksActive        prometheus.Gauge

	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shuffle",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shuffle",
		Subsystem: "transport",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. Nothing is exported until Register is
// called; a nil registerer means prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:         registerer,
		bytesRead:          newCounterVec("bytes_read_total", "Bytes read from peer sockets", []string{"peer"}),
		bytesWritten:       newCounterVec("bytes_written_total", "Bytes written to peer sockets", []string{"peer"}),
		packetsReceived:    newCounterVec("packets_received_total", "Packets deframed from peer sockets", []string{"peer"}),
		packetsSent:        newCounterVec("packets_sent_total", "Packets queued to peer writers", []string{"peer"}),
		backpressureYields: newCounterVec("backpressure_yields_total", "Reader turns skipped because a consumer was not flushed", []string{"peer"}),
		responsesSent:      newCounterVec("responses_sent_total", "Failure responses sent back to packet senders", []string{"code"}),
		routingMisses:      newCounterVec("routing_misses_total", "Packets whose destination container or task was not found", []string{"code"}),
		flushCycles:        newCounter("flush_cycles_total", "Completed flush cycles"),
		invalidations:      newCounter("invalidations_total", "Invalidation broadcasts started"),
		broadcastFailures:  newCounter("broadcast_failures_total", "Invalidation packets that could not be handed to a writer"),
		taskFailures:       newCounter("task_failures_total", "Task turns that returned an error"),
		tasksFinished:      newCounter("tasks_finished_total", "Tasks reaped by an executor"),
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shuffle",
			Subsystem: "transport",
			Name:      "flush_packets",
			Help:      "Packets routed per flush cycle",
			Buckets:   []float64{1, 4, 16, 64, 256, 1024},
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shuffle",
			Subsystem: "executor",
			Name:      "tasks_active",
			Help:      "Tasks currently scheduled on executors",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// On failure nothing stays registered, so a later call can retry.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.bytesRead,
		m.bytesWritten,
		m.packetsReceived,
		m.packetsSent,
		m.flushCycles,
		m.flushSize,
		m.backpressureYields,
		m.responsesSent,
		m.routingMisses,
		m.invalidations,
		m.broadcastFailures,
		m.taskFailures,
		m.tasksFinished,
		m.tasksActive,
	}
	for i, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			for _, done := range collectors[:i] {
				m.registerer.Unregister(done)
			}
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) recordRead(peer string, n int) {
	m.BytesRead.Add(int64(n))
	m.bytesRead.WithLabelValues(peer).Add(float64(n))
}

func (m *Metrics) recordWrite(peer string, n int) {
	m.BytesWritten.Add(int64(n))
	m.bytesWritten.WithLabelValues(peer).Add(float64(n))
}

func (m *Metrics) recordPacketReceived(peer string) {
	m.PacketsReceived.Add(1)
	m.packetsReceived.WithLabelValues(peer).Inc()
}

func (m *Metrics) recordPacketSent(peer string) {
	m.PacketsSent.Add(1)
	m.packetsSent.WithLabelValues(peer).Inc()
}

func (m *Metrics) recordBackpressure(peer string) {
	m.BackpressureYields.Add(1)
	m.backpressureYields.WithLabelValues(peer).Inc()
}

func (m *Metrics) recordFlush(packets int) {
	m.FlushCycles.Add(1)
	m.flushCycles.Inc()
	m.flushSize.Observe(float64(packets))
}

func (m *Metrics) recordResponse(code Header) {
	m.ResponsesSent.Add(1)
	m.responsesSent.WithLabelValues(code.String()).Inc()
}

// recordRoutingMiss counts a lookup miss whether or not the failure
// response reaches the sender.
func (m *Metrics) recordRoutingMiss(code Header) {
	m.RoutingMisses.Add(1)
	m.routingMisses.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) recordInvalidation() {
	m.Invalidations.Add(1)
	m.invalidations.Inc()
}

func (m *Metrics) recordBroadcastFailure() {
	m.BroadcastFailures.Add(1)
	m.broadcastFailures.Inc()
}

func (m *Metrics) recordTaskFailure() {
	m.TaskFailures.Add(1)
	m.taskFailures.Inc()
}

func (m *Metrics) recordTaskFinished() {
	m.TasksFinished.Add(1)
	m.tasksFinished.Inc()
}

func (m *Metrics) setTasksActive(n int) {
	m.tasksActive.Set(float64(n))
}

// Snapshot returns all counter values as a map, suitable for JSON.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"bytes_read":          m.BytesRead.Load(),
		"bytes_written":       m.BytesWritten.Load(),
		"packets_received":    m.PacketsReceived.Load(),
		"packets_sent":        m.PacketsSent.Load(),
		"flush_cycles":        m.FlushCycles.Load(),
		"backpressure_yields": m.BackpressureYields.Load(),
		"responses_sent":      m.ResponsesSent.Load(),
		"routing_misses":      m.RoutingMisses.Load(),
		"invalidations":       m.Invalidations.Load(),
		"broadcast_failures":  m.BroadcastFailures.Load(),
		"task_failures":       m.TaskFailures.Load(),
		"tasks_finished":      m.TasksFinished.Load(),
	}
}
