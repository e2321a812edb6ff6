package shuffle

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestMetrics_RegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestMetrics_RegisterRetryAfterConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	taken := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shuffle",
		Subsystem: "executor",
		Name:      "tasks_active",
		Help:      "held by another component",
	})
	require.NoError(t, reg.Register(taken))

	m := NewMetrics(reg)
	require.Error(t, m.Register())

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.Equal(t, "shuffle_executor_tasks_active", mf.GetName(), "collector left behind by failed Register")
	}

	require.True(t, reg.Unregister(taken))
	require.NoError(t, m.Register())

	m.recordRead("node-a", 3)
	assert.Equal(t, 3.0, gatherValue(t, reg, "shuffle_transport_bytes_read_total", map[string]string{"peer": "node-a"}))
}

func TestMetrics_RecordersUpdateBothViews(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.recordRead("node-a", 100)
	m.recordRead("node-a", 20)
	m.recordWrite("node-b", 7)
	m.recordPacketReceived("node-a")
	m.recordResponse(HeaderNoTaskFailure)
	m.recordRoutingMiss(HeaderNoTaskFailure)
	m.recordFlush(5)
	m.recordInvalidation()
	m.setTasksActive(3)

	assert.Equal(t, int64(120), m.BytesRead.Load())
	assert.Equal(t, 120.0, gatherValue(t, reg, "shuffle_transport_bytes_read_total", map[string]string{"peer": "node-a"}))
	assert.Equal(t, 7.0, gatherValue(t, reg, "shuffle_transport_bytes_written_total", map[string]string{"peer": "node-b"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "shuffle_transport_responses_sent_total", map[string]string{"code": "no-task-failure"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "shuffle_transport_routing_misses_total", map[string]string{"code": "no-task-failure"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "shuffle_transport_flush_packets", nil))
	assert.Equal(t, 1.0, gatherValue(t, reg, "shuffle_transport_invalidations_total", nil))
	assert.Equal(t, 3.0, gatherValue(t, reg, "shuffle_executor_tasks_active", nil))
}

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.recordPacketSent("node-b")
	m.recordResponse(HeaderNoContainerFailure)
	m.recordRoutingMiss(HeaderNoContainerFailure)
	m.recordTaskFinished()

	s := m.Snapshot()
	assert.Equal(t, int64(1), s["packets_sent"])
	assert.Equal(t, int64(1), s["responses_sent"])
	assert.Equal(t, int64(1), s["routing_misses"])
	assert.Equal(t, int64(1), s["tasks_finished"])
	assert.Zero(t, s["bytes_read"])
	assert.Len(t, s, 12)
}

func TestMetrics_ReaderCountsFlow(t *testing.T) {
	f := newReaderFixture(t)
	f.ch.push(encode(dataPackets(2)...))
	f.ch.push(encode(NewPacket(HeaderDataChunk, 42, 1, nil)))
	f.assign(t)

	turn(t, f.r)
	turn(t, f.r)

	s := f.metrics.Snapshot()
	assert.Equal(t, int64(3), s["packets_received"])
	assert.Equal(t, int64(1), s["routing_misses"])
	assert.Equal(t, int64(2), s["flush_cycles"])
}

func TestMetrics_RoutingMissCountedWithoutResponse(t *testing.T) {
	f := newReaderFixture(t)
	f.back.err = errBoom
	f.ch.push(encode(NewPacket(HeaderDataChunk, 42, 1, nil)))
	f.assign(t)

	turn(t, f.r)

	s := f.metrics.Snapshot()
	assert.Equal(t, int64(1), s["routing_misses"])
	assert.Zero(t, s["responses_sent"])
}
