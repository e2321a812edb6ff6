package shuffle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExchange_Validation(t *testing.T) {
	_, err := NewExchange("", "node-a", nil, NewContainerRegistry(), nil)
	assert.ErrorIs(t, err, ErrJobRequired)

	_, err = NewExchange("job-1", "node-a", nil, nil, nil)
	assert.ErrorIs(t, err, ErrLookupRequired)

	_, err = NewExchange("job-1", "node-a", []Peer{{ID: "b"}, {ID: "b"}}, NewContainerRegistry(), nil)
	assert.Error(t, err)
}

func TestNewExchange_TasksPerPeer(t *testing.T) {
	peers := []Peer{{ID: "node-c"}, {ID: "node-a"}, {ID: "node-b"}}
	x, err := NewExchange("job-1", "node-a", peers, NewContainerRegistry(), nil, testOptions()...)
	require.NoError(t, err)

	assert.Equal(t, []Peer{{ID: "node-b"}, {ID: "node-c"}}, x.Peers(), "self is skipped, peers sorted")

	var names []string
	for _, task := range x.Tasks() {
		names = append(names, task.Name())
	}
	assert.Equal(t, []string{
		"reader:job-1:node-b",
		"reader:job-1:node-c",
		"writer:job-1:node-b",
		"writer:job-1:node-c",
	}, names)

	r, ok := x.Reader("node-b")
	require.True(t, ok)
	assert.Equal(t, 2, r.writers.Count(), "every reader knows every writer")
}

func TestExchange_SendUnknownPeer(t *testing.T) {
	x, err := NewExchange("job-1", "node-a", []Peer{{ID: "node-b"}}, NewContainerRegistry(), nil, testOptions()...)
	require.NoError(t, err)

	assert.ErrorIs(t, x.Send("node-z", NewPacket(HeaderDataChunk, 1, 1, nil)), ErrNoWriter)
}

func TestExchange_FinishAndInterrupt(t *testing.T) {
	jobs := &fakeJobManager{}
	x, err := NewExchange("job-1", "node-a", []Peer{{ID: "node-b"}}, NewContainerRegistry(), jobs, testOptions()...)
	require.NoError(t, err)

	x.Interrupt()
	for _, task := range x.Tasks() {
		turn(t, task)
	}

	assert.True(t, x.Done())
	assert.Len(t, jobs.finishedTasks(), 2)
}

type testNode struct {
	id        string
	transport *Transport
	executor  *Executor
	exchange  *Exchange
	lookup    *ContainerRegistry
	jobs      *fakeJobManager
	metrics   *Metrics
}

func startTestNodes(t *testing.T, ids ...string) []*testNode {
	t.Helper()

	nodes := make([]*testNode, len(ids))
	peers := make([]Peer, len(ids))
	for i, id := range ids {
		m := testMetrics()
		n := &testNode{
			id:        id,
			transport: newTestTransport(t, id),
			executor:  newTestExecutor(m),
			lookup:    NewContainerRegistry(),
			jobs:      &fakeJobManager{},
			metrics:   m,
		}
		nodes[i] = n
		peers[i] = Peer{ID: id, Address: n.transport.Addr()}
	}

	for _, n := range nodes {
		x, err := NewExchange("job-1", n.id, peers, n.lookup, n.jobs, testOptions(WithMetrics(n.metrics))...)
		require.NoError(t, err)
		n.exchange = x
		x.Register(n.transport)
		n.executor.Start()
		t.Cleanup(n.executor.Stop)
	}
	for _, n := range nodes {
		require.NoError(t, n.exchange.Start(n.executor, n.transport))
	}
	return nodes
}

func TestExchange_EndToEnd(t *testing.T) {
	nodes := startTestNodes(t, "node-a", "node-b")
	a, b := nodes[0], nodes[1]

	sink := &recordingConsumer{}
	b.lookup.AddTask(1, 7, sink)
	b.exchange.RegisterConsumer(sink)

	for _, p := range dataPackets(20) {
		require.NoError(t, a.exchange.Send("node-b", p))
	}

	require.True(t, waitFor(3*time.Second, func() bool { return len(sink.got()) == 20 }))
	got := sink.got()
	for i, p := range got {
		assert.Equal(t, byte(i), p.Payload[0])
		assert.Equal(t, "node-a", p.RemoteAddress)
	}
}

func TestExchange_MissInvalidatesJob(t *testing.T) {
	nodes := startTestNodes(t, "node-a", "node-b", "node-c")
	a, b, c := nodes[0], nodes[1], nodes[2]

	// node-b has no container 99: it answers node-a with a failure, and
	// node-a invalidates the job on every peer.
	require.NoError(t, a.exchange.Send("node-b", NewPacket(HeaderDataChunk, 99, 1, nil)))

	require.True(t, waitFor(3*time.Second, func() bool {
		return len(b.jobs.executionErrors()) == 1 && len(c.jobs.executionErrors()) == 1
	}))

	for _, n := range []*testNode{b, c} {
		ev := n.jobs.executionErrors()[0]
		assert.Equal(t, "node-a", ev.RemoteAddress)
		assert.Equal(t, []byte("job-1"), ev.Payload)
	}
	assert.Equal(t, int64(1), b.metrics.ResponsesSent.Load())
	assert.Equal(t, int64(1), a.metrics.Invalidations.Load())
}

func TestExchange_GracefulFinish(t *testing.T) {
	nodes := startTestNodes(t, "node-a", "node-b")

	for _, n := range nodes {
		n.exchange.Finish()
	}
	require.True(t, waitFor(3*time.Second, func() bool {
		return nodes[0].exchange.Done() && nodes[1].exchange.Done()
	}))
	for _, n := range nodes {
		assert.Empty(t, n.jobs.finishedTasks(), "graceful finish does not report")
	}
}
