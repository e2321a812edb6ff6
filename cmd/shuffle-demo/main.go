// shuffle-demo starts two shuffle nodes on localhost, streams data chunks
// from node-a to a registered task on node-b, then sends one chunk to a
// container node-b does not know and shows the failure response and the
// job invalidation that follow.
//
// Run:  go run ./cmd/shuffle-demo
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	shuffle "github.com/ironfang-ltd/go-shuffle"
)

const job = "demo"

type node struct {
	id        string
	transport *shuffle.Transport
	executor  *shuffle.Executor
	exchange  *shuffle.Exchange
	metrics   *shuffle.Metrics
}

func newNode(id string) *node {
	metrics := shuffle.NewMetrics(prometheus.NewRegistry())
	logger := slog.Default().With("node", id)

	tr, err := shuffle.NewTransport(id, "127.0.0.1:0", logger)
	if err != nil {
		log.Fatalf("NewTransport %s: %v", id, err)
	}
	return &node{
		id:        id,
		transport: tr,
		executor:  shuffle.NewExecutor(shuffle.WithExecutorLogger(logger), shuffle.WithExecutorMetrics(metrics)),
		metrics:   metrics,
	}
}

func main() {
	shuffle.InitLogger(shuffle.LogConfig{Level: "warn", Format: "text"})

	pubsub := shuffle.NewGoChannelPubSub(slog.Default())
	defer pubsub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errorsB, err := shuffle.SubscribeExecutionErrors(ctx, pubsub, job, nil)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	// node-b hosts container 1 with task 7.
	containersB := shuffle.NewContainerRegistry()
	sink := shuffle.NewQueueConsumer(64)
	containersB.AddTask(1, 7, sink)

	a := newNode("node-a")
	b := newNode("node-b")

	peers := []shuffle.Peer{
		{ID: a.id, Address: a.transport.Addr()},
		{ID: b.id, Address: b.transport.Addr()},
	}

	a.exchange = mustExchange(a, peers, shuffle.NewContainerRegistry(), shuffle.NewPubSubJobManager(job, pubsub, nil, nil))
	b.exchange = mustExchange(b, peers, containersB, shuffle.NewPubSubJobManager(job, pubsub, nil, nil))
	b.exchange.RegisterConsumer(sink)

	for _, n := range []*node{a, b} {
		n.transport.Start()
		defer n.transport.Stop()
		n.executor.Start()
		defer n.executor.Stop()
		n.exchange.Register(n.transport)
	}
	for _, n := range []*node{a, b} {
		if err := n.exchange.Start(n.executor, n.transport); err != nil {
			log.Fatalf("start %s: %v", n.id, err)
		}
	}

	fmt.Printf("node-a listening on %s\n", a.transport.Addr())
	fmt.Printf("node-b listening on %s\n", b.transport.Addr())

	fmt.Println("\n--- Streaming 5 data chunks from node-a to node-b (container 1, task 7) ---")
	for i := 0; i < 5; i++ {
		p := shuffle.NewPacket(shuffle.HeaderDataChunk, 1, 7, []byte(fmt.Sprintf("chunk-%d", i)))
		if err := a.exchange.Send(b.id, p); err != nil {
			log.Fatalf("send: %v", err)
		}
	}

	received := 0
	deadline := time.After(3 * time.Second)
	for received < 5 {
		select {
		case <-sink.Ready():
			for _, p := range sink.Drain() {
				fmt.Printf("[node-b] %s payload=%q from=%s\n", p, p.Payload, p.RemoteAddress)
				received++
			}
		case <-deadline:
			log.Fatalf("timeout: received %d of 5 chunks", received)
		}
	}

	fmt.Println("\n--- Sending a chunk to unknown container 99 ---")
	if err := a.exchange.Send(b.id, shuffle.NewPacket(shuffle.HeaderDataChunk, 99, 1, nil)); err != nil {
		log.Fatalf("send: %v", err)
	}

	select {
	case ev := <-errorsB:
		fmt.Printf("[job] execution error reported by %s: payload=%q\n", ev.Remote, ev.Payload)
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for invalidation")
	}

	fmt.Println("\n--- Metrics ---")
	for _, n := range []*node{a, b} {
		s := n.metrics.Snapshot()
		fmt.Printf("%s: packets_received=%d responses_sent=%d invalidations=%d\n",
			n.id, s["packets_received"], s["responses_sent"], s["invalidations"])
	}

	fmt.Println("\nDemo complete.")
}

func mustExchange(n *node, peers []shuffle.Peer, lookup shuffle.Lookup, jobs shuffle.JobManager) *shuffle.Exchange {
	x, err := shuffle.NewExchange(job, n.id, peers, lookup, jobs,
		shuffle.WithMetrics(n.metrics),
		shuffle.WithLogger(slog.Default().With("node", n.id)),
	)
	if err != nil {
		log.Fatalf("NewExchange %s: %v", n.id, err)
	}
	return x
}
