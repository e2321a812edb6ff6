// shuffle-node runs one host of a shuffle job: it accepts and dials peer
// connections, routes received packets to the configured containers, and
// serves the admin endpoints.
//
// Run:  go run ./cmd/shuffle-node -config node.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	shuffle "github.com/ironfang-ltd/go-shuffle"
	"github.com/ironfang-ltd/go-shuffle/internal/config"
)

// drainTimeout bounds the graceful finish on shutdown.
const drainTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $SHUFFLE_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "shuffle-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	closer := shuffle.InitLogger(cfg.Log)
	defer closer.Close()
	logger := slog.Default().With("host", cfg.HostID)

	metrics := shuffle.NewMetrics(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubsub := shuffle.NewGoChannelPubSub(logger)
	defer pubsub.Close()
	jobs := shuffle.NewPubSubJobManager(cfg.Job, pubsub, nil, logger)

	// Sinks keep draining after the signal so readers can flush during the
	// graceful finish; they stop only once the drain is over.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	containers := shuffle.NewContainerRegistry()
	var sinks []*shuffle.QueueConsumer
	for _, ct := range cfg.Containers {
		containers.AddContainer(ct.ID)
		for _, task := range ct.Tasks {
			sink := shuffle.NewQueueConsumer(cfg.Shuffle.ChunkSize)
			containers.AddTask(ct.ID, task, sink)
			sinks = append(sinks, sink)
			go logPackets(sinkCtx, logger.With("container", ct.ID, "task", task), sink)
		}
	}

	transport, err := shuffle.NewTransport(cfg.HostID, cfg.ListenAddr, logger)
	if err != nil {
		return err
	}
	transport.Start()
	defer transport.Stop()

	executor := shuffle.NewExecutor(
		shuffle.WithIdleInterval(cfg.Shuffle.IdleInterval),
		shuffle.WithExecutorLogger(logger),
		shuffle.WithExecutorMetrics(metrics),
	)
	executor.Start()
	defer executor.Stop()

	opts := append(cfg.TaskOptions(), shuffle.WithLogger(logger), shuffle.WithMetrics(metrics))
	exchange, err := shuffle.NewExchange(cfg.Job, cfg.HostID, cfg.Peers, containers, jobs, opts...)
	if err != nil {
		return err
	}
	for _, sink := range sinks {
		exchange.RegisterConsumer(sink)
	}
	defer exchange.Unregister(transport)

	if cfg.AdminAddr != "" {
		admin, err := shuffle.NewAdminServer(cfg.AdminAddr, cfg.HostID, executor, metrics, prometheus.DefaultGatherer)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		admin.Start()
		defer admin.Stop()
	}

	go watchExecutionErrors(ctx, pubsub, cfg.Job, logger, exchange)

	exchange.Register(transport)
	for _, task := range exchange.Tasks() {
		executor.Submit(task)
	}
	connect(ctx, exchange, transport, logger)

	logger.Info("shuffle node running", "listen", transport.Addr(), "job", cfg.Job, "peers", len(exchange.Peers()))
	<-ctx.Done()

	logger.Info("shutting down, finishing tasks")
	if !drain(exchange, drainTimeout) {
		logger.Warn("tasks did not finish before timeout, destroying")
	}
	stopSinks()
	return nil
}

// drain requests a graceful finish and waits up to timeout for every task
// of x to reach a terminal state. Consumers must keep draining meanwhile.
func drain(x *shuffle.Exchange, timeout time.Duration) bool {
	x.Finish()
	deadline := time.Now().Add(timeout)
	for !x.Done() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// connect dials peers until all writers are connected or ctx is done. Peers
// start at different times, so early dials are expected to fail.
func connect(ctx context.Context, x *shuffle.Exchange, t *shuffle.Transport, logger *slog.Logger) {
	backoff := 100 * time.Millisecond
	for {
		err := x.Connect(t)
		if err == nil {
			return
		}
		logger.Debug("peers not all connected, retrying", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func watchExecutionErrors(ctx context.Context, sub message.Subscriber, job string, logger *slog.Logger, x *shuffle.Exchange) {
	events, err := shuffle.SubscribeExecutionErrors(ctx, sub, job, logger)
	if err != nil {
		logger.Error("subscribe execution errors failed", "error", err)
		return
	}
	for ev := range events {
		logger.Error("job failed on peer, interrupting local tasks", "remote", ev.Remote)
		x.Interrupt()
	}
}

func logPackets(ctx context.Context, logger *slog.Logger, sink *shuffle.QueueConsumer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Ready():
			for _, p := range sink.Drain() {
				logger.Debug("packet received", "packet", p.String(), "bytes", len(p.Payload), "from", p.RemoteAddress)
			}
		}
	}
}
