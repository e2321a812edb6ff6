package shuffle

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope used for flush-cycle spans.
const tracerName = "github.com/ironfang-ltd/go-shuffle"

type Option func(*taskConfig)

type taskConfig struct {
	// Packets buffered before a flush cycle is forced (default 256).
	chunkSize int

	// Receive buffer size used by AssignConn (default 64 KB).
	receiveBufferSize int

	// Largest payload a frame may declare (default 16 MB).
	maxPayload int

	// Upper bound on bytes a writer keeps queued before SendPacket
	// refuses more (default 8 MB).
	writerQueueLimit int

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	ids     IDGenerator
}

func defaultTaskConfig() taskConfig {
	return taskConfig{
		chunkSize:         256,
		receiveBufferSize: 64 << 10,
		maxPayload:        maxPacketPayload,
		writerQueueLimit:  8 << 20,
	}
}

func newTaskConfig(opts []Option) taskConfig {
	cfg := defaultTaskConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}
	if cfg.ids == nil {
		cfg.ids = NewULIDGenerator()
	}
	return cfg
}

// WithChunkSize sets how many packets a reader buffers before it runs a
// flush cycle.
func WithChunkSize(n int) Option {
	return func(c *taskConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

func WithReceiveBufferSize(n int) Option {
	return func(c *taskConfig) {
		if n > 0 {
			c.receiveBufferSize = n
		}
	}
}

func WithMaxPayload(n int) Option {
	return func(c *taskConfig) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

func WithWriterQueueLimit(n int) Option {
	return func(c *taskConfig) {
		if n > 0 {
			c.writerQueueLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *taskConfig) {
		c.logger = l
	}
}

// WithMetrics shares one Metrics instance between tasks. Without it each
// task counts into its own unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *taskConfig) {
		c.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *taskConfig) {
		c.tracer = t
	}
}

// WithIDGenerator replaces the ULID generator used for flush-cycle ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *taskConfig) {
		c.ids = g
	}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	// Sleep between rounds in which no task made progress.
	idleInterval time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		idleInterval: time.Millisecond,
	}
}

func WithIdleInterval(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		c.idleInterval = d
	}
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(c *executorConfig) {
		c.metrics = m
	}
}
