package shuffle

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// scriptedChannel is a Channel whose reads return queued chunks one per
// call and whose writes are captured.
type scriptedChannel struct {
	mu       sync.Mutex
	reads    [][]byte
	eof      bool
	readErr  error
	writeErr error
	maxWrite int // 0 = unlimited
	written  bytes.Buffer
	closes   int
	readCall int
}

func (c *scriptedChannel) push(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, b)
}

func (c *scriptedChannel) setEOF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eof = true
}

func (c *scriptedChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCall++

	if c.closes > 0 {
		return 0, io.EOF
	}
	if len(c.reads) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		if c.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, c.reads[0])
	if n == len(c.reads[0]) {
		c.reads = c.reads[1:]
	} else {
		c.reads[0] = c.reads[0][n:]
	}
	return n, nil
}

func (c *scriptedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.maxWrite > 0 && n > c.maxWrite {
		n = c.maxWrite
	}
	c.written.Write(p[:n])
	return n, nil
}

func (c *scriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *scriptedChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *scriptedChannel) readCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCall
}

func (c *scriptedChannel) writtenBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

// recordingConsumer records consumed packets. When limit > 0 it reports
// not flushed once limit packets are held.
type recordingConsumer struct {
	mu       sync.Mutex
	packets  []*Packet
	limit    int
	blocked  atomic.Bool
	err      error
	flushedN atomic.Int64
}

func (c *recordingConsumer) IsFlushed() bool {
	c.flushedN.Add(1)
	if c.blocked.Load() {
		return false
	}
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets) < c.limit
}

func (c *recordingConsumer) Consume(p *Packet) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
	return nil
}

func (c *recordingConsumer) got() []*Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Packet(nil), c.packets...)
}

func (c *recordingConsumer) drain() []*Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

// recordingWriter captures SendPacket calls.
type recordingWriter struct {
	mu      sync.Mutex
	packets []*Packet
	err     error
}

func (w *recordingWriter) SendPacket(p *Packet) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, p)
	return nil
}

func (w *recordingWriter) sent() []*Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Packet(nil), w.packets...)
}

// fakeJobManager records job notifications.
type fakeJobManager struct {
	mu       sync.Mutex
	errors   []*Packet
	finished []string
	err      error
}

func (m *fakeJobManager) NotifyExecutionError(p *Packet) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, p)
	return nil
}

func (m *fakeJobManager) NetworkTaskFinished(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, task)
}

func (m *fakeJobManager) executionErrors() []*Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Packet(nil), m.errors...)
}

func (m *fakeJobManager) finishedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.finished...)
}

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithLogger(testLogger()),
		WithMetrics(testMetrics()),
		WithIDGenerator(NewCounterGenerator("cycle")),
	}
	return append(opts, extra...)
}

func encode(packets ...*Packet) []byte {
	var b []byte
	for _, p := range packets {
		b = AppendPacket(b, p)
	}
	return b
}

// turn runs OnExecute and fails the test on error.
func turn(t *testing.T, task Task) TurnResult {
	t.Helper()
	res, err := task.OnExecute()
	if err != nil {
		t.Fatalf("OnExecute %s: %v", task.Name(), err)
	}
	return res
}

// waitFor polls cond on the calling goroutine until it holds or timeout
// elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
