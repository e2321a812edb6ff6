package shuffle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SocketReader is the inbound half of a peer connection. Each turn it reads
// whatever the socket has, deframes packets into a bounded buffer, and
// routes them to local consumers in flush cycles.
//
// Invariants:
//   - The reader never reads the socket while any registered consumer
//     reports not flushed.
//   - A flush cycle routes at most the packets buffered when it started and
//     checks IsFlushed before every packet. When it pauses, the unrouted
//     packets and the unparsed receive bytes stay in place (bufferActive)
//     and are resumed before the next socket read.
//   - Packets are routed in arrival order, each exactly once.
//   - At most one invalidation broadcast is sent per flush cycle.
type SocketReader struct {
	networkTask

	cfg      taskConfig
	jobBytes []byte

	recv      *ReceiveBuffer
	deframer  *Deframer
	buffer    *PacketBuffer
	consumers ConsumerRegistry
	writers   *WriterRegistry
	router    *Router

	bufferActive bool
	eof          bool

	// Current flush cycle; zero values between cycles.
	cycleID      string
	cycleSpan    trace.Span
	cyclePackets int
	invalidated  bool
}

// NewSocketReader creates an unassigned reader for packets of job arriving
// from peer. The socket is attached later with AssignSocket or AssignConn.
func NewSocketReader(job, peer string, lookup Lookup, jobs JobManager, opts ...Option) *SocketReader {
	cfg := newTaskConfig(opts)
	logger := cfg.logger.With("job", job, "peer", peer)
	r := &SocketReader{
		networkTask: networkTask{
			name:   "reader:" + job + ":" + peer,
			job:    job,
			peer:   peer,
			jobs:   jobs,
			logger: logger,
		},
		cfg:      cfg,
		jobBytes: []byte(job),
		deframer: NewDeframer(cfg.maxPayload),
		buffer:   NewPacketBuffer(cfg.chunkSize),
		writers:  NewWriterRegistry(),
	}
	r.router = NewRouter(peer, lookup, jobs, logger)
	return r
}

// AssignSocket attaches the channel and receive buffer. It is the one call
// that may come from another goroutine while the reader is scheduled; the
// reader starts reading on its first turn after the call returns. A buffer
// that already holds bytes is deframed before the first read.
func (r *SocketReader) AssignSocket(ch Channel, buf *ReceiveBuffer) error {
	if r.destroyed.Load() || r.interrupted.Load() || TaskState(r.terminal.Load()).Terminal() {
		ch.Close()
		return ErrTaskClosed
	}
	if r.assigned.Load() {
		return ErrAlreadyAssigned
	}
	if buf == nil {
		buf = NewReceiveBuffer(r.cfg.receiveBufferSize)
	}
	r.channel = ch
	r.recv = buf
	r.bufferActive = buf.Len() > 0
	r.assigned.Store(true)

	// A Destroy or Interrupt turn that ran before the Store saw no socket
	// to close.
	if r.destroyed.Load() || r.interrupted.Load() || TaskState(r.terminal.Load()).Terminal() {
		ch.Close()
		return ErrTaskClosed
	}
	return nil
}

// AssignConn wraps conn in a non-blocking channel and assigns it.
func (r *SocketReader) AssignConn(conn net.Conn) error {
	return r.AssignSocket(NewConnChannel(conn), NewReceiveBuffer(r.cfg.receiveBufferSize))
}

// RegisterConsumer adds a consumer to the reader's backpressure set.
func (r *SocketReader) RegisterConsumer(c Consumer) {
	r.consumers.Register(c)
}

// AssignWriter registers the outbound writer for a peer. The writer for the
// reader's own peer carries failure responses; every writer receives
// invalidation broadcasts.
func (r *SocketReader) AssignWriter(peer string, w Writer) {
	r.writers.Assign(peer, w)
}

// IsFlushed reports whether every registered consumer is flushed.
func (r *SocketReader) IsFlushed() bool {
	return r.consumers.Flushed()
}

func (r *SocketReader) Info() TaskInfo {
	return r.info("reader")
}

// OnExecute runs one turn. It never blocks.
func (r *SocketReader) OnExecute() (TurnResult, error) {
	if r.checkInterrupted() {
		return TurnDone, nil
	}

	if !r.assigned.Load() {
		if r.waitingForFinish.Load() {
			r.finish()
			return TurnDone, nil
		}
		return TurnIdle, nil
	}

	if r.ioFailed {
		r.endCycle(errors.New("socket failed"))
		r.finish()
		return TurnDone, nil
	}

	res, err := r.processRead()
	if err != nil {
		return TurnIdle, err
	}
	if r.finished {
		return TurnDone, nil
	}
	return res, nil
}

func (r *SocketReader) processRead() (TurnResult, error) {
	if !r.IsFlushed() {
		r.cfg.metrics.recordBackpressure(r.peer)
		return TurnIdle, nil
	}

	res := TurnIdle
	if r.bufferActive {
		res = TurnProgress
		ok, err := r.readBuffer()
		if err != nil {
			return TurnIdle, err
		}
		if !ok {
			return res, nil
		}
	}

	n, err := r.readSocket()
	if err != nil {
		return TurnIdle, err
	}
	if n > 0 {
		res = TurnProgress
	}

	if r.waitingForFinish.Load() && n == 0 && !r.bufferActive && r.IsFlushed() {
		r.finish()
		return TurnDone, nil
	}
	return res, nil
}

// readSocket performs one non-blocking read and deframes what arrived.
func (r *SocketReader) readSocket() (int, error) {
	if r.eof || r.ioFailed || r.socketClosed {
		return 0, nil
	}

	space := r.recv.Space()
	if len(space) == 0 {
		return 0, nil
	}

	n, err := r.channel.Read(space)
	if n > 0 {
		r.recv.Commit(n)
		r.totalBytes.Add(int64(n))
		r.cfg.metrics.recordRead(r.peer, n)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.logger.Debug("peer closed stream", "bytes", r.totalBytes.Load())
			r.eof = true
			r.closeSocket()
		} else {
			r.failIO("read", err)
		}
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := r.readBuffer(); err != nil {
		return n, err
	}
	return n, nil
}

// readBuffer finishes any paused flush, then deframes the receive buffer,
// flushing whenever the packet buffer reaches the chunk size and once more
// when no complete frame is left. It returns false when a consumer stopped
// accepting packets; the remaining work is kept for a later turn.
func (r *SocketReader) readBuffer() (bool, error) {
	if r.buffer.Len() > 0 {
		ok, err := r.flush()
		if err != nil {
			return false, err
		}
		if !ok {
			r.setBufferActive(true)
			return false, nil
		}
	}

	for r.recv.Len() > 0 {
		p, ok, err := r.deframer.Next(r.recv)
		if err != nil {
			r.failIO("deframe", err)
			break
		}
		if !ok {
			break
		}
		r.cfg.metrics.recordPacketReceived(r.peer)

		if err := r.buffer.Push(p); err != nil {
			return false, fmt.Errorf("reader %s: %w", r.name, err)
		}

		if r.buffer.Full() {
			ok, err := r.flush()
			if err != nil {
				return false, err
			}
			if !ok {
				r.setBufferActive(true)
				return false, nil
			}
		}
	}

	r.recv.Compact()
	ok, err := r.flush()
	if err != nil {
		return false, err
	}
	r.setBufferActive(!ok)
	return ok, nil
}

func (r *SocketReader) setBufferActive(v bool) {
	r.bufferActive = v
	r.backpressure.Store(v)
}

// flush routes the buffered packets. It returns false if it paused because
// a consumer is not flushed.
func (r *SocketReader) flush() (bool, error) {
	n := r.buffer.Len()
	if n == 0 {
		return true, nil
	}
	if r.cycleSpan == nil {
		r.startCycle()
	}

	for i := 0; i < n; i++ {
		if !r.IsFlushed() {
			return false, nil
		}

		p, _ := r.buffer.Pop()
		r.cyclePackets++

		out, err := r.router.Route(p)
		if err != nil {
			r.endCycle(err)
			return false, err
		}
		if out.Response != 0 {
			r.cfg.metrics.recordRoutingMiss(out.Response)
			r.sendResponse(p, out.Response)
		}
		if out.Invalidate {
			r.invalidateAll()
		}
	}

	r.endCycle(nil)
	return true, nil
}

func (r *SocketReader) startCycle() {
	r.cycleID = r.cfg.ids.NewID()
	_, r.cycleSpan = r.cfg.tracer.Start(context.Background(), "shuffle.flush",
		trace.WithAttributes(
			attribute.String("shuffle.job", r.job),
			attribute.String("shuffle.peer", r.peer),
			attribute.String("shuffle.cycle", r.cycleID),
		))
}

func (r *SocketReader) endCycle(err error) {
	if r.cycleSpan == nil {
		return
	}
	r.cycleSpan.SetAttributes(
		attribute.Int("shuffle.packets", r.cyclePackets),
		attribute.Bool("shuffle.invalidated", r.invalidated),
	)
	if err != nil {
		r.cycleSpan.RecordError(err)
		r.cycleSpan.SetStatus(codes.Error, err.Error())
	}
	r.cycleSpan.End()
	r.cfg.metrics.recordFlush(r.cyclePackets)

	r.cycleSpan = nil
	r.cycleID = ""
	r.cyclePackets = 0
	r.invalidated = false
}

// sendResponse reports a routing miss back to the packet's sender.
func (r *SocketReader) sendResponse(p *Packet, code Header) {
	w, ok := r.writers.Lookup(r.peer)
	if !ok {
		r.logger.Warn("cannot send failure response", "code", code.String(), "error", ErrNoWriter)
		return
	}
	resp := NewPacket(code, p.ContainerID, p.TaskID, nil)
	if err := w.SendPacket(resp); err != nil {
		r.logger.Warn("failure response not sent", "code", code.String(), "error", err)
		return
	}
	r.cfg.metrics.recordResponse(code)
}

// invalidateAll sends one execution-error packet carrying the job identity
// to every registered writer. Repeated calls within a flush cycle are
// no-ops. Send failures are logged and not retried.
func (r *SocketReader) invalidateAll() {
	if r.invalidated {
		return
	}
	r.invalidated = true
	r.cfg.metrics.recordInvalidation()

	r.logger.Warn("invalidating job on all peers", "cycle", r.cycleID, "writers", r.writers.Count())

	r.writers.Each(func(peer string, w Writer) {
		p := NewPacket(HeaderExecutionError, 0, 0, r.jobBytes)
		if err := w.SendPacket(p); err != nil {
			r.cfg.metrics.recordBroadcastFailure()
			r.logger.Warn("invalidation not sent", "target", peer, "error", err)
		}
	})
}
