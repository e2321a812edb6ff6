package shuffle

import (
	"net"
	"sync"
)

// SocketWriter is the outbound half of a peer connection. SendPacket may be
// called from any goroutine; it encodes the packet into a pending queue.
// Turns hand the pending bytes to the socket with non-blocking writes,
// keeping any unwritten tail for the next turn.
type SocketWriter struct {
	networkTask

	cfg taskConfig

	mu      sync.Mutex
	pending []byte

	// Owned by turns.
	out    []byte
	outOff int
}

// NewSocketWriter creates an unassigned writer toward peer.
func NewSocketWriter(job, peer string, jobs JobManager, opts ...Option) *SocketWriter {
	cfg := newTaskConfig(opts)
	return &SocketWriter{
		networkTask: networkTask{
			name:   "writer:" + job + ":" + peer,
			job:    job,
			peer:   peer,
			jobs:   jobs,
			logger: cfg.logger.With("job", job, "peer", peer),
		},
		cfg: cfg,
	}
}

// AssignSocket attaches the channel. Safe to call from another goroutine
// while the writer is scheduled.
func (w *SocketWriter) AssignSocket(ch Channel) error {
	if w.destroyed.Load() || w.interrupted.Load() || TaskState(w.terminal.Load()).Terminal() {
		ch.Close()
		return ErrTaskClosed
	}
	if w.assigned.Load() {
		return ErrAlreadyAssigned
	}
	w.channel = ch
	w.assigned.Store(true)

	// A Destroy or Interrupt turn that ran before the Store saw no socket
	// to close.
	if w.destroyed.Load() || w.interrupted.Load() || TaskState(w.terminal.Load()).Terminal() {
		ch.Close()
		return ErrTaskClosed
	}
	return nil
}

// AssignConn wraps conn in a non-blocking channel and assigns it.
func (w *SocketWriter) AssignConn(conn net.Conn) error {
	return w.AssignSocket(NewConnChannel(conn))
}

// SendPacket queues p for delivery to the peer. It fails once the writer
// has been destroyed, interrupted, or finished, and when the queue is over
// its byte limit.
func (w *SocketWriter) SendPacket(p *Packet) error {
	if w.destroyed.Load() || w.interrupted.Load() || TaskState(w.terminal.Load()).Terminal() {
		return ErrTaskClosed
	}

	w.mu.Lock()
	if len(w.pending)+p.EncodedLen() > w.cfg.writerQueueLimit {
		w.mu.Unlock()
		return ErrWriterQueueFull
	}
	w.pending = AppendPacket(w.pending, p)
	w.mu.Unlock()

	w.cfg.metrics.recordPacketSent(w.peer)
	return nil
}

// Pending returns the number of encoded bytes not yet written.
func (w *SocketWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *SocketWriter) Info() TaskInfo {
	return w.info("writer")
}

// OnExecute runs one turn. It never blocks.
func (w *SocketWriter) OnExecute() (TurnResult, error) {
	if w.checkInterrupted() {
		return TurnDone, nil
	}

	if !w.assigned.Load() {
		if w.waitingForFinish.Load() {
			w.finish()
			return TurnDone, nil
		}
		return TurnIdle, nil
	}

	if w.ioFailed {
		w.finish()
		return TurnDone, nil
	}

	if w.outOff == len(w.out) {
		w.out = w.out[:0]
		w.outOff = 0

		w.mu.Lock()
		w.out, w.pending = w.pending, w.out
		w.mu.Unlock()
	}

	if len(w.out) == 0 {
		if w.waitingForFinish.Load() {
			w.finish()
			return TurnDone, nil
		}
		return TurnIdle, nil
	}

	n, err := w.channel.Write(w.out[w.outOff:])
	if n > 0 {
		w.outOff += n
		w.totalBytes.Add(int64(n))
		w.cfg.metrics.recordWrite(w.peer, n)
	}
	if err != nil {
		w.failIO("write", err)
		return TurnIdle, nil
	}
	if n == 0 {
		return TurnIdle, nil
	}
	return TurnProgress, nil
}
