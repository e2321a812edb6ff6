package shuffle

// Transport accepts and dials the TCP connections that carry shuffle
// packets between hosts, and hands each connection to the network task
// that owns it.
//
// Invariants:
//   - Every connection is one-directional: the dialer's SocketWriter writes,
//     the acceptor's SocketReader reads. A host pair therefore has two
//     connections per job, one each way.
//   - A connection is handed to its task only after the handshake; the
//     handoff is the task's AssignConn, the single cross-goroutine entry
//     point of a network task.
//   - An inbound connection for a (job, host) pair with no registered
//     reader is closed immediately.
//
// Handshake format (both directions):
//
//	[2-byte big-endian hostID length][hostID UTF-8 bytes]
//	[2-byte big-endian job length][job UTF-8 bytes]
//
// Handshake direction:
//   - Outbound (dialer):  write handshake → read handshake
//   - Inbound  (listener): read handshake → write handshake
//   - Both dial and handshake are bounded by dedicated timeouts.

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// transportDialTimeout bounds net.DialTimeout when connecting to a peer.
const transportDialTimeout = 5 * time.Second

// transportHandshakeTimeout bounds the handshake exchange (read + write)
// after a connection is established.
const transportHandshakeTimeout = 5 * time.Second

// maxHandshakeField is the longest hostID or job name accepted.
const maxHandshakeField = 256

type Transport struct {
	hostID   string
	listener net.Listener
	logger   *slog.Logger

	readers sync.Map // map[readerKey]*SocketReader

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type readerKey struct {
	job  string
	peer string
}

// NewTransport creates a transport that listens on listenAddr.
func NewTransport(hostID, listenAddr string, logger *slog.Logger) (*Transport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport listen: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		hostID:   hostID,
		listener: ln,
		logger:   logger.With("host", hostID),
		done:     make(chan struct{}),
	}, nil
}

// HostID returns the identity this transport presents in handshakes.
func (t *Transport) HostID() string {
	return t.hostID
}

// Addr returns the listener's network address (useful when binding to ":0").
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// RegisterReader makes r the owner of inbound connections from peer for job.
func (t *Transport) RegisterReader(job, peer string, r *SocketReader) {
	t.readers.Store(readerKey{job: job, peer: peer}, r)
}

// UnregisterReader removes the reader for (job, peer).
func (t *Transport) UnregisterReader(job, peer string) {
	t.readers.Delete(readerKey{job: job, peer: peer})
}

// Start begins accepting inbound connections. Non-blocking.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.acceptLoop()
}

// Stop closes the listener and waits for in-flight handshakes. Connections
// already handed to tasks are closed by the tasks. Safe to call multiple
// times.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		t.wg.Wait()
	})
}

// Dial connects to peer at address for job and assigns the connection to w.
func (t *Transport) Dial(job, peer, address string, w *SocketWriter) error {
	conn, err := net.DialTimeout("tcp", address, transportDialTimeout)
	if err != nil {
		return fmt.Errorf("transport dial %s (%s): %w", peer, address, err)
	}

	// Set a deadline covering the entire handshake exchange.
	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))

	// Outbound handshake: write → read (opposite of inbound: read → write).
	if err := writeHandshake(conn, t.hostID, job); err != nil {
		conn.Close()
		return fmt.Errorf("transport handshake: %w", err)
	}
	remoteID, remoteJob, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport handshake: %w", err)
	}
	if remoteID != peer {
		conn.Close()
		return fmt.Errorf("transport handshake: expected host %q, got %q", peer, remoteID)
	}
	if remoteJob != job {
		conn.Close()
		return fmt.Errorf("transport handshake: expected job %q, got %q", job, remoteJob)
	}

	conn.SetDeadline(time.Time{})

	if err := w.AssignConn(conn); err != nil {
		conn.Close()
		return fmt.Errorf("transport assign writer %s: %w", peer, err)
	}

	t.logger.Info("transport peer connected", "direction", "outbound", "remote", peer, "job", job, "address", address)
	return nil
}

// --- accept loop ---

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.logger.Error("transport accept error", "error", err)
				continue
			}
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound identifies the remote host and job, then assigns the
// connection to the matching reader.
func (t *Transport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))

	// Inbound handshake: read → write (opposite of outbound: write → read).
	remoteID, job, err := readHandshake(conn)
	if err != nil {
		t.logger.Error("transport handshake read failed", "error", err)
		conn.Close()
		return
	}

	v, ok := t.readers.Load(readerKey{job: job, peer: remoteID})
	if !ok {
		t.logger.Warn("transport rejected inbound connection", "remote", remoteID, "job", job, "error", ErrUnknownPeer)
		conn.Close()
		return
	}

	if err := writeHandshake(conn, t.hostID, job); err != nil {
		t.logger.Error("transport handshake write failed", "error", err)
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	if err := v.(*SocketReader).AssignConn(conn); err != nil {
		t.logger.Warn("transport assign reader failed", "remote", remoteID, "job", job, "error", err)
		conn.Close()
		return
	}

	t.logger.Info("transport peer connected", "direction", "inbound", "remote", remoteID, "job", job)
}

// --- handshake ---

func writeHandshake(w io.Writer, hostID, job string) error {
	id := []byte(hostID)
	jb := []byte(job)
	buf := make([]byte, 2+len(id)+2+len(jb))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(id)))
	copy(buf[2:], id)
	off := 2 + len(id)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(jb)))
	copy(buf[off+2:], jb)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (hostID, job string, err error) {
	if hostID, err = readHandshakeField(r); err != nil {
		return "", "", fmt.Errorf("handshake hostID: %w", err)
	}
	if job, err = readHandshakeField(r); err != nil {
		return "", "", fmt.Errorf("handshake job: %w", err)
	}
	return hostID, job, nil
}

func readHandshakeField(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || n > maxHandshakeField {
		return "", fmt.Errorf("invalid length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
