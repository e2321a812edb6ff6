package shuffle

import (
	"fmt"
	"sync"
)

// Deframer incrementally parses packets out of a ReceiveBuffer.
//
// Invariants:
//   - Bytes are absorbed into the in-progress packet as soon as they are
//     available, so a frame split across any number of reads is resumed
//     where the previous call stopped, never restarted.
//   - A packet is returned only once its declared payload is fully read.
//   - After a packet is returned the next call starts a fresh packet; the
//     returned packet is never touched again by the deframer.
//
// A Deframer is not safe for concurrent use. See LockedDeframer.
type Deframer struct {
	maxPayload int

	pkt     *Packet
	hdr     [packetHeaderSize]byte
	hdrN    int
	payN    int
	hdrDone bool
}

// NewDeframer returns a deframer that rejects payloads larger than
// maxPayload bytes. maxPayload <= 0 selects the default (16 MB).
func NewDeframer(maxPayload int) *Deframer {
	if maxPayload <= 0 {
		maxPayload = maxPacketPayload
	}
	return &Deframer{maxPayload: maxPayload}
}

// Next tries to complete one packet from buf. It returns (nil, false, nil)
// when buf ran dry before the current frame was complete. A non-nil error
// means the stream is corrupt and must not be read further.
func (d *Deframer) Next(buf *ReceiveBuffer) (*Packet, bool, error) {
	if !d.hdrDone {
		n := copy(d.hdr[d.hdrN:], buf.Bytes())
		buf.Consume(n)
		d.hdrN += n
		if d.hdrN < packetHeaderSize {
			return nil, false, nil
		}

		h, containerID, taskID, payloadLen := getHeader(d.hdr[:])
		if payloadLen < 0 {
			d.reset()
			return nil, false, fmt.Errorf("%w: %d", ErrNegativeLength, payloadLen)
		}
		if int(payloadLen) > d.maxPayload {
			d.reset()
			return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
		}

		d.pkt = &Packet{
			Header:      h,
			ContainerID: containerID,
			TaskID:      taskID,
		}
		if payloadLen > 0 {
			d.pkt.Payload = make([]byte, payloadLen)
		}
		d.hdrDone = true
	}

	if d.payN < len(d.pkt.Payload) {
		n := copy(d.pkt.Payload[d.payN:], buf.Bytes())
		buf.Consume(n)
		d.payN += n
		if d.payN < len(d.pkt.Payload) {
			return nil, false, nil
		}
	}

	p := d.pkt
	d.reset()
	return p, true, nil
}

// Partial reports whether a frame is in progress.
func (d *Deframer) Partial() bool {
	return d.hdrN > 0
}

func (d *Deframer) reset() {
	d.pkt = nil
	d.hdrN = 0
	d.payN = 0
	d.hdrDone = false
}

// LockedDeframer serializes Next for a parser shared between goroutines.
// The lock covers only the parse call.
type LockedDeframer struct {
	mu sync.Mutex
	d  *Deframer
}

func NewLockedDeframer(maxPayload int) *LockedDeframer {
	return &LockedDeframer{d: NewDeframer(maxPayload)}
}

func (l *LockedDeframer) Next(buf *ReceiveBuffer) (*Packet, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.d.Next(buf)
}
