package shuffle

// PacketBuffer is a fixed-capacity FIFO of deframed packets, sized to the
// reader's chunk size. It is owned by a single SocketReader and is not safe
// for concurrent use.
type PacketBuffer struct {
	buf      []*Packet
	len      int
	readIdx  int
	writeIdx int
}

func NewPacketBuffer(size int) *PacketBuffer {
	if size < 1 {
		size = 1
	}
	return &PacketBuffer{
		buf: make([]*Packet, size),
	}
}

func (b *PacketBuffer) Len() int {
	return b.len
}

func (b *PacketBuffer) Cap() int {
	return len(b.buf)
}

func (b *PacketBuffer) Full() bool {
	return b.len == len(b.buf)
}

func (b *PacketBuffer) Push(p *Packet) error {
	if b.len == len(b.buf) {
		return ErrPacketBufferFull
	}

	b.buf[b.writeIdx] = p
	b.writeIdx = (b.writeIdx + 1) % len(b.buf)

	b.len++

	return nil
}

func (b *PacketBuffer) Pop() (*Packet, bool) {
	if b.len == 0 {
		return nil, false
	}

	p := b.buf[b.readIdx]
	b.buf[b.readIdx] = nil
	b.readIdx = (b.readIdx + 1) % len(b.buf)

	b.len--

	return p, true
}

func (b *PacketBuffer) Peek() (*Packet, bool) {
	if b.len == 0 {
		return nil, false
	}
	return b.buf[b.readIdx], true
}

// Reset drops every buffered packet.
func (b *PacketBuffer) Reset() {
	for i := range b.buf {
		b.buf[i] = nil
	}
	b.len = 0
	b.readIdx = 0
	b.writeIdx = 0
}
