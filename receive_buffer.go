package shuffle

// ReceiveBuffer is the byte region bound to one socket. Socket reads append
// at the write cursor; the deframer consumes from the read cursor. Unread
// bytes are compacted to the front between reads, never dropped.
//
// A ReceiveBuffer belongs to exactly one task and is only touched from that
// task's turns.
type ReceiveBuffer struct {
	buf []byte
	r   int
	w   int
}

// NewReceiveBuffer allocates a receive buffer with the given capacity.
func NewReceiveBuffer(size int) *ReceiveBuffer {
	if size < packetHeaderSize {
		size = packetHeaderSize
	}
	return &ReceiveBuffer{buf: make([]byte, size)}
}

// Len returns the number of unread bytes.
func (b *ReceiveBuffer) Len() int {
	return b.w - b.r
}

// Cap returns the total capacity.
func (b *ReceiveBuffer) Cap() int {
	return len(b.buf)
}

// Bytes returns the unread region. The slice is only valid until the next
// Consume, Compact, or Commit.
func (b *ReceiveBuffer) Bytes() []byte {
	return b.buf[b.r:b.w]
}

// Consume marks n unread bytes as read.
func (b *ReceiveBuffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Space returns the writable tail, compacting first if unread bytes are not
// at the front.
func (b *ReceiveBuffer) Space() []byte {
	if b.w == len(b.buf) && b.r > 0 {
		b.Compact()
	}
	return b.buf[b.w:]
}

// Commit marks n bytes of the slice returned by Space as written.
func (b *ReceiveBuffer) Commit(n int) {
	b.w += n
	if b.w > len(b.buf) {
		b.w = len(b.buf)
	}
}

// Write copies p into the buffer and returns how many bytes fit.
func (b *ReceiveBuffer) Write(p []byte) int {
	n := copy(b.Space(), p)
	b.Commit(n)
	return n
}

// Compact moves unread bytes to the start of the buffer. Reports whether
// any bytes were retained.
func (b *ReceiveBuffer) Compact() bool {
	n := b.Len()
	if n == 0 {
		b.r, b.w = 0, 0
		return false
	}
	if b.r > 0 {
		copy(b.buf, b.buf[b.r:b.w])
		b.r, b.w = 0, n
	}
	return true
}
