package shuffle

import "sync"

// QueueConsumer is a bounded in-memory Consumer. It reports not flushed
// once Limit packets are queued, which stops every reader it is registered
// with until Drain makes room.
type QueueConsumer struct {
	mu      sync.Mutex
	limit   int
	packets []*Packet
	signal  chan struct{}
}

// NewQueueConsumer creates a consumer holding at most limit packets before
// it applies backpressure. A limit of zero or less never applies it.
func NewQueueConsumer(limit int) *QueueConsumer {
	return &QueueConsumer{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *QueueConsumer) IsFlushed() bool {
	if q.limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets) < q.limit
}

func (q *QueueConsumer) Consume(p *Packet) error {
	q.mu.Lock()
	q.packets = append(q.packets, p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every queued packet, oldest first.
func (q *QueueConsumer) Drain() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.packets
	q.packets = nil
	return out
}

func (q *QueueConsumer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Ready is signalled after Consume; it may coalesce several packets.
func (q *QueueConsumer) Ready() <-chan struct{} {
	return q.signal
}
