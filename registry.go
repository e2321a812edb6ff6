package shuffle

import (
	"sort"
	"sync"
)

// Consumer is a downstream unit that receives routed packets. IsFlushed is
// the backpressure signal: false means previously delivered packets have not
// been absorbed yet and nothing more should be read for it.
type Consumer interface {
	IsFlushed() bool
	Consume(p *Packet) error
}

// Writer is an outbound channel to one peer.
type Writer interface {
	SendPacket(p *Packet) error
}

// ConsumerRegistry holds the consumers that take part in a reader's
// backpressure. Registration order carries no priority.
type ConsumerRegistry struct {
	consumers []Consumer
	mu        sync.RWMutex
}

func (cr *ConsumerRegistry) Register(c Consumer) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	cr.consumers = append(cr.consumers, c)
}

// Flushed reports whether every registered consumer is flushed. An empty
// registry is flushed.
func (cr *ConsumerRegistry) Flushed() bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	for _, c := range cr.consumers {
		if !c.IsFlushed() {
			return false
		}
	}
	return true
}

func (cr *ConsumerRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return len(cr.consumers)
}

// WriterRegistry maps peer addresses to their outbound writers.
type WriterRegistry struct {
	writers map[string]Writer
	mu      sync.RWMutex
}

func NewWriterRegistry() *WriterRegistry {
	return &WriterRegistry{
		writers: make(map[string]Writer),
	}
}

// Assign registers w for address, replacing any previous writer.
func (wr *WriterRegistry) Assign(address string, w Writer) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	wr.writers[address] = w
}

func (wr *WriterRegistry) Lookup(address string) (Writer, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	w, ok := wr.writers[address]
	return w, ok
}

func (wr *WriterRegistry) Remove(address string) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	delete(wr.writers, address)
}

func (wr *WriterRegistry) Count() int {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	return len(wr.writers)
}

// Each calls fn for every writer in address order. fn runs without the
// registry lock held.
func (wr *WriterRegistry) Each(fn func(address string, w Writer)) {
	wr.mu.RLock()
	addrs := make([]string, 0, len(wr.writers))
	for a := range wr.writers {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	ws := make([]Writer, len(addrs))
	for i, a := range addrs {
		ws[i] = wr.writers[a]
	}
	wr.mu.RUnlock()

	for i, a := range addrs {
		fn(a, ws[i])
	}
}
