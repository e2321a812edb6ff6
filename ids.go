package shuffle

import (
	"crypto/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces identifiers for flush cycles and job notifications.
type IDGenerator interface {
	NewID() string
}

// ULIDGenerator returns time-sortable ULIDs from a monotonic entropy source.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ULIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// CounterGenerator returns prefix-1, prefix-2, ... Deterministic; meant for
// tests and single-process tooling.
type CounterGenerator struct {
	prefix string
	n      atomic.Int64
}

func NewCounterGenerator(prefix string) *CounterGenerator {
	return &CounterGenerator{prefix: prefix}
}

func (g *CounterGenerator) NewID() string {
	return g.prefix + "-" + strconv.FormatInt(g.n.Add(1), 10)
}
