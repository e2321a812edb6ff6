package shuffle

import (
	"errors"
	"fmt"
	"sort"
)

// Peer is a remote host taking part in a job.
type Peer struct {
	ID      string `mapstructure:"id" json:"id"`
	Address string `mapstructure:"address" json:"address"`
}

// Exchange owns the network tasks of one job on one host: a SocketReader
// and a SocketWriter per remote peer. Every reader knows every writer, so
// a routing failure on any connection invalidates the job on all peers.
type Exchange struct {
	job    string
	hostID string
	peers  []Peer

	readers map[string]*SocketReader
	writers map[string]*SocketWriter

	cfg taskConfig
}

// NewExchange builds the readers and writers for job. Peers whose ID equals
// hostID are skipped.
func NewExchange(job, hostID string, peers []Peer, lookup Lookup, jobs JobManager, opts ...Option) (*Exchange, error) {
	if job == "" {
		return nil, ErrJobRequired
	}
	if lookup == nil {
		return nil, ErrLookupRequired
	}

	cfg := newTaskConfig(opts)
	// Share the resolved defaults so every task of the exchange counts into
	// the same collectors.
	shared := append([]Option{}, opts...)
	shared = append(shared, WithMetrics(cfg.metrics), WithLogger(cfg.logger))

	x := &Exchange{
		job:     job,
		hostID:  hostID,
		readers: make(map[string]*SocketReader),
		writers: make(map[string]*SocketWriter),
		cfg:     cfg,
	}

	for _, p := range peers {
		if p.ID == hostID {
			continue
		}
		if _, dup := x.readers[p.ID]; dup {
			return nil, fmt.Errorf("exchange %s: duplicate peer %q", job, p.ID)
		}
		x.peers = append(x.peers, p)
		x.readers[p.ID] = NewSocketReader(job, p.ID, lookup, jobs, shared...)
		x.writers[p.ID] = NewSocketWriter(job, p.ID, jobs, shared...)
	}
	sort.Slice(x.peers, func(i, j int) bool { return x.peers[i].ID < x.peers[j].ID })

	for _, r := range x.readers {
		for id, w := range x.writers {
			r.AssignWriter(id, w)
		}
	}

	cfg.logger.Info("exchange created", "job", job, "host", hostID, "peers", len(x.peers))
	return x, nil
}

func (x *Exchange) Job() string {
	return x.job
}

// Peers returns the remote peers, sorted by ID.
func (x *Exchange) Peers() []Peer {
	out := make([]Peer, len(x.peers))
	copy(out, x.peers)
	return out
}

func (x *Exchange) Reader(peer string) (*SocketReader, bool) {
	r, ok := x.readers[peer]
	return r, ok
}

func (x *Exchange) Writer(peer string) (*SocketWriter, bool) {
	w, ok := x.writers[peer]
	return w, ok
}

// RegisterConsumer adds c to the backpressure set of every reader.
func (x *Exchange) RegisterConsumer(c Consumer) {
	for _, r := range x.readers {
		r.RegisterConsumer(c)
	}
}

// Send queues p on the writer toward peer.
func (x *Exchange) Send(peer string, p *Packet) error {
	w, ok := x.writers[peer]
	if !ok {
		return fmt.Errorf("exchange %s peer %q: %w", x.job, peer, ErrNoWriter)
	}
	return w.SendPacket(p)
}

// Tasks returns every reader and writer, readers first, in peer order.
func (x *Exchange) Tasks() []Task {
	tasks := make([]Task, 0, 2*len(x.peers))
	for _, p := range x.peers {
		tasks = append(tasks, x.readers[p.ID])
	}
	for _, p := range x.peers {
		tasks = append(tasks, x.writers[p.ID])
	}
	return tasks
}

// Register makes the transport hand inbound connections to this
// exchange's readers.
func (x *Exchange) Register(t *Transport) {
	for id, r := range x.readers {
		t.RegisterReader(x.job, id, r)
	}
}

// Start submits every task to e, registers the readers with t and dials
// every peer. Dial failures are joined; tasks of peers that connected keep
// running.
func (x *Exchange) Start(e *Executor, t *Transport) error {
	x.Register(t)
	for _, task := range x.Tasks() {
		e.Submit(task)
	}
	return x.Connect(t)
}

// Connect dials every peer whose writer has no socket yet.
func (x *Exchange) Connect(t *Transport) error {
	var errs []error
	for _, p := range x.peers {
		w := x.writers[p.ID]
		if w.assigned.Load() {
			continue
		}
		if err := t.Dial(x.job, p.ID, p.Address, w); err != nil {
			x.cfg.logger.Warn("exchange dial failed", "job", x.job, "peer", p.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finish asks every task to finish once its work is drained.
func (x *Exchange) Finish() {
	for _, task := range x.Tasks() {
		task.RequestFinish()
	}
}

// Interrupt stops every task; each reports to the job manager once.
func (x *Exchange) Interrupt() {
	for _, task := range x.Tasks() {
		task.Interrupt()
	}
}

// Done reports whether every task reached a terminal state.
func (x *Exchange) Done() bool {
	for _, task := range x.Tasks() {
		if !task.State().Terminal() {
			return false
		}
	}
	return true
}

// Unregister removes the readers from t.
func (x *Exchange) Unregister(t *Transport) {
	for id := range x.readers {
		t.UnregisterReader(x.job, id)
	}
}
