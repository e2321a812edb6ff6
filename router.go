package shuffle

import (
	"fmt"
	"log/slog"
)

// JobManager is the job-level owner of a set of network tasks.
type JobManager interface {
	// NotifyExecutionError forwards an execution-error packet received from
	// a peer so every local container of the job learns about the failure.
	NotifyExecutionError(p *Packet) error

	// NetworkTaskFinished is called at most once per task, when an
	// interrupted task reaches its terminal state.
	NetworkTaskFinished(task string)
}

// Action is what the router does with a packet of a given header.
type Action int

const (
	ActionIgnore Action = iota
	ActionDeliver
	ActionForwardError
	ActionInvalidate
)

func (a Action) String() string {
	switch a {
	case ActionDeliver:
		return "deliver"
	case ActionForwardError:
		return "forward-error"
	case ActionInvalidate:
		return "invalidate"
	default:
		return "ignore"
	}
}

// Classify maps a header to its routing action.
func Classify(h Header) Action {
	switch h {
	case HeaderDataChunk, HeaderShufflerClosed, HeaderDataChunkSent:
		return ActionDeliver
	case HeaderExecutionError:
		return ActionForwardError
	case HeaderNoAppFailure,
		HeaderNoTaskFailure,
		HeaderNoMemberFailure,
		HeaderWrongChunkFailure,
		HeaderNoContainerFailure,
		HeaderApplicationNotExecuting:
		return ActionInvalidate
	default:
		return ActionIgnore
	}
}

// Outcome is the result of routing one packet.
type Outcome struct {
	// Response is the header of the failure packet to send back to the
	// sender, or zero for no response.
	Response Header

	// Invalidate asks the caller to broadcast an invalidation for the job.
	Invalidate bool
}

// Router resolves packets to local consumers for one peer connection.
type Router struct {
	peer   string
	lookup Lookup
	jobs   JobManager
	logger *slog.Logger
}

// NewRouter creates a router for packets arriving from peer.
func NewRouter(peer string, lookup Lookup, jobs JobManager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		peer:   peer,
		lookup: lookup,
		jobs:   jobs,
		logger: logger,
	}
}

// Route applies the action for p's header. Only consumer and job-manager
// failures are returned as errors; lookup misses are reported in the Outcome.
func (r *Router) Route(p *Packet) (Outcome, error) {
	switch Classify(p.Header) {
	case ActionDeliver:
		return r.deliver(p)

	case ActionForwardError:
		p.RemoteAddress = r.peer
		if r.jobs != nil {
			if err := r.jobs.NotifyExecutionError(p); err != nil {
				return Outcome{}, fmt.Errorf("notify execution error: %w", err)
			}
		}
		return Outcome{}, nil

	case ActionInvalidate:
		return Outcome{Invalidate: true}, nil

	default:
		return Outcome{}, nil
	}
}

func (r *Router) deliver(p *Packet) (Outcome, error) {
	container, ok := r.lookup.LookupContainer(p.ContainerID)
	if !ok {
		r.logger.Warn("no such container, job will be interrupted",
			"peer", r.peer, "container", p.ContainerID, "packet", p.String())
		return Outcome{Response: HeaderNoContainerFailure}, nil
	}

	receiver, ok := r.lookup.LookupTask(container, p.TaskID)
	if !ok {
		r.logger.Warn("no such task in container, job will be interrupted",
			"peer", r.peer, "container", p.ContainerID, "task", p.TaskID, "packet", p.String())
		return Outcome{Response: HeaderNoTaskFailure}, nil
	}

	p.RemoteAddress = r.peer
	if err := receiver.Consume(p); err != nil {
		return Outcome{}, fmt.Errorf("consume container %d task %d: %w", p.ContainerID, p.TaskID, err)
	}
	return Outcome{}, nil
}
