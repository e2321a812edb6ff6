package shuffle

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// TaskState is the lifecycle position of a network task.
type TaskState int32

const (
	TaskUnassigned TaskState = iota
	TaskReading
	TaskBackpressure
	TaskWaitingForFinish
	TaskFinished
	TaskInterrupted
	TaskDestroyed
)

func (s TaskState) String() string {
	switch s {
	case TaskUnassigned:
		return "unassigned"
	case TaskReading:
		return "reading"
	case TaskBackpressure:
		return "backpressure"
	case TaskWaitingForFinish:
		return "waiting-for-finish"
	case TaskFinished:
		return "finished"
	case TaskInterrupted:
		return "interrupted"
	case TaskDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further turn can change the state.
func (s TaskState) Terminal() bool {
	return s == TaskFinished || s == TaskInterrupted || s == TaskDestroyed
}

// TurnResult reports what a single OnExecute call achieved.
type TurnResult int

const (
	// TurnIdle: nothing to do this turn (no bytes, backpressure, unassigned).
	TurnIdle TurnResult = iota
	// TurnProgress: bytes or packets moved.
	TurnProgress
	// TurnDone: the task is terminal and can be reaped.
	TurnDone
)

// Task is a cooperative unit driven by an Executor. OnExecute never blocks;
// every suspension point is a return to the caller.
type Task interface {
	Name() string
	OnExecute() (TurnResult, error)
	Interrupt()
	Destroy()
	RequestFinish()
	State() TaskState
	Info() TaskInfo
}

// TaskInfo is a point-in-time description of a task for the admin server.
type TaskInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Job   string `json:"job"`
	Peer  string `json:"peer"`
	State string `json:"state"`
	Bytes int64  `json:"bytes"`
}

// networkTask is the state shared by SocketReader and SocketWriter.
//
// Invariants:
//   - channel is written once, before assigned is set; turns read it only
//     after observing assigned == true.
//   - destroyed, interrupted, and waitingForFinish are set from any
//     goroutine and checked at the top of every turn.
//   - finished, ioFailed, and socketClosed are touched only by turns.
//   - NetworkTaskFinished is called at most once, on the interrupted path.
type networkTask struct {
	name   string
	job    string
	peer   string
	jobs   JobManager
	logger *slog.Logger

	channel Channel

	assigned         atomic.Bool
	destroyed        atomic.Bool
	interrupted      atomic.Bool
	waitingForFinish atomic.Bool
	backpressure     atomic.Bool
	terminal         atomic.Int32 // TaskState once terminal, else 0

	finished     bool
	ioFailed     bool
	socketClosed bool
	notifyOnce   sync.Once

	totalBytes atomic.Int64
}

func (t *networkTask) Name() string {
	return t.name
}

// Interrupt asks the task to close its socket and report to its job
// manager on the next turn. Idempotent.
func (t *networkTask) Interrupt() {
	t.interrupted.Store(true)
}

// Destroy asks the task to close its socket on the next turn without
// reporting. Idempotent; every later turn is a no-op.
func (t *networkTask) Destroy() {
	t.destroyed.Store(true)
}

// RequestFinish lets the task finish once its input is exhausted and
// everything it buffered has been flushed.
func (t *networkTask) RequestFinish() {
	t.waitingForFinish.Store(true)
}

func (t *networkTask) State() TaskState {
	if s := TaskState(t.terminal.Load()); s.Terminal() {
		return s
	}
	if !t.assigned.Load() {
		return TaskUnassigned
	}
	if t.backpressure.Load() {
		return TaskBackpressure
	}
	if t.waitingForFinish.Load() {
		return TaskWaitingForFinish
	}
	return TaskReading
}

// TotalBytes returns the bytes moved through the socket so far.
func (t *networkTask) TotalBytes() int64 {
	return t.totalBytes.Load()
}

func (t *networkTask) info(kind string) TaskInfo {
	return TaskInfo{
		Name:  t.name,
		Kind:  kind,
		Job:   t.job,
		Peer:  t.peer,
		State: t.State().String(),
		Bytes: t.totalBytes.Load(),
	}
}

// checkInterrupted handles the terminal signals at the top of a turn and
// reports whether the turn must end here.
func (t *networkTask) checkInterrupted() bool {
	if t.destroyed.Load() {
		t.closeSocket()
		t.terminal.Store(int32(TaskDestroyed))
		return true
	}

	if t.interrupted.Load() {
		if TaskState(t.terminal.Load()) == TaskFinished {
			return true
		}
		t.closeSocket()
		t.finished = true
		t.terminal.Store(int32(TaskInterrupted))
		t.notifyOnce.Do(func() {
			if t.jobs != nil {
				t.jobs.NetworkTaskFinished(t.name)
			}
		})
		return true
	}

	return t.finished
}

func (t *networkTask) finish() {
	t.closeSocket()
	t.finished = true
	t.terminal.CompareAndSwap(0, int32(TaskFinished))
}

func (t *networkTask) closeSocket() {
	if t.socketClosed || !t.assigned.Load() || t.channel == nil {
		return
	}
	t.socketClosed = true
	if err := t.channel.Close(); err != nil {
		t.logger.Debug("socket close failed", "task", t.name, "error", err)
	}
}

// failIO closes the socket after a transport error. The task is reaped on
// its next turn; the failed operation is not retried.
func (t *networkTask) failIO(op string, err error) {
	t.logger.Warn("socket "+op+" failed", "task", t.name, "peer", t.peer, "error", err)
	t.closeSocket()
	t.ioFailed = true
}
