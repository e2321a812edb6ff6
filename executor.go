package shuffle

import (
	"log/slog"
	"sync"
	"time"
)

// Executor drives tasks with repeated OnExecute turns on a single
// goroutine. A round gives every task one turn; when no task made progress
// in a round the executor sleeps for the idle interval or until a new task
// is submitted.
//
// A task whose turn returns an error is interrupted, so its next turn
// closes the socket and reports to its job manager. Tasks returning
// TurnDone are removed.
type Executor struct {
	cfg executorConfig

	mu    sync.Mutex
	tasks []Task

	notify   chan struct{} // buffered(1), poked on submit
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	cfg := defaultExecutorConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}
	return &Executor{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Submit schedules t. Safe to call from any goroutine.
func (e *Executor) Submit(t Task) {
	e.mu.Lock()
	e.tasks = append(e.tasks, t)
	n := len(e.tasks)
	e.mu.Unlock()

	e.cfg.metrics.setTasksActive(n)

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled tasks.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Tasks describes every scheduled task.
func (e *Executor) Tasks() []TaskInfo {
	e.mu.Lock()
	tasks := make([]Task, len(e.tasks))
	copy(tasks, e.tasks)
	e.mu.Unlock()

	infos := make([]TaskInfo, len(tasks))
	for i, t := range tasks {
		infos[i] = t.Info()
	}
	return infos
}

// Start runs the executor loop in a new goroutine. Non-blocking.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop ends the loop, destroys every remaining task, and gives each one a
// final turn so its socket is closed. Safe to call multiple times.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()

		e.mu.Lock()
		tasks := e.tasks
		e.tasks = nil
		e.mu.Unlock()

		for _, t := range tasks {
			t.Destroy()
			if _, err := t.OnExecute(); err != nil {
				e.cfg.logger.Warn("task teardown failed", "task", t.Name(), "error", err)
			}
		}
		e.cfg.metrics.setTasksActive(0)
	})
}

func (e *Executor) run() {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.idleInterval)
	timer.Stop()

	for {
		select {
		case <-e.done:
			return
		default:
		}

		if e.RunOnce() {
			continue
		}

		timer.Reset(e.cfg.idleInterval)
		select {
		case <-e.done:
			timer.Stop()
			return
		case <-e.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce gives every scheduled task one turn and removes the tasks that
// finished. It reports whether any task made progress. RunOnce must not be
// called concurrently with a started executor.
func (e *Executor) RunOnce() bool {
	e.mu.Lock()
	tasks := make([]Task, len(e.tasks))
	copy(tasks, e.tasks)
	e.mu.Unlock()

	progressed := false
	var finished map[Task]struct{}

	for _, t := range tasks {
		res, err := t.OnExecute()
		if err != nil {
			e.cfg.metrics.recordTaskFailure()
			e.cfg.logger.Error("task turn failed, interrupting", "task", t.Name(), "error", err)
			t.Interrupt()
			progressed = true
			continue
		}
		switch res {
		case TurnProgress:
			progressed = true
		case TurnDone:
			if finished == nil {
				finished = make(map[Task]struct{})
			}
			finished[t] = struct{}{}
			progressed = true
		}
	}

	if len(finished) > 0 {
		e.mu.Lock()
		kept := e.tasks[:0]
		for _, t := range e.tasks {
			if _, ok := finished[t]; ok {
				e.cfg.logger.Debug("task reaped", "task", t.Name(), "state", t.State().String())
				e.cfg.metrics.recordTaskFinished()
				continue
			}
			kept = append(kept, t)
		}
		for i := len(kept); i < len(e.tasks); i++ {
			e.tasks[i] = nil
		}
		e.tasks = kept
		n := len(kept)
		e.mu.Unlock()

		e.cfg.metrics.setTasksActive(n)
	}

	return progressed
}
