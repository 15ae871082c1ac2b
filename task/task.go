// Package task runs board operations asynchronously on a small worker
// pool. A task moves through Ready, Pending, Running and Finished;
// every transition is broadcast so waiters can block for a specific
// stage, and a per-task message callback carries status changes and
// progress updates to the owner's UI.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/teensyctl/teensyctl/pkg"
)

// Status is the lifecycle stage of a task.
type Status int

// Task statuses, strictly ordered: waiting for a later status is
// satisfied by any status at or beyond it.
const (
	StatusReady Status = iota
	StatusPending
	StatusRunning
	StatusFinished
)

// String returns a printable status name.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Message is a typed notification delivered to the task's message
// callback. Exactly one of the fields is set.
type Message struct {
	Status   *StatusMessage
	Progress *ProgressMessage
}

// StatusMessage reports a lifecycle transition.
type StatusMessage struct {
	Status Status
}

// ProgressMessage reports progress of a long-running operation, such as
// bytes uploaded out of a firmware image.
type ProgressMessage struct {
	Action string
	Value  uint64
	Max    uint64
}

// MessageFunc observes task messages. It runs on the worker executing
// the task and must not block.
type MessageFunc func(t *Task, msg Message)

// Task is one schedulable unit of work.
type Task struct {
	name string
	run  func(*Task) error

	mu   sync.Mutex
	cond *sync.Cond

	status Status
	err    error
	result any

	onMessage MessageFunc
	pool      *Pool

	cancelled atomic.Bool
}

// New creates a task in state Ready. The run function executes on a
// pool worker (or, for a synchronous wait, the waiter's goroutine).
func New(name string, run func(*Task) error) *Task {
	t := &Task{name: name, run: run}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Name returns the task's display name.
func (t *Task) Name() string {
	return t.name
}

// OnMessage installs the message callback. Only valid before Start.
func (t *Task) OnMessage(f MessageFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusReady {
		t.onMessage = f
	}
}

// SetPool selects the pool the task will run on. Only valid before
// Start; tasks default to the process-wide pool.
func (t *Task) SetPool(p *Pool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusReady {
		t.pool = p
	}
}

// Status returns the current lifecycle stage.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the run function's result. Meaningful once Finished.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the typed result stored by the run function, if any.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// SetResult stores a typed result for the owner to pick up after the
// task finishes. Called from the run function.
func (t *Task) SetResult(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
}

// Cancel requests cooperative cancellation. The run function decides
// when to honor it; no goroutine is interrupted forcibly.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Progress emits a progress message through the task callback.
func (t *Task) Progress(action string, value, max uint64) {
	t.mu.Lock()
	cb := t.onMessage
	t.mu.Unlock()

	if cb != nil {
		cb(t, Message{Progress: &ProgressMessage{Action: action, Value: value, Max: max}})
	}
}

// Start enqueues the task on its pool. Ready becomes Pending; a worker
// picks the task up when one is free.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != StatusReady {
		t.mu.Unlock()
		return pkg.Errf(pkg.KindBusy, "task '%s' was already started", t.name)
	}
	pool := t.pool
	t.mu.Unlock()

	if pool == nil {
		pool = DefaultPool()
		t.mu.Lock()
		t.pool = pool
		t.mu.Unlock()
	}

	return pool.enqueue(t)
}

// Wait blocks until the task reaches the given status or beyond, or the
// millisecond timeout elapses. It returns true if the status was
// reached. Waiting for Finished with an infinite timeout on a task
// whose worker has not started yet steals the task from the queue and
// runs it on the calling goroutine.
func (t *Task) Wait(status Status, timeout int) (bool, error) {
	if status == StatusReady {
		return true, nil
	}

	if status == StatusFinished && timeout < 0 {
		t.mu.Lock()
		pool := t.pool
		pending := t.status == StatusPending
		t.mu.Unlock()

		if pending && pool != nil && pool.steal(t) {
			t.setStatus(StatusReady)
			t.execute()
			return true, nil
		}
	}

	if t.Status() == StatusReady {
		if err := t.Start(); err != nil {
			return false, err
		}
	}

	start := pkg.Millis()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.status < status {
		if !condWait(t.cond, pkg.AdjustTimeout(timeout, start)) {
			break
		}
	}
	return t.status >= status, nil
}

// Join waits for the task to finish and returns its error.
func (t *Task) Join() error {
	if _, err := t.Wait(StatusFinished, -1); err != nil {
		return err
	}
	return t.Err()
}

// execute runs the task body on the current goroutine.
func (t *Task) execute() {
	t.setStatus(StatusRunning)
	err := t.run(t)

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	t.setStatus(StatusFinished)
}

func (t *Task) setStatus(status Status) {
	t.mu.Lock()
	t.status = status
	cb := t.onMessage
	t.cond.Broadcast()
	t.mu.Unlock()

	pkg.LogDebug(pkg.ComponentTask, "task status",
		"task", t.name,
		"status", status.String())

	if cb != nil && status != StatusReady {
		cb(t, Message{Status: &StatusMessage{Status: status}})
	}
}
