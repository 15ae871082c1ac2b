package task

import (
	"sync"
	"time"

	"github.com/teensyctl/teensyctl/pkg"
)

// Pool sizing defaults, shared by the process-wide pool.
const (
	DefaultMaxWorkers  = 16
	DefaultIdleTimeout = 10000 // ms
)

// Pool is a lazy worker pool. Workers are spawned on demand up to the
// maximum and exit after sitting idle for the configured timeout.
type Pool struct {
	maxWorkers  int
	idleTimeout int

	mu   sync.Mutex
	cond *sync.Cond

	queue   []*Task
	started int
	busy    int
	closed  bool
}

// NewPool creates a pool with the given worker cap and idle timeout in
// milliseconds.
func NewPool(maxWorkers, idleTimeoutMs int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if idleTimeoutMs <= 0 {
		idleTimeoutMs = DefaultIdleTimeout
	}

	p := &Pool{maxWorkers: maxWorkers, idleTimeout: idleTimeoutMs}
	p.cond = sync.NewCond(&p.mu)
	return p
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the process-wide pool, created on first use.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(DefaultMaxWorkers, DefaultIdleTimeout)
	})
	return defaultPool
}

// Close rejects further tasks and wakes idle workers so they drain. It
// does not wait for running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// enqueue appends the task and makes sure a worker will pick it up.
func (p *Pool) enqueue(t *Task) error {
	// Pending is published before any worker can see the task, so it can
	// never overwrite the Running or Finished a worker sets.
	t.setStatus(StatusPending)

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		t.setStatus(StatusReady)
		return pkg.Errf(pkg.KindUnsupported, "task pool is closed")
	}

	p.queue = append(p.queue, t)

	// Spawn a worker only when everyone already started is busy.
	if p.busy == p.started && p.started < p.maxWorkers {
		p.started++
		p.busy++
		go p.worker()
	}
	p.cond.Signal()
	p.mu.Unlock()

	return nil
}

// steal removes a still-queued task so the caller can run it in place.
func (p *Pool) steal(t *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, queued := range p.queue {
		if queued == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// worker pulls tasks until the queue stays empty past the idle timeout.
func (p *Pool) worker() {
	for {
		p.mu.Lock()
		p.busy--

		start := pkg.Millis()
		var t *Task
		for {
			if len(p.queue) > 0 {
				t = p.queue[0]
				p.queue = p.queue[1:]
				break
			}
			if p.closed {
				p.started--
				p.mu.Unlock()
				return
			}
			if !condWait(p.cond, pkg.AdjustTimeout(p.idleTimeout, start)) {
				p.started--
				p.mu.Unlock()
				return
			}
		}

		p.busy++
		p.mu.Unlock()

		t.execute()
	}
}

// condWait waits on the condition with a millisecond timeout; negative
// blocks, zero returns immediately. The caller must hold the associated
// lock and re-check its predicate on the true return.
func condWait(cond *sync.Cond, timeout int) bool {
	switch {
	case timeout < 0:
		cond.Wait()
		return true
	case timeout == 0:
		return false
	}

	timer := time.AfterFunc(time.Duration(timeout)*time.Millisecond, cond.Broadcast)
	cond.Wait()
	timer.Stop()
	return true
}
