//go:build darwin || windows

package backend

import (
	"sync"

	"github.com/teensyctl/teensyctl/descriptor"
)

// eventQueue carries hotplug events from the notification thread to the
// refresh path. A wake descriptor is signalled while the queue is
// non-empty so a poller can wait on it.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	sig    signaler
}

func newEventQueue() (*eventQueue, error) {
	sig, err := newSignaler()
	if err != nil {
		return nil, err
	}
	return &eventQueue{sig: sig}, nil
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, ev)
	if len(q.events) == 1 {
		q.sig.set()
	}
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := q.events
	q.events = nil
	if len(events) > 0 {
		q.sig.reset()
	}
	return events
}

func (q *eventQueue) descriptor() descriptor.Desc {
	return q.sig.descriptor()
}

func (q *eventQueue) close() error {
	return q.sig.close()
}
