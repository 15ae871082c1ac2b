package board

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/tomb.v2"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/monitor"
	"github.com/teensyctl/teensyctl/pkg"
)

// Event is a board-level state change delivered to observers.
type Event int

// Board events. Per board, observers see Added exactly once, then any
// number of Changed, optionally Disappeared (always followed by Added
// or Dropped), and finally Dropped, which is terminal.
const (
	Added Event = iota
	Changed
	Disappeared
	Dropped
)

// String returns a printable event name.
func (e Event) String() string {
	switch e {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Disappeared:
		return "disappeared"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// CallbackFunc observes board events. Returning a non-nil error aborts
// the refresh in progress and propagates to its caller.
type CallbackFunc func(b *Board, ev Event) error

// Mode selects how WaitFor blocks.
type Mode int

// Wait modes. In serial mode the waiting goroutine drives the monitor
// itself; in parallel mode a background goroutine refreshes and waiters
// block on a condition variable.
const (
	WaitSerial Mode = iota
	WaitParallel
)

// A board whose last interface disappeared keeps its identity this long
// before it is dropped for good.
const missingGracePeriod = 15000 // ms

// pollSlice bounds each background poll so the refresh goroutine
// notices shutdown.
const pollSlice = 500 // ms

// Descriptor-set id used by the aggregator's own wait loops.
const pollIDDevices = 1

// Monitor aggregates USB interfaces into logical boards. It wraps a
// device monitor, groups interfaces by location, recomputes capability
// maps as the mix changes, and expires boards that stay missing past
// the grace period.
type Monitor struct {
	devices *monitor.Monitor
	timer   *descriptor.Timer
	mode    Mode

	mu      sync.Mutex
	boards  []*Board
	missing []*Board
	byKey   map[string]*Interface

	callbacks  []registeredCallback
	callbackID int

	refreshMu   sync.Mutex
	refreshCond *sync.Cond

	tm     *tomb.Tomb
	closed bool
}

type registeredCallback struct {
	id int
	fn CallbackFunc
}

// NewMonitor builds a board aggregator over a device monitor and takes
// ownership of it. In WaitParallel mode a background goroutine starts
// refreshing immediately.
func NewMonitor(devices *monitor.Monitor, mode Mode) (*Monitor, error) {
	timer, err := descriptor.NewTimer()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		devices: devices,
		timer:   timer,
		mode:    mode,
		byKey:   make(map[string]*Interface),
	}
	m.refreshCond = sync.NewCond(&m.refreshMu)

	if mode == WaitParallel {
		m.tm = new(tomb.Tomb)
		m.tm.Go(m.refreshLoop)
	}

	return m, nil
}

// Close stops the background refresh, drops every board and releases
// the timer and device monitor.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.tm != nil {
		m.tm.Kill(nil)
		m.tm.Wait()
	}

	m.mu.Lock()
	boards := m.boards
	m.boards = nil
	m.missing = nil
	for _, b := range boards {
		b.mu.Lock()
		m.teardownInterfacesLocked(b)
		b.monitor = nil
		b.mu.Unlock()
	}
	m.mu.Unlock()

	return multierr.Combine(m.timer.Close(), m.devices.Close())
}

// Descriptors registers the aggregator's wait objects in a descriptor
// set under id: readiness means Refresh has work to do.
func (m *Monitor) Descriptors(set *descriptor.Set, id int) error {
	if err := set.Add(m.devices.Descriptor(), id); err != nil {
		return err
	}
	return set.Add(m.timer.Descriptor(), id)
}

// RegisterCallback adds a board-event observer and returns its id.
// All observers see the events of one monitor in the same order.
func (m *Monitor) RegisterCallback(fn CallbackFunc) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.callbackID
	m.callbackID++
	m.callbacks = append(m.callbacks, registeredCallback{id: id, fn: fn})
	return id
}

// DeregisterCallback removes the observer with the given id.
func (m *Monitor) DeregisterCallback(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// List visits every Online board.
func (m *Monitor) List(visit func(*Board) error) error {
	m.mu.Lock()
	boards := make([]*Board, 0, len(m.boards))
	for _, b := range m.boards {
		if b.State() == StateOnline {
			boards = append(boards, b)
		}
	}
	m.mu.Unlock()

	for _, b := range boards {
		if err := visit(b); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first Online board matching the tag, nil if none.
func (m *Monitor) Find(tag string) *Board {
	var found *Board
	m.List(func(b *Board) error {
		if b.MatchesTag(tag) {
			found = b
			return errStopIteration
		}
		return nil
	})
	return found
}

// Refresh expires overdue missing boards and folds pending hotplug
// events into the board table, notifying observers.
func (m *Monitor) Refresh() error {
	if m.timer.Rearm() > 0 {
		if err := m.dropExpired(); err != nil {
			return err
		}
	}

	err := m.devices.Refresh(func(kind monitor.EventKind, dev *backend.Device) error {
		switch kind {
		case monitor.DeviceAdded:
			return m.addInterface(dev)
		case monitor.DeviceRemoved:
			return m.removeInterface(dev)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.refreshMu.Lock()
	m.refreshCond.Broadcast()
	m.refreshMu.Unlock()

	return nil
}

// refreshLoop is the WaitParallel background driver.
func (m *Monitor) refreshLoop() error {
	set := descriptor.NewSet()
	if err := m.Descriptors(set, pollIDDevices); err != nil {
		return err
	}

	for {
		select {
		case <-m.tm.Dying():
			return nil
		default:
		}

		if err := m.Refresh(); err != nil {
			pkg.LogWarn(pkg.ComponentBoard, "refresh failed", "error", err)
		}

		if _, err := set.Poll(pollSlice); err != nil {
			return err
		}
	}
}

// Wait blocks until the predicate holds, the board state makes it fail,
// or the timeout elapses; it returns the predicate's final value.
func (m *Monitor) Wait(pred func() (bool, error), timeout int) (bool, error) {
	start := pkg.Millis()

	if m.mode == WaitParallel {
		m.refreshMu.Lock()
		defer m.refreshMu.Unlock()

		for {
			ok, err := pred()
			if err != nil || ok {
				return ok, err
			}
			if !waitCond(m.refreshCond, pkg.AdjustTimeout(timeout, start)) {
				return false, nil
			}
		}
	}

	set := descriptor.NewSet()
	if err := m.Descriptors(set, pollIDDevices); err != nil {
		return false, err
	}

	for {
		if err := m.Refresh(); err != nil {
			return false, err
		}

		ok, err := pred()
		if err != nil || ok {
			return ok, err
		}

		id, err := set.Poll(pkg.AdjustTimeout(timeout, start))
		if err != nil {
			return false, err
		}
		if id == 0 {
			return false, nil
		}
	}
}

// =============================================================================
// Interface arrival
// =============================================================================

func (m *Monitor) addInterface(dev *backend.Device) error {
	iface, err := openInterface(dev, m.devices.Backend())
	if err != nil {
		pkg.LogDebug(pkg.ComponentBoard, "cannot open interface",
			"key", dev.Key, "error", err)
		return nil
	}
	if iface == nil {
		return nil
	}

	var events []boardEvent

	m.mu.Lock()
	b := m.findBoardLocked(dev.Location)

	// Notifications can arrive out of order, or removals can be lost
	// altogether, so an arrival at a known location double-checks that
	// the hardware still looks like the same board.
	if b != nil {
		b.mu.Lock()

		if !compatible(b, iface) {
			m.teardownInterfacesLocked(b)
			b.state = StateDropped
			m.removeMissingLocked(b)
			m.removeBoardLocked(b)
			b.monitor = nil
			b.mu.Unlock()

			events = append(events, boardEvent{b, Dropped})
			b = nil
		} else if b.vid != dev.VID || b.pid != dev.PID {
			if b.state == StateOnline {
				m.teardownInterfacesLocked(b)
				b.state = StateMissing
				events = append(events, boardEvent{b, Disappeared})
			}
			b.vid = dev.VID
			b.pid = dev.PID
			b.mu.Unlock()
		} else {
			b.mu.Unlock()
		}
	}

	fresh := b == nil
	if fresh {
		b = newBoard(m, iface)
		m.boards = append(m.boards, b)
	}

	b.mu.Lock()
	// A board coming back from Missing re-announces itself; only a
	// board that stayed Online merely changed.
	event := Added
	if !fresh && b.state == StateOnline {
		event = Changed
	}
	if iface.model.Valid() {
		b.model = iface.model
	}
	if iface.serial != 0 {
		b.serial = iface.serial
	}

	iface.board = b
	b.ifaces = append(b.ifaces, iface)
	m.byKey[dev.Key] = iface
	b.rebuildCapabilities()

	m.removeMissingLocked(b)
	b.state = StateOnline
	b.mu.Unlock()

	events = append(events, boardEvent{b, event})
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentBoard, "interface joined board",
		"board", b.Tag(),
		"location", b.Location(),
		"iface", iface.Description(),
		"capabilities", b.Capabilities().String())

	return m.trigger(events)
}

// compatible applies the board identity heuristic: models must be unset
// or equal, and serial numbers must both be zero or equal. Call with
// b.mu held.
func compatible(b *Board, iface *Interface) bool {
	if iface.model.Valid() && b.model.Valid() && iface.model != b.model {
		return false
	}
	if iface.serial != b.serial && (iface.serial != 0 || b.serial != 0) {
		return false
	}
	return true
}

// =============================================================================
// Interface departure
// =============================================================================

func (m *Monitor) removeInterface(dev *backend.Device) error {
	var events []boardEvent

	m.mu.Lock()
	iface, ok := m.byKey[dev.Key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byKey, dev.Key)

	b := iface.board

	b.mu.Lock()
	for i, cur := range b.ifaces {
		if cur == iface {
			b.ifaces = append(b.ifaces[:i], b.ifaces[i+1:]...)
			break
		}
	}
	iface.closeHandle()
	b.rebuildCapabilities()

	if len(b.ifaces) == 0 {
		b.state = StateMissing
		b.missingSince = pkg.Millis()
		events = append(events, boardEvent{b, Disappeared})

		m.missing = append(m.missing, b)
		m.armMissingTimerLocked()
	} else {
		events = append(events, boardEvent{b, Changed})
	}
	b.mu.Unlock()
	m.mu.Unlock()

	return m.trigger(events)
}

// =============================================================================
// Missing-board expiry
// =============================================================================

// armMissingTimerLocked points the shared timer at the oldest missing
// board. Call with m.mu held.
func (m *Monitor) armMissingTimerLocked() {
	if len(m.missing) == 0 {
		m.timer.Set(0, false)
		return
	}

	oldest := m.missing[0]
	delay := pkg.AdjustTimeout(missingGracePeriod, oldest.missingSince)
	if delay <= 0 {
		delay = 1
	}
	if err := m.timer.Set(uint64(delay), false); err != nil {
		pkg.LogWarn(pkg.ComponentBoard, "cannot arm expiry timer", "error", err)
	}
}

// dropExpired drops every board missing past the grace period and
// rearms the timer for the next in line.
func (m *Monitor) dropExpired() error {
	var events []boardEvent

	m.mu.Lock()
	for len(m.missing) > 0 {
		b := m.missing[0]

		if pkg.AdjustTimeout(missingGracePeriod, b.missingSince) > 0 {
			break
		}

		m.missing = m.missing[1:]

		b.mu.Lock()
		b.state = StateDropped
		b.monitor = nil
		b.mu.Unlock()

		m.removeBoardLocked(b)
		events = append(events, boardEvent{b, Dropped})

		pkg.LogInfo(pkg.ComponentBoard, "board dropped",
			"board", b.Tag(), "location", b.Location())
	}
	m.armMissingTimerLocked()
	m.mu.Unlock()

	return m.trigger(events)
}

// =============================================================================
// Internals
// =============================================================================

type boardEvent struct {
	board *Board
	event Event
}

// trigger notifies observers in registration order. Events from one
// refresh are delivered after the table mutation completed, still on
// the refreshing goroutine, so every observer sees the same order.
func (m *Monitor) trigger(events []boardEvent) error {
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	callbacks := make([]registeredCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, ev := range events {
		for _, cb := range callbacks {
			if err := cb.fn(ev.board, ev.event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) findBoardLocked(location string) *Board {
	for _, b := range m.boards {
		if locationsEqual(b.location, location) {
			return b
		}
	}
	return nil
}

func (m *Monitor) removeBoardLocked(b *Board) {
	for i, cur := range m.boards {
		if cur == b {
			m.boards = append(m.boards[:i], m.boards[i+1:]...)
			return
		}
	}
}

func (m *Monitor) removeMissingLocked(b *Board) {
	for i, cur := range m.missing {
		if cur == b {
			m.missing = append(m.missing[:i], m.missing[i+1:]...)
			m.armMissingTimerLocked()
			return
		}
	}
}

// teardownInterfacesLocked detaches and closes every interface of b.
// Handle closes can block (run-loop joins, overlapped cancellation), so
// they run concurrently. Call with m.mu and b.mu held.
func (m *Monitor) teardownInterfacesLocked(b *Board) {
	var g errgroup.Group
	for _, iface := range b.ifaces {
		iface := iface
		delete(m.byKey, iface.dev.Key)
		g.Go(func() error {
			iface.closeHandle()
			return nil
		})
	}
	g.Wait()

	b.ifaces = nil
	b.rebuildCapabilities()
}

// waitCond waits on the condition with a millisecond timeout; negative
// blocks, zero returns immediately.
func waitCond(cond *sync.Cond, timeout int) bool {
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
