// Package monitor maintains the deduplicated live table of USB
// interfaces on top of a platform backend. It folds the backend's
// hotplug stream into the table and forwards add/remove events, in
// order, to a registered callback.
package monitor

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// EventKind tags a device table change.
type EventKind int

// Table change kinds.
const (
	DeviceAdded EventKind = iota
	DeviceRemoved
)

// Callback observes table changes. Returning a non-nil error aborts the
// refresh in progress and propagates.
type Callback func(kind EventKind, dev *backend.Device) error

// Monitor is the deduplicated table of live interfaces matching a
// filter list. All mutation happens on the goroutine calling Refresh;
// the table itself is guarded for concurrent List callers.
type Monitor struct {
	backend backend.Backend
	filters []backend.Filter

	mu      sync.Mutex
	devices map[string]*backend.Device

	enumerated bool
	closed     bool
}

// New wraps a backend with an interface table. The filter list is fixed
// for the monitor's lifetime; an interface that fails to match every
// required field of all filters never reaches the table.
func New(b backend.Backend, filters []backend.Filter) *Monitor {
	return &Monitor{
		backend: b,
		filters: filters,
		devices: make(map[string]*backend.Device),
	}
}

// Backend returns the wrapped platform backend.
func (m *Monitor) Backend() backend.Backend {
	return m.backend
}

// Descriptor returns the wait object that is ready while hotplug events
// are pending; Refresh drains them.
func (m *Monitor) Descriptor() descriptor.Desc {
	return m.backend.Descriptor()
}

// Close releases the backend.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var err error
	err = multierr.Append(err, m.backend.Close())
	return err
}

// Refresh drains pending hotplug events into the table and notifies the
// callback of real changes. The first call performs the initial
// enumeration. A refresh with no underlying device change emits no
// events.
func (m *Monitor) Refresh(cb Callback) error {
	if !m.enumerated {
		m.enumerated = true

		err := m.backend.Enumerate(m.filters, func(dev *backend.Device) error {
			return m.add(dev, cb)
		})
		if err != nil {
			return err
		}
	}

	return m.backend.Refresh(m.filters, func(ev backend.Event) error {
		switch ev.Action {
		case backend.ActionAdded:
			return m.add(ev.Device, cb)
		case backend.ActionRemoved:
			return m.remove(ev.Key, cb)
		}
		return nil
	})
}

// add inserts a device unless an equal (key, interface number) entry is
// already present, so backends may re-announce without harm.
func (m *Monitor) add(dev *backend.Device, cb Callback) error {
	m.mu.Lock()
	existing, ok := m.devices[dev.Key]
	if ok && existing.IfaceNumber == dev.IfaceNumber {
		m.mu.Unlock()
		pkg.LogDebug(pkg.ComponentMonitor, "ignoring re-announced interface", "key", dev.Key)
		return nil
	}
	m.devices[dev.Key] = dev
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentMonitor, "interface added",
		"key", dev.Key,
		"location", dev.Location,
		"type", dev.Type.String())

	if cb == nil {
		return nil
	}
	return cb(DeviceAdded, dev)
}

// remove drops the entry under key, if any.
func (m *Monitor) remove(key string, cb Callback) error {
	m.mu.Lock()
	dev, ok := m.devices[key]
	if ok {
		delete(m.devices, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	pkg.LogDebug(pkg.ComponentMonitor, "interface removed",
		"key", dev.Key,
		"location", dev.Location)

	if cb == nil {
		return nil
	}
	return cb(DeviceRemoved, dev)
}

// List visits every live interface. Returning a non-nil error from
// visit stops the walk and propagates.
func (m *Monitor) List(visit func(*backend.Device) error) error {
	m.mu.Lock()
	devices := make([]*backend.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.Unlock()

	for _, dev := range devices {
		if err := visit(dev); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live interfaces.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}
