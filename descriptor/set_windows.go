//go:build windows

package descriptor

import (
	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/pkg"
)

// Desc is an OS wait object: a Windows HANDLE.
type Desc = windows.Handle

// Set is a bounded collection of descriptors that can be polled with one
// system call. A Set is not safe for concurrent use.
type Set struct {
	handles []windows.Handle
	ids     []int
}

// NewSet returns an empty descriptor set.
func NewSet() *Set {
	return &Set{
		handles: make([]windows.Handle, 0, MaxDescriptors),
		ids:     make([]int, 0, MaxDescriptors),
	}
}

// Len returns the number of descriptors in the set.
func (s *Set) Len() int {
	return len(s.handles)
}

// Add registers a wait handle under the given id. The id must be
// positive; Poll reports readiness by returning it.
func (s *Set) Add(d Desc, id int) error {
	if id <= 0 {
		return pkg.Errf(pkg.KindParam, "descriptor id must be positive, got %d", id)
	}
	if len(s.handles) >= MaxDescriptors {
		return pkg.Errf(pkg.KindRange, "descriptor set is full (%d entries)", MaxDescriptors)
	}

	s.handles = append(s.handles, d)
	s.ids = append(s.ids, id)
	return nil
}

// Remove drops every descriptor registered under id.
func (s *Set) Remove(id int) {
	for i := 0; i < len(s.ids); {
		if s.ids[i] != id {
			i++
			continue
		}
		s.handles = append(s.handles[:i], s.handles[i+1:]...)
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
	}
}

// Poll blocks until one handle is signalled or the millisecond timeout
// elapses. It returns the id of a signalled handle, or 0 on timeout.
// Negative timeouts block forever, zero polls.
func (s *Set) Poll(timeout int) (int, error) {
	wait := uint32(windows.INFINITE)
	if timeout >= 0 {
		wait = uint32(timeout)
	}

	if len(s.handles) == 0 {
		// WaitForMultipleObjects rejects empty arrays; emulate a plain sleep.
		if timeout < 0 {
			return 0, pkg.Errf(pkg.KindParam, "infinite wait on an empty descriptor set")
		}
		windows.SleepEx(wait, false)
		return 0, nil
	}

	const waitAbandoned = 0x00000080

	event, err := windows.WaitForMultipleObjects(s.handles, false, wait)
	switch {
	case err != nil:
		return 0, pkg.Errf(pkg.KindSystem, "WaitForMultipleObjects failed: %w", err)
	case event == uint32(windows.WAIT_TIMEOUT):
		return 0, nil
	case event < uint32(len(s.handles)):
		return s.ids[event], nil
	case event >= waitAbandoned && event < waitAbandoned+uint32(len(s.handles)):
		return s.ids[event-waitAbandoned], nil
	default:
		return 0, pkg.Errf(pkg.KindSystem, "unexpected wait result %#x", event)
	}
}
