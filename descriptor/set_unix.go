//go:build linux || darwin

package descriptor

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

// Desc is an OS wait object: a file descriptor on POSIX systems.
type Desc = int

// Set is a bounded collection of descriptors that can be polled with one
// system call. A Set is not safe for concurrent use.
type Set struct {
	fds []unix.PollFd
	ids []int
}

// NewSet returns an empty descriptor set.
func NewSet() *Set {
	return &Set{
		fds: make([]unix.PollFd, 0, MaxDescriptors),
		ids: make([]int, 0, MaxDescriptors),
	}
}

// Len returns the number of descriptors in the set.
func (s *Set) Len() int {
	return len(s.fds)
}

// Add registers a descriptor under the given id. The id must be positive;
// Poll reports readiness by returning it.
func (s *Set) Add(d Desc, id int) error {
	if id <= 0 {
		return pkg.Errf(pkg.KindParam, "descriptor id must be positive, got %d", id)
	}
	if len(s.fds) >= MaxDescriptors {
		return pkg.Errf(pkg.KindRange, "descriptor set is full (%d entries)", MaxDescriptors)
	}

	s.fds = append(s.fds, unix.PollFd{Fd: int32(d), Events: unix.POLLIN})
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
		s.fds = append(s.fds[:i], s.fds[i+1:]...)
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
	}
}

// Poll blocks until one descriptor becomes ready or the millisecond
// timeout elapses. It returns the id of a ready descriptor, or 0 on
// timeout. Negative timeouts block forever, zero polls.
func (s *Set) Poll(timeout int) (int, error) {
	start := pkg.Millis()

	for {
		n, err := unix.Poll(s.fds, pkg.AdjustTimeout(timeout, start))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, pkg.Errf(pkg.KindSystem, "poll failed: %w", err)
		}
		if n == 0 {
			return 0, nil
		}

		for i := range s.fds {
			if s.fds[i].Revents != 0 {
				s.fds[i].Revents = 0
				return s.ids[i], nil
			}
		}

		// The kernel reported readiness on a descriptor we no longer
		// track, restart with the remaining budget.
	}
}
