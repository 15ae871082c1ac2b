//go:build darwin

package descriptor

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

const timerIdent = 1

// Timer is a pollable timer backed by a kqueue EVFILT_TIMER event. The
// kqueue descriptor becomes readable when the deadline passes.
type Timer struct {
	kq int
}

// NewTimer creates a disarmed timer.
func NewTimer() (*Timer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, pkg.Errf(pkg.KindSystem, "kqueue failed: %w", err)
	}
	unix.CloseOnExec(kq)
	return &Timer{kq: kq}, nil
}

// Descriptor returns the wait object to register in a Set.
func (t *Timer) Descriptor() Desc {
	return t.kq
}

// Set arms the timer to expire after value milliseconds, rearming any
// previous deadline. With periodic it keeps firing at that interval.
// A value of 0 disarms the timer.
func (t *Timer) Set(value uint64, periodic bool) error {
	ev := unix.Kevent_t{
		Ident:  timerIdent,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_DELETE,
	}
	// Drop any previous registration; ENOENT just means none existed.
	unix.Kevent(t.kq, []unix.Kevent_t{ev}, nil, nil)

	if value == 0 {
		return nil
	}

	ev.Flags = unix.EV_ADD | unix.EV_ENABLE
	if !periodic {
		ev.Flags |= unix.EV_ONESHOT
	}
	ev.Data = int64(value)

	if _, err := unix.Kevent(t.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return pkg.Errf(pkg.KindSystem, "kevent timer arm failed: %w", err)
	}
	return nil
}

// Rearm consumes the expiry state and returns the number of tick
// intervals elapsed since the previous Rearm, 0 if the timer has not
// fired.
func (t *Timer) Rearm() uint64 {
	var events [1]unix.Kevent_t
	ts := unix.Timespec{}

	n, err := unix.Kevent(t.kq, nil, events[:], &ts)
	if err != nil || n == 0 {
		return 0
	}
	if events[0].Data < 0 {
		return 0
	}
	return uint64(events[0].Data)
}

// Close releases the kqueue descriptor.
func (t *Timer) Close() error {
	if t.kq >= 0 {
		unix.Close(t.kq)
		t.kq = -1
	}
	return nil
}
