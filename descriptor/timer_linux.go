//go:build linux

package descriptor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

// Timer is a pollable timer backed by a timerfd. The descriptor becomes
// readable when the deadline passes and stays readable until Rearm.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, pkg.Errf(pkg.KindSystem, "timerfd_create failed: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Descriptor returns the wait object to register in a Set.
func (t *Timer) Descriptor() Desc {
	return t.fd
}

// Set arms the timer to expire after value milliseconds, rearming any
// previous deadline. With periodic it keeps firing at that interval.
// A value of 0 disarms the timer.
func (t *Timer) Set(value uint64, periodic bool) error {
	var spec unix.ItimerSpec

	if value > 0 {
		spec.Value.Sec = int64(value / 1000)
		spec.Value.Nsec = int64(value%1000) * 1e6
		if periodic {
			spec.Interval = spec.Value
		}
	}

	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return pkg.Errf(pkg.KindSystem, "timerfd_settime failed: %w", err)
	}
	return nil
}

// Rearm consumes the expiry state and returns the number of tick
// intervals elapsed since the previous Rearm, 0 if the timer has not
// fired.
func (t *Timer) Rearm() uint64 {
	var buf [8]byte

	n, err := unix.Read(t.fd, buf[:])
	if err != nil || n < 8 {
		return 0
	}
	return binary.NativeEndian.Uint64(buf[:])
}

// Close releases the timer descriptor.
func (t *Timer) Close() error {
	if t.fd >= 0 {
		unix.Close(t.fd)
		t.fd = -1
	}
	return nil
}
