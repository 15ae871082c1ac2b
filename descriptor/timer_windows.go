//go:build windows

package descriptor

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/pkg"
)

var (
	modkernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procCreateWaitableTimerW = modkernel32.NewProc("CreateWaitableTimerW")
	procSetWaitableTimer     = modkernel32.NewProc("SetWaitableTimer")
	procCancelWaitableTimer  = modkernel32.NewProc("CancelWaitableTimer")
)

// Timer is a pollable timer backed by a waitable timer handle. The
// handle becomes signalled when the deadline passes.
type Timer struct {
	handle windows.Handle

	// Tick accounting for Rearm: waitable timers do not count
	// overruns, so elapsed intervals are derived from the monotonic
	// clock.
	armedAt  uint64
	interval uint64
	periodic bool
	ticked   uint64
}

// NewTimer creates a disarmed timer.
func NewTimer() (*Timer, error) {
	h, _, err := syscall.SyscallN(procCreateWaitableTimerW.Addr(), 0, 0, 0)
	if h == 0 {
		return nil, pkg.Errf(pkg.KindSystem, "CreateWaitableTimer failed: %w", err)
	}
	return &Timer{handle: windows.Handle(h)}, nil
}

// Descriptor returns the wait object to register in a Set.
func (t *Timer) Descriptor() Desc {
	return t.handle
}

// Set arms the timer to expire after value milliseconds, rearming any
// previous deadline. With periodic it keeps firing at that interval.
// A value of 0 disarms the timer.
func (t *Timer) Set(value uint64, periodic bool) error {
	if value == 0 {
		r, _, err := syscall.SyscallN(procCancelWaitableTimer.Addr(), uintptr(t.handle))
		if r == 0 {
			return pkg.Errf(pkg.KindSystem, "CancelWaitableTimer failed: %w", err)
		}
		t.interval = 0
		return nil
	}

	// Due time is in 100 ns units, negative for relative deadlines.
	due := -int64(value) * 10000
	period := uintptr(0)
	if periodic {
		period = uintptr(value)
	}

	r, _, err := syscall.SyscallN(procSetWaitableTimer.Addr(),
		uintptr(t.handle), uintptr(unsafe.Pointer(&due)), period, 0, 0, 0)
	if r == 0 {
		return pkg.Errf(pkg.KindSystem, "SetWaitableTimer failed: %w", err)
	}

	t.armedAt = pkg.Millis()
	t.interval = value
	t.periodic = periodic
	t.ticked = 0
	return nil
}

// Rearm consumes the expiry state and returns the number of tick
// intervals elapsed since the previous Rearm, 0 if the timer has not
// fired.
func (t *Timer) Rearm() uint64 {
	if t.interval == 0 {
		return 0
	}

	// A zero-timeout wait consumes the signalled state of the
	// auto-reset handle.
	event, err := windows.WaitForSingleObject(t.handle, 0)
	fired := err == nil && event == uint32(windows.WAIT_OBJECT_0)

	elapsed := pkg.Millis() - t.armedAt
	var total uint64
	if t.periodic {
		total = elapsed / t.interval
	} else if elapsed >= t.interval {
		total = 1
	}

	ticks := total - t.ticked
	t.ticked = total

	if ticks == 0 && fired {
		ticks = 1
		t.ticked++
	}
	return ticks
}

// Close releases the timer handle.
func (t *Timer) Close() error {
	if t.handle != 0 {
		windows.CloseHandle(t.handle)
		t.handle = 0
	}
	return nil
}
