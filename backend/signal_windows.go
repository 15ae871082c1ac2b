//go:build windows

package backend

import (
	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// signaler is a level-triggered readiness flag built on a manual-reset
// event: the handle stays signalled from set until reset.
type signaler struct {
	event windows.Handle
}

func newSignaler() (signaler, error) {
	h, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return signaler{}, pkg.Errf(pkg.KindSystem, "cannot create event: %w", err)
	}
	return signaler{event: h}, nil
}

func (s signaler) descriptor() descriptor.Desc {
	return s.event
}

func (s signaler) set() {
	windows.SetEvent(s.event)
}

func (s signaler) reset() {
	windows.ResetEvent(s.event)
}

func (s signaler) close() error {
	return windows.CloseHandle(s.event)
}
