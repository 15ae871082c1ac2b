//go:build darwin

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// signaler is a level-triggered readiness flag built on a pipe: the read
// end stays readable from set until reset.
type signaler struct {
	r, w int
}

func newSignaler() (signaler, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return signaler{}, pkg.Errf(pkg.KindSystem, "cannot create signal pipe: %w", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return signaler{r: fds[0], w: fds[1]}, nil
}

func (s signaler) descriptor() descriptor.Desc {
	return s.r
}

func (s signaler) set() {
	var b [1]byte
	unix.Write(s.w, b[:])
}

func (s signaler) reset() {
	var b [16]byte
	for {
		n, err := unix.Read(s.r, b[:])
		if err != nil || n < len(b) {
			return
		}
	}
}

func (s signaler) close() error {
	unix.Close(s.r)
	unix.Close(s.w)
	return nil
}
