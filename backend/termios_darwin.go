//go:build darwin

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

func getTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, unix.TIOCGETA)
}

func setTermios(fd int, tio *unix.Termios) error {
	return unix.IoctlSetTermios(fd, unix.TIOCSETA, tio)
}

// setSpeed stores the rate directly; Darwin termios carries the numeric
// speed instead of Bxxx bits.
func setSpeed(tio *unix.Termios, baud uint32) error {
	tio.Ispeed = uint64(baud)
	tio.Ospeed = uint64(baud)
	return nil
}

// setStickyParity is unavailable: Darwin termios has no CMSPAR
// equivalent.
func setStickyParity(*unix.Termios, Parity) error {
	return pkg.Errf(pkg.KindUnsupported, "mark/space parity is not supported on this platform")
}
