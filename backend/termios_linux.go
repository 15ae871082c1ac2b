//go:build linux

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

func getTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, unix.TCGETS)
}

func setTermios(fd int, tio *unix.Termios) error {
	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}

// baudBits maps portable rates onto the Bxxx constants of the CBAUD
// field.
var baudBits = map[uint32]uint32{
	110:    unix.B110,
	134:    unix.B134,
	150:    unix.B150,
	200:    unix.B200,
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	1800:   unix.B1800,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func setSpeed(tio *unix.Termios, baud uint32) error {
	bits, ok := baudBits[baud]
	if !ok {
		return pkg.Errf(pkg.KindUnsupported, "baud rate %d is not supported", baud)
	}

	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= bits
	tio.Ispeed = bits
	tio.Ospeed = bits
	return nil
}

// setStickyParity enables mark/space parity via CMSPAR.
func setStickyParity(tio *unix.Termios, parity Parity) error {
	tio.Cflag |= unix.PARENB | unix.CMSPAR
	if parity == ParityMark {
		tio.Cflag |= unix.PARODD
	}
	return nil
}
