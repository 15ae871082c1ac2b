//go:build linux || darwin

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// serialPosixHandle is an open tty node configured as a raw serial line.
type serialPosixHandle struct {
	fd  int
	dev *Device
}

func openSerialPosix(dev *Device) (Handle, error) {
	fd, err := unix.Open(dev.Path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		kind := pkg.KindSystem
		switch err {
		case unix.EACCES, unix.EPERM:
			kind = pkg.KindAccess
		case unix.ENOENT, unix.ENODEV:
			kind = pkg.KindNotFound
		case unix.EBUSY:
			kind = pkg.KindBusy
		}
		return nil, pkg.Errf(kind, "cannot open %s: %w", dev.Path, err)
	}

	h := &serialPosixHandle{fd: fd, dev: dev}

	// Start from a raw 8N1 line so leftover settings from a previous
	// owner never leak into the first transfer.
	if err := h.SetSerialAttrs(DefaultSerialParams(115200)); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (h *serialPosixHandle) Device() *Device {
	return h.dev
}

func (h *serialPosixHandle) Descriptor() descriptor.Desc {
	return h.fd
}

// SetSerialAttrs maps the portable serial options onto termios.
func (h *serialPosixHandle) SetSerialAttrs(params SerialParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	tio, err := getTermios(h.fd)
	if err != nil {
		return pkg.Errf(pkg.KindSystem, "tcgetattr on %s failed: %w", h.dev.Path, err)
	}

	// Raw mode: no line discipline, no translation, polling reads.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB |
		unix.CRTSCTS | unix.HUPCL | unix.CLOCAL
	tio.Cflag |= unix.CREAD | unix.CLOCAL
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	switch params.DataBits {
	case 5:
		tio.Cflag |= unix.CS5
	case 6:
		tio.Cflag |= unix.CS6
	case 7:
		tio.Cflag |= unix.CS7
	case 8:
		tio.Cflag |= unix.CS8
	}

	switch params.Parity {
	case ParityNone:
	case ParityEven:
		tio.Cflag |= unix.PARENB
	case ParityOdd:
		tio.Cflag |= unix.PARENB | unix.PARODD
	case ParityMark, ParitySpace:
		if err := setStickyParity(tio, params.Parity); err != nil {
			return err
		}
	}

	if params.StopBits == 2 {
		tio.Cflag |= unix.CSTOPB
	}

	switch params.Flow {
	case FlowNone:
	case FlowXonXoff:
		tio.Iflag |= unix.IXON | unix.IXOFF
	case FlowRtsCts:
		tio.Cflag |= unix.CRTSCTS
	}

	if params.HupCl {
		tio.Cflag |= unix.HUPCL
	}

	if err := setSpeed(tio, params.Baud); err != nil {
		return err
	}

	if err := setTermios(h.fd, tio); err != nil {
		return pkg.Errf(pkg.KindSystem, "tcsetattr on %s failed: %w", h.dev.Path, err)
	}
	return nil
}

// Read returns whatever bytes are available once the line is readable,
// up to len(buf).
func (h *serialPosixHandle) Read(buf []byte, timeout int) (int, error) {
	ready, err := waitReadable(h.fd, timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	n, err := unix.Read(h.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, readError(h.dev, err)
	}
	return n, nil
}

// Write sends the whole buffer, polling for output readiness between
// partial writes.
func (h *serialPosixHandle) Write(buf []byte) (int, error) {
	written := 0

	for written < len(buf) {
		n, err := unix.Write(h.fd, buf[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				if err := waitWritable(h.fd); err != nil {
					return written, err
				}
				continue
			}
			return written, writeError(h.dev, err)
		}
		written += n
	}

	return written, nil
}

func (h *serialPosixHandle) SendFeatureReport([]byte) (int, error) {
	return 0, errNotHID("send feature report")
}

func (h *serialPosixHandle) GetFeatureReport(byte, []byte) (int, error) {
	return 0, errNotHID("get feature report")
}

func (h *serialPosixHandle) Close() error {
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
	return nil
}

func waitWritable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return pkg.Errf(pkg.KindSystem, "poll failed: %w", err)
		}
		return nil
	}
}
