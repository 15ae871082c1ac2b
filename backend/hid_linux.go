//go:build linux

package backend

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// hidraw ioctl numbers, _IOC(READ|WRITE, 'H', nr, len) with the buffer
// length encoded per call.
const (
	hidiocNrSetFeature = 0x06
	hidiocNrGetFeature = 0x07
)

func hidioc(nr, size int) uint {
	const iocWrite, iocRead = 1, 2
	return uint((iocRead|iocWrite)<<30 | size<<16 | 'H'<<8 | nr)
}

// hidLinuxHandle is an open hidraw node.
type hidLinuxHandle struct {
	fd  int
	dev *Device

	// shiftQuirk compensates for kernels that prepend a spurious byte
	// to numbered input reports.
	shiftQuirk bool
}

func openHIDLinux(dev *Device, kernelQuirk bool) (Handle, error) {
	fd, err := unix.Open(dev.Path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		kind := pkg.KindSystem
		switch err {
		case unix.EACCES, unix.EPERM:
			kind = pkg.KindAccess
		case unix.ENOENT, unix.ENODEV:
			kind = pkg.KindNotFound
		}
		return nil, pkg.Errf(kind, "cannot open %s: %w", dev.Path, err)
	}

	return &hidLinuxHandle{
		fd:         fd,
		dev:        dev,
		shiftQuirk: kernelQuirk && dev.NumberedReports,
	}, nil
}

func (h *hidLinuxHandle) Device() *Device {
	return h.dev
}

func (h *hidLinuxHandle) Descriptor() descriptor.Desc {
	return h.fd
}

// Read reads one input report. On quirky kernels one extra byte is
// requested and the spurious leading byte dropped.
func (h *hidLinuxHandle) Read(buf []byte, timeout int) (int, error) {
	ready, err := waitReadable(h.fd, timeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	if h.shiftQuirk {
		tmp := make([]byte, len(buf)+1)
		n, err := unix.Read(h.fd, tmp)
		if err != nil {
			return 0, readError(h.dev, err)
		}
		if n <= 1 {
			return 0, nil
		}
		return copy(buf, tmp[1:n]), nil
	}

	n, err := unix.Read(h.fd, buf)
	if err != nil {
		return 0, readError(h.dev, err)
	}
	return n, nil
}

// Write sends one output report, report id first.
func (h *hidLinuxHandle) Write(buf []byte) (int, error) {
	n, err := unix.Write(h.fd, buf)
	if err != nil {
		return 0, writeError(h.dev, err)
	}
	return n, nil
}

// SendFeatureReport sends a feature report, report id first.
func (h *hidLinuxHandle) SendFeatureReport(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, pkg.Errf(pkg.KindParam, "empty feature report")
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd),
		uintptr(hidioc(hidiocNrSetFeature, len(buf))),
		uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, writeError(h.dev, errno)
	}
	return int(r), nil
}

// GetFeatureReport reads a feature report for the given report id.
func (h *hidLinuxHandle) GetFeatureReport(reportID byte, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, pkg.Errf(pkg.KindParam, "empty feature buffer")
	}
	buf[0] = reportID
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd),
		uintptr(hidioc(hidiocNrGetFeature, len(buf))),
		uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, readError(h.dev, errno)
	}
	return int(r), nil
}

func (h *hidLinuxHandle) SetSerialAttrs(SerialParams) error {
	return errNotSerial("set serial attributes")
}

func (h *hidLinuxHandle) Close() error {
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
	return nil
}

