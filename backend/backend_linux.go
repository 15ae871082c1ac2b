//go:build linux

package backend

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

const (
	sysfsRoot       = "/sys"
	sysfsHidrawPath = "/sys/class/hidraw"
	sysfsTTYPath    = "/sys/class/tty"

	ueventBufferSize   = 8192
	netlinkGroupKernel = 1
)

// linuxBackend enumerates interfaces through the kernel sysfs hierarchy
// and receives hotplug notifications on a netlink uevent socket.
type linuxBackend struct {
	fd  int // Netlink socket, also the pollable hotplug descriptor
	buf [ueventBufferSize]byte

	// Kernels 2.6.28 through 2.6.33 shift numbered HID input reports by
	// one byte; handles compensate when this is set.
	hidShiftQuirk bool
}

func newBackend() (Backend, error) {
	fd, err := unix.Socket(unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, pkg.Errf(pkg.KindSystem, "cannot create uevent socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: netlinkGroupKernel,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, pkg.Errf(pkg.KindSystem, "cannot bind uevent socket: %w", err)
	}

	b := &linuxBackend{fd: fd}
	b.hidShiftQuirk = kernelHasHIDShiftQuirk(kernelRelease())

	pkg.LogDebug(pkg.ComponentBackend, "linux backend ready",
		"hidShiftQuirk", b.hidShiftQuirk)
	return b, nil
}

// Close shuts down the hotplug socket.
func (b *linuxBackend) Close() error {
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
	return nil
}

// Descriptor returns the netlink socket; it is readable while hotplug
// events are pending.
func (b *linuxBackend) Descriptor() descriptor.Desc {
	return b.fd
}

// =============================================================================
// Enumeration
// =============================================================================

// Enumerate walks the hidraw and tty class directories and visits every
// interface that resolves to a USB parent and passes the filters.
func (b *linuxBackend) Enumerate(filters []Filter, visit func(*Device) error) error {
	for _, class := range []string{sysfsHidrawPath, sysfsTTYPath} {
		entries, err := os.ReadDir(class)
		if err != nil {
			continue // Class directory absent on stripped-down systems
		}

		for _, entry := range entries {
			dev, err := b.probeClassNode(filepath.Join(class, entry.Name()))
			if err != nil || dev == nil {
				continue // Not a USB node, or no readable device file
			}
			if !MatchAny(filters, dev) {
				continue
			}
			if err := visit(dev); err != nil {
				return err
			}
		}
	}

	return nil
}

// probeClassNode builds a Device from one /sys/class/<class>/<name>
// entry, or returns nil when the node has no USB ancestry.
func (b *linuxBackend) probeClassNode(classPath string) (*Device, error) {
	resolved, err := filepath.EvalSymlinks(classPath)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(resolved)
	devType := TypeSerial
	if strings.Contains(resolved, "/hidraw/") {
		devType = TypeHID
	} else if !strings.HasPrefix(name, "ttyACM") && !strings.HasPrefix(name, "ttyUSB") {
		// Plenty of non-USB consoles live under /sys/class/tty.
		return nil, nil
	}

	// Climb parent directories to the owning USB interface and device.
	var ifaceDir, usbDir string
	for dir := filepath.Dir(resolved); dir != sysfsRoot && dir != "/"; dir = filepath.Dir(dir) {
		if ifaceDir == "" && fileExists(filepath.Join(dir, "bInterfaceNumber")) {
			ifaceDir = dir
		}
		if fileExists(filepath.Join(dir, "idVendor")) {
			usbDir = dir
			break
		}
	}
	if usbDir == "" || ifaceDir == "" {
		return nil, nil
	}

	nodePath := filepath.Join("/dev", name)
	if !fileExists(nodePath) {
		return nil, nil
	}

	dev := &Device{
		Key:      strings.TrimPrefix(resolved, sysfsRoot),
		Path:     nodePath,
		Type:     devType,
		Location: locationFromSysfsName(filepath.Base(usbDir)),
		sys:      ifaceDir,
	}

	vid, err := readSysfsHex(filepath.Join(usbDir, "idVendor"))
	if err != nil {
		return nil, err
	}
	dev.VID = uint16(vid)

	pid, err := readSysfsHex(filepath.Join(usbDir, "idProduct"))
	if err != nil {
		return nil, err
	}
	dev.PID = uint16(pid)

	if s, err := readSysfsString(filepath.Join(usbDir, "serial")); err == nil {
		dev.Serial = s
	}

	iface, err := readSysfsHex(filepath.Join(ifaceDir, "bInterfaceNumber"))
	if err != nil {
		return nil, err
	}
	dev.IfaceNumber = uint8(iface)

	if devType == TypeHID {
		// The raw report descriptor sits next to the HID device node in
		// sysfs, so usages are known without opening the interface.
		hidDir := filepath.Dir(filepath.Dir(resolved))
		if raw, err := os.ReadFile(filepath.Join(hidDir, "report_descriptor")); err == nil {
			info := parseReportDescriptor(raw)
			dev.UsagePage = info.UsagePage
			dev.Usage = info.Usage
			dev.NumberedReports = info.NumberedReports
		}
	}

	return dev, nil
}

// locationFromSysfsName converts a sysfs USB device directory name like
// "1-2.3" (bus 1, port 2, then port 3) into the printable location
// "usb-1-2-3".
func locationFromSysfsName(name string) string {
	bus, ports, ok := strings.Cut(name, "-")
	if !ok {
		return "usb-" + name
	}

	var sb strings.Builder
	sb.WriteString("usb-")
	sb.WriteString(bus)
	for _, port := range strings.Split(ports, ".") {
		sb.WriteByte('-')
		sb.WriteString(port)
	}
	return sb.String()
}

// =============================================================================
// Hotplug
// =============================================================================

// Refresh drains pending uevents and forwards interface arrivals and
// departures that survive the filters.
func (b *linuxBackend) Refresh(filters []Filter, visit func(Event) error) error {
	for {
		n, err := unix.Read(b.fd, b.buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return pkg.Errf(pkg.KindSystem, "uevent read failed: %w", err)
		}
		if n <= 0 {
			return nil
		}

		action, devpath, subsystem := parseUevent(b.buf[:n])
		if subsystem != "hidraw" && subsystem != "tty" {
			continue
		}

		switch action {
		case "add":
			dev, err := b.probeClassNode(sysfsRoot + devpath)
			if err != nil || dev == nil {
				continue
			}
			if !MatchAny(filters, dev) {
				continue
			}
			if err := visit(Event{Action: ActionAdded, Key: dev.Key, Device: dev}); err != nil {
				return err
			}

		case "remove":
			if err := visit(Event{Action: ActionRemoved, Key: devpath}); err != nil {
				return err
			}
		}
	}
}

// parseUevent extracts ACTION, DEVPATH and SUBSYSTEM from a kernel
// uevent message: a header line "action@devpath" followed by
// NUL-separated KEY=value pairs.
func parseUevent(data []byte) (action, devpath, subsystem string) {
	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)

		if idx := strings.IndexByte(s, '='); idx >= 0 {
			switch s[:idx] {
			case "ACTION":
				action = s[idx+1:]
			case "DEVPATH":
				devpath = s[idx+1:]
			case "SUBSYSTEM":
				subsystem = s[idx+1:]
			}
			continue
		}

		if at := strings.IndexByte(s, '@'); at >= 0 {
			if action == "" {
				action = s[:at]
			}
			if devpath == "" {
				devpath = s[at+1:]
			}
		}
	}
	return
}

// =============================================================================
// Open
// =============================================================================

// Open opens the interface node for bidirectional I/O.
func (b *linuxBackend) Open(dev *Device) (Handle, error) {
	switch dev.Type {
	case TypeHID:
		return openHIDLinux(dev, b.hidShiftQuirk)
	case TypeSerial:
		return openSerialPosix(dev)
	default:
		return nil, pkg.Errf(pkg.KindParam, "cannot open interface of type %s", dev.Type)
	}
}

// =============================================================================
// Sysfs helpers
// =============================================================================

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsHex(path string) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// =============================================================================
// Kernel version detection
// =============================================================================

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// kernelHasHIDShiftQuirk reports whether the release falls in the
// 2.6.28..2.6.33 range whose hidraw driver shifts numbered input
// reports by one byte.
func kernelHasHIDShiftQuirk(release string) bool {
	fields := strings.FieldsFunc(release, func(r rune) bool {
		return r == '.' || r == '-'
	})
	if len(fields) < 3 {
		return false
	}

	major, err1 := strconv.Atoi(fields[0])
	minor, err2 := strconv.Atoi(fields[1])
	patch, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}

	const quirkFirst = 2<<16 | 6<<8 | 28
	const quirkLast = 2<<16 | 6<<8 | 33

	version := major<<16 | minor<<8 | patch
	return version >= quirkFirst && version <= quirkLast
}
