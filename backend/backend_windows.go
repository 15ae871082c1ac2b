//go:build windows

package backend

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// Port chains deeper than this are refused; nothing sane nests USB hubs
// eight levels down.
const maxPortDepth = 8

// windowsBackend enumerates HID and COM device interfaces with the
// SetupDi API and listens for WM_DEVICECHANGE on a dedicated thread
// owning a message-only window. Message queues are per-thread, so that
// thread is the only one processing device-change broadcasts; it feeds
// the shared event queue watched by the poller.
type windowsBackend struct {
	queue *eventQueue

	// USB host controllers get small indices in discovery order; the
	// index is the first segment of every location string.
	controllers   map[string]int
	controllersMu sync.Mutex

	notifyThread *deviceNotifier
}

func newBackend() (Backend, error) {
	queue, err := newEventQueue()
	if err != nil {
		return nil, err
	}

	b := &windowsBackend{
		queue:       queue,
		controllers: make(map[string]int),
	}

	if err := b.indexControllers(); err != nil {
		queue.close()
		return nil, err
	}

	b.notifyThread, err = startDeviceNotifier(b)
	if err != nil {
		queue.close()
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentBackend, "windows backend ready",
		"controllers", len(b.controllers))
	return b, nil
}

func (b *windowsBackend) Close() error {
	if b.notifyThread != nil {
		b.notifyThread.stop()
		b.notifyThread = nil
	}
	return b.queue.close()
}

func (b *windowsBackend) Descriptor() descriptor.Desc {
	return b.queue.descriptor()
}

// =============================================================================
// Enumeration
// =============================================================================

// indexControllers enumerates USB host controllers once and assigns
// stable small indices (1, 2, ...).
func (b *windowsBackend) indexControllers() error {
	b.controllersMu.Lock()
	defer b.controllersMu.Unlock()

	return forEachInterface(&guidDevInterfaceUSBHostController, func(path string, devInfo *spDevinfoData) error {
		id, ok := cmGetDeviceID(devInfo.devInst)
		if !ok {
			return nil
		}
		if _, seen := b.controllers[strings.ToUpper(id)]; !seen {
			b.controllers[strings.ToUpper(id)] = len(b.controllers) + 1
		}
		return nil
	})
}

// Enumerate walks the HID and COM-port device interface classes.
func (b *windowsBackend) Enumerate(filters []Filter, visit func(*Device) error) error {
	hid := hidGUID()

	for _, class := range []*windows.GUID{&hid, &guidDevInterfaceComPort} {
		isHID := class == &hid
		err := forEachInterface(class, func(path string, devInfo *spDevinfoData) error {
			dev := b.probeInterface(path, devInfo, isHID)
			if dev == nil || !MatchAny(filters, dev) {
				return nil
			}
			return visit(dev)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// forEachInterface enumerates present device interfaces of one class.
func forEachInterface(classGUID *windows.GUID, visit func(path string, devInfo *spDevinfoData) error) error {
	set, err := setupDiGetClassDevs(classGUID, digcfPresent|digcfDeviceInterface)
	if err != nil {
		return pkg.Errf(pkg.KindSystem, "SetupDiGetClassDevs failed: %w", err)
	}
	defer setupDiDestroyDeviceInfoList(set)

	for index := uint32(0); ; index++ {
		ifaceData := spDeviceInterfaceData{cbSize: uint32(unsafe.Sizeof(spDeviceInterfaceData{}))}
		if err := setupDiEnumDeviceInterfaces(set, classGUID, index, &ifaceData); err != nil {
			if errno, ok := err.(syscall.Errno); ok && errno == errorNoMoreItems {
				return nil
			}
			return pkg.Errf(pkg.KindSystem, "SetupDiEnumDeviceInterfaces failed: %w", err)
		}

		// Two-call dance: size query, then the detail buffer. The
		// detail struct is a DWORD cbSize followed by the path.
		var required uint32
		setupDiGetDeviceInterfaceDetail(set, &ifaceData, nil, 0, &required, nil)
		if required == 0 || required > 4096 {
			continue
		}

		buf := make([]byte, required)
		detail := (*struct {
			cbSize uint32
			path   [1]uint16
		})(unsafe.Pointer(&buf[0]))
		detail.cbSize = 8 // sizeof(SP_DEVICE_INTERFACE_DETAIL_DATA_W) with packing
		if unsafe.Sizeof(uintptr(0)) == 4 {
			detail.cbSize = 6
		}

		devInfo := spDevinfoData{cbSize: uint32(unsafe.Sizeof(spDevinfoData{}))}
		if err := setupDiGetDeviceInterfaceDetail(set, &ifaceData, unsafe.Pointer(&buf[0]),
			required, nil, &devInfo); err != nil {
			continue
		}

		path := windows.UTF16PtrToString(&detail.path[0])
		if err := visit(path, &devInfo); err != nil {
			return err
		}
	}
}

// probeInterface builds a Device from one interface path.
func (b *windowsBackend) probeInterface(path string, devInfo *spDevinfoData, isHID bool) *Device {
	instanceID, ok := cmGetDeviceID(devInfo.devInst)
	if !ok {
		return nil
	}

	dev := &Device{
		Key:  strings.ToLower(path),
		Path: path,
		sys:  instanceID,
	}

	// Instance ids look like USB\VID_16C0&PID_0483&MI_00\SERIAL or
	// HID\VID_16C0&PID_0482\...; ids carry what strings APIs may not.
	vid, pid, iface, serial := parseInstanceID(instanceID)
	dev.VID, dev.PID, dev.IfaceNumber, dev.Serial = vid, pid, iface, serial

	location, ok := b.resolveLocation(devInfo.devInst)
	if !ok {
		return nil
	}
	dev.Location = location

	if isHID {
		dev.Type = TypeHID
		// Usages and authoritative ids come from the HID driver; the
		// node can be opened without access rights for that much.
		h, err := windows.CreateFile(windows.StringToUTF16Ptr(path), 0,
			windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
			windows.OPEN_EXISTING, 0, 0)
		if err == nil {
			if attrs, ok := hidGetAttributes(h); ok {
				dev.VID, dev.PID = attrs.vendorID, attrs.productID
			}
			if caps, ok := hidGetCaps(h); ok {
				dev.UsagePage, dev.Usage = caps.usagePage, caps.usage
			}
			if s := hidGetSerialNumber(h); s != "" {
				dev.Serial = s
			}
			windows.CloseHandle(h)
		}
	} else {
		dev.Type = TypeSerial
	}

	return dev
}

// parseInstanceID pulls VID, PID, interface number and serial out of a
// device instance id.
func parseInstanceID(id string) (vid, pid uint16, iface uint8, serial string) {
	upper := strings.ToUpper(id)

	if i := strings.Index(upper, "VID_"); i >= 0 && i+8 <= len(upper) {
		if v, err := strconv.ParseUint(upper[i+4:i+8], 16, 16); err == nil {
			vid = uint16(v)
		}
	}
	if i := strings.Index(upper, "PID_"); i >= 0 && i+8 <= len(upper) {
		if v, err := strconv.ParseUint(upper[i+4:i+8], 16, 16); err == nil {
			pid = uint16(v)
		}
	}
	if i := strings.Index(upper, "MI_"); i >= 0 && i+5 <= len(upper) {
		if v, err := strconv.ParseUint(upper[i+3:i+5], 16, 8); err == nil {
			iface = uint8(v)
		}
	}

	// The last backslash-separated segment is the serial, unless the
	// bus generated a placeholder containing '&'.
	if i := strings.LastIndexByte(id, '\\'); i >= 0 {
		tail := id[i+1:]
		if !strings.ContainsRune(tail, '&') {
			serial = tail
		}
	}
	return
}

// resolveLocation climbs the device-instance tree to a root hub,
// collecting the port number at each USB level from the
// LocationInformation property ("Port_#0002.Hub_#0003").
func (b *windowsBackend) resolveLocation(devInst uint32) (string, bool) {
	var ports []int

	node := devInst
	for depth := 0; ; depth++ {
		if depth > maxPortDepth {
			return "", false
		}

		parent, ok := cmGetParent(node)
		if !ok {
			return "", false
		}

		id, ok := cmGetDeviceID(parent)
		if !ok {
			return "", false
		}
		upperID := strings.ToUpper(id)

		if strings.Contains(upperID, "ROOT_HUB") {
			// The root hub's parent is the host controller whose index
			// seeds the location string.
			controller, ok := cmGetParent(parent)
			if !ok {
				return "", false
			}
			controllerID, ok := cmGetDeviceID(controller)
			if !ok {
				return "", false
			}

			b.controllersMu.Lock()
			index, known := b.controllers[strings.ToUpper(controllerID)]
			if !known {
				index = len(b.controllers) + 1
				b.controllers[strings.ToUpper(controllerID)] = index
			}
			b.controllersMu.Unlock()

			var sb strings.Builder
			fmt.Fprintf(&sb, "usb-%d", index)
			for i := len(ports) - 1; i >= 0; i-- {
				fmt.Fprintf(&sb, "-%d", ports[i])
			}
			return sb.String(), true
		}

		if strings.HasPrefix(upperID, "USB\\") {
			if port, ok := portFromLocationInformation(node); ok {
				ports = append(ports, port)
			}
		}

		node = parent
	}
}

// portFromLocationInformation parses "Port_#0002.Hub_#0003".
func portFromLocationInformation(devInst uint32) (int, bool) {
	info, ok := cmGetDevNodeRegistryProperty(devInst, cmDrpLocationInformation)
	if !ok {
		return 0, false
	}

	const prefix = "Port_#"
	i := strings.Index(info, prefix)
	if i < 0 {
		return 0, false
	}

	j := i + len(prefix)
	end := j
	for end < len(info) && info[end] >= '0' && info[end] <= '9' {
		end++
	}

	port, err := strconv.Atoi(info[j:end])
	if err != nil || port == 0 {
		return 0, false
	}
	return port, true
}

// =============================================================================
// Hotplug
// =============================================================================

// Refresh drains queued device-change notifications. Arrivals carry
// only the interface path, so the device is re-probed here.
func (b *windowsBackend) Refresh(filters []Filter, visit func(Event) error) error {
	for _, ev := range b.queue.drain() {
		if ev.Action == ActionAdded {
			dev := b.reprobeByPath(ev.Key)
			if dev == nil || !MatchAny(filters, dev) {
				continue
			}
			ev.Device = dev
			ev.Key = dev.Key
		}
		if err := visit(ev); err != nil {
			return err
		}
	}
	return nil
}

// reprobeByPath re-enumerates until the interface with the given path
// (lowercased) is found.
func (b *windowsBackend) reprobeByPath(key string) *Device {
	var found *Device

	hid := hidGUID()
	for _, class := range []*windows.GUID{&hid, &guidDevInterfaceComPort} {
		isHID := class == &hid
		forEachInterface(class, func(path string, devInfo *spDevinfoData) error {
			if strings.ToLower(path) == key {
				found = b.probeInterface(path, devInfo, isHID)
			}
			return nil
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// =============================================================================
// Open
// =============================================================================

func (b *windowsBackend) Open(dev *Device) (Handle, error) {
	switch dev.Type {
	case TypeHID:
		return openHIDWindows(dev)
	case TypeSerial:
		return openSerialWindows(dev)
	default:
		return nil, pkg.Errf(pkg.KindParam, "cannot open interface of type %s", dev.Type)
	}
}
