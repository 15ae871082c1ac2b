//go:build darwin

package backend

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation

#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <CoreFoundation/CoreFoundation.h>
#include <IOKit/IOKitLib.h>
#include <IOKit/hid/IOHIDDevice.h>
#include <IOKit/serial/IOSerialKeys.h>

#ifndef kIOMainPortDefault
#define kIOMainPortDefault kIOMasterPortDefault
#endif

extern void teensyctlServiceMatched(uintptr_t refcon, io_iterator_t iterator);
extern void teensyctlServiceTerminated(uintptr_t refcon, io_iterator_t iterator);

static void matchedTrampoline(void *refcon, io_iterator_t iterator) {
	teensyctlServiceMatched((uintptr_t)refcon, iterator);
}

static void terminatedTrampoline(void *refcon, io_iterator_t iterator) {
	teensyctlServiceTerminated((uintptr_t)refcon, iterator);
}

static kern_return_t addMatched(IONotificationPortRef port, const char *class,
                                uintptr_t refcon, io_iterator_t *iter) {
	return IOServiceAddMatchingNotification(port, kIOFirstMatchNotification,
		IOServiceMatching(class), matchedTrampoline, (void *)refcon, iter);
}

static kern_return_t addTerminated(IONotificationPortRef port, const char *class,
                                   uintptr_t refcon, io_iterator_t *iter) {
	return IOServiceAddMatchingNotification(port, kIOTerminatedNotification,
		IOServiceMatching(class), terminatedTrampoline, (void *)refcon, iter);
}

static int getIntProperty(io_service_t service, const char *key, long long *out) {
	CFStringRef keyRef = CFStringCreateWithCString(kCFAllocatorDefault, key, kCFStringEncodingUTF8);
	CFTypeRef value = IORegistryEntrySearchCFProperty(service, kIOServicePlane, keyRef,
		kCFAllocatorDefault, kIORegistryIterateRecursively | kIORegistryIterateParents);
	CFRelease(keyRef);
	if (value == NULL)
		return -1;
	int ok = CFGetTypeID(value) == CFNumberGetTypeID() &&
		CFNumberGetValue((CFNumberRef)value, kCFNumberLongLongType, out);
	CFRelease(value);
	return ok ? 0 : -1;
}

static int getStringProperty(io_service_t service, const char *key, char *buf, size_t size) {
	CFStringRef keyRef = CFStringCreateWithCString(kCFAllocatorDefault, key, kCFStringEncodingUTF8);
	CFTypeRef value = IORegistryEntrySearchCFProperty(service, kIOServicePlane, keyRef,
		kCFAllocatorDefault, kIORegistryIterateRecursively | kIORegistryIterateParents);
	CFRelease(keyRef);
	if (value == NULL)
		return -1;
	int ok = CFGetTypeID(value) == CFStringGetTypeID() &&
		CFStringGetCString((CFStringRef)value, buf, size, kCFStringEncodingUTF8);
	CFRelease(value);
	return ok ? 0 : -1;
}

static int isHIDService(io_service_t service) {
	return IOObjectConformsTo(service, "IOHIDDevice");
}

static io_iterator_t matchServices(const char *class) {
	io_iterator_t iter = 0;
	if (IOServiceGetMatchingServices(kIOMainPortDefault, IOServiceMatching(class), &iter) != KERN_SUCCESS)
		return 0;
	return iter;
}
*/
import "C"

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// Darwin open-retry tunable. El Capitan and later keep a freshly-added
// HID device busy for tens of milliseconds after the match notification;
// the values below were tuned there and are not authoritative.
var darwinOpen = struct {
	sync.Mutex
	retries int
	delayMs uint64
}{retries: 4, delayMs: 20}

// SetDarwinOpenRetries adjusts how often and how patiently an EBUSY
// during HID open is retried. It has no effect on other platforms.
func SetDarwinOpenRetries(retries int, delayMs uint64) {
	darwinOpen.Lock()
	defer darwinOpen.Unlock()
	darwinOpen.retries = retries
	darwinOpen.delayMs = delayMs
}

// darwinBackend enumerates interfaces through the I/O Registry. A
// dedicated thread runs a Core Foundation run loop for the matching
// notifications and bridges them to the poller through a queue and a
// wake pipe; it is the only place allowed to touch CF primitives.
type darwinBackend struct {
	queue *eventQueue

	runLoopStop chan struct{}
	runLoopDone chan struct{}
}

var (
	// Matching callbacks receive a bare refcon, so the backend they
	// belong to is resolved through this registry.
	darwinBackends   = make(map[uintptr]*darwinBackend)
	darwinBackendsMu sync.Mutex
	darwinBackendSeq uintptr
)

func newBackend() (Backend, error) {
	queue, err := newEventQueue()
	if err != nil {
		return nil, err
	}

	b := &darwinBackend{
		queue:       queue,
		runLoopStop: make(chan struct{}),
		runLoopDone: make(chan struct{}),
	}

	darwinBackendsMu.Lock()
	darwinBackendSeq++
	refcon := darwinBackendSeq
	darwinBackends[refcon] = b
	darwinBackendsMu.Unlock()

	go b.runNotificationLoop(refcon)

	pkg.LogDebug(pkg.ComponentBackend, "darwin backend ready",
		"legacyUSBPlane", darwinUsesLegacyUSBPlane())
	return b, nil
}

func (b *darwinBackend) Close() error {
	close(b.runLoopStop)
	<-b.runLoopDone
	return b.queue.close()
}

// Descriptor returns the wake pipe; it is readable while hotplug events
// are queued.
func (b *darwinBackend) Descriptor() descriptor.Desc {
	return b.queue.descriptor()
}

// hidDeviceClass and serialDeviceClass are the registry classes
// enumerated and watched.
const (
	hidDeviceClass    = "IOHIDDevice"
	serialDeviceClass = "IOSerialBSDClient"
)

// usbDeviceClass returns the registry class of USB device nodes, which
// moved when the USB stack was rewritten in Darwin 15 (El Capitan).
func usbDeviceClass() string {
	if darwinUsesLegacyUSBPlane() {
		return "IOUSBDevice"
	}
	return "IOUSBHostDevice"
}

var darwinLegacyUSBPlane = sync.OnceValue(func() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	release := unix.ByteSliceToString(uts.Release[:])
	major, _, _ := strings.Cut(release, ".")
	v, err := strconv.Atoi(major)
	if err != nil {
		return false
	}
	return v < 15
})

func darwinUsesLegacyUSBPlane() bool {
	return darwinLegacyUSBPlane()
}

// =============================================================================
// Enumeration
// =============================================================================

// Enumerate walks HID and serial service entries in the I/O Registry.
func (b *darwinBackend) Enumerate(filters []Filter, visit func(*Device) error) error {
	for _, class := range []string{hidDeviceClass, serialDeviceClass} {
		iter := C.matchServices(C.CString(class))
		if iter == 0 {
			continue
		}

		err := func() error {
			defer C.IOObjectRelease(C.io_object_t(iter))

			for service := C.IOIteratorNext(iter); service != 0; service = C.IOIteratorNext(iter) {
				dev := b.probeService(service, class == hidDeviceClass)
				C.IOObjectRelease(C.io_object_t(service))

				if dev == nil || !MatchAny(filters, dev) {
					continue
				}
				if err := visit(dev); err != nil {
					return err
				}
			}
			return nil
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

// probeService builds a Device from one registry entry, or nil when the
// entry has no USB ancestry.
func (b *darwinBackend) probeService(service C.io_service_t, hid bool) *Device {
	var entryID C.uint64_t
	if C.IORegistryEntryGetRegistryEntryID(service, &entryID) != C.KERN_SUCCESS {
		return nil
	}

	var vid, pid, location C.longlong
	if C.getIntProperty(service, C.CString("idVendor"), &vid) != 0 ||
		C.getIntProperty(service, C.CString("idProduct"), &pid) != 0 {
		return nil
	}
	if C.getIntProperty(service, C.CString("locationID"), &location) != 0 {
		return nil
	}

	dev := &Device{
		Key:      fmt.Sprintf("iokit-%x", uint64(entryID)),
		Location: locationFromDarwinID(uint32(location)),
		VID:      uint16(vid),
		PID:      uint16(pid),
		sys:      uint64(entryID),
	}

	var buf [256]C.char
	if C.getStringProperty(service, C.CString("USB Serial Number"), &buf[0], 256) == 0 {
		dev.Serial = C.GoString(&buf[0])
	}

	var iface C.longlong
	if C.getIntProperty(service, C.CString("bInterfaceNumber"), &iface) == 0 {
		dev.IfaceNumber = uint8(iface)
	}

	if hid {
		dev.Type = TypeHID
		dev.Path = fmt.Sprintf("iokit-hid-%x", uint64(entryID))

		var page, usage C.longlong
		if C.getIntProperty(service, C.CString("PrimaryUsagePage"), &page) == 0 {
			dev.UsagePage = uint16(page)
		}
		if C.getIntProperty(service, C.CString("PrimaryUsage"), &usage) == 0 {
			dev.Usage = uint16(usage)
		}
		// IOKit itself demultiplexes report ids, so the numbered-report
		// flag only matters for frame layout, not for reads.
		var reportID C.longlong
		dev.NumberedReports = C.getIntProperty(service, C.CString("ReportID"), &reportID) == 0
	} else {
		dev.Type = TypeSerial
		if C.getStringProperty(service, C.CString("IOCalloutDevice"), &buf[0], 256) != 0 {
			return nil
		}
		dev.Path = C.GoString(&buf[0])
	}

	return dev
}

// locationFromDarwinID converts an IOKit locationID into the printable
// location string. The top byte is the controller index; each following
// nibble holds a hub port, terminated by zero.
func locationFromDarwinID(locationID uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "usb-%d", locationID>>24)

	for shift := 20; shift >= 0; shift -= 4 {
		port := (locationID >> uint(shift)) & 0xF
		if port == 0 {
			break
		}
		fmt.Fprintf(&sb, "-%d", port)
	}
	return sb.String()
}

// =============================================================================
// Notifications
// =============================================================================

// runNotificationLoop owns the Core Foundation run loop. It must stay on
// one OS thread for the lifetime of the port.
func (b *darwinBackend) runNotificationLoop(refcon uintptr) {
	defer close(b.runLoopDone)

	lockOSThread()
	defer unlockOSThread()

	port := C.IONotificationPortCreate(C.kIOMainPortDefault)
	if port == nil {
		pkg.LogError(pkg.ComponentBackend, "cannot create notification port")
		return
	}
	defer C.IONotificationPortDestroy(port)

	source := C.IONotificationPortGetRunLoopSource(port)
	runLoop := C.CFRunLoopGetCurrent()
	C.CFRunLoopAddSource(runLoop, source, C.kCFRunLoopDefaultMode)

	// First-match for HID and serial clients, termination on the USB
	// device node so one removal covers all of its interfaces.
	var iters []C.io_iterator_t
	for _, class := range []string{hidDeviceClass, serialDeviceClass} {
		var iter C.io_iterator_t
		if C.addMatched(port, C.CString(class), C.uintptr_t(refcon), &iter) == C.KERN_SUCCESS {
			b.drainMatched(iter)
			iters = append(iters, iter)
		}
	}
	for _, class := range []string{hidDeviceClass, serialDeviceClass, usbDeviceClass()} {
		var iter C.io_iterator_t
		if C.addTerminated(port, C.CString(class), C.uintptr_t(refcon), &iter) == C.KERN_SUCCESS {
			b.drainTerminated(iter)
			iters = append(iters, iter)
		}
	}
	defer func() {
		for _, iter := range iters {
			C.IOObjectRelease(C.io_object_t(iter))
		}
	}()

	go func() {
		<-b.runLoopStop
		C.CFRunLoopStop(runLoop)
	}()

	C.CFRunLoopRun()
}

// drainMatched arms a first-match iterator and queues any devices it
// already holds.
func (b *darwinBackend) drainMatched(iter C.io_iterator_t) {
	for service := C.IOIteratorNext(iter); service != 0; service = C.IOIteratorNext(iter) {
		hid := C.isHIDService(service) != 0
		if dev := b.probeService(service, hid); dev != nil {
			b.queue.push(Event{Action: ActionAdded, Key: dev.Key, Device: dev})
		}
		C.IOObjectRelease(C.io_object_t(service))
	}
}

// drainTerminated arms a termination iterator and queues removals.
func (b *darwinBackend) drainTerminated(iter C.io_iterator_t) {
	for service := C.IOIteratorNext(iter); service != 0; service = C.IOIteratorNext(iter) {
		var entryID C.uint64_t
		if C.IORegistryEntryGetRegistryEntryID(service, &entryID) == C.KERN_SUCCESS {
			key := fmt.Sprintf("iokit-%x", uint64(entryID))
			b.queue.push(Event{Action: ActionRemoved, Key: key})
		}
		C.IOObjectRelease(C.io_object_t(service))
	}
}

// Refresh drains queued notifications and hands survivors of the
// filters to visit.
func (b *darwinBackend) Refresh(filters []Filter, visit func(Event) error) error {
	for _, ev := range b.queue.drain() {
		if ev.Action == ActionAdded && !MatchAny(filters, ev.Device) {
			continue
		}
		if err := visit(ev); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Open
// =============================================================================

// Open opens the interface for I/O, retrying a transiently-busy HID
// device per the darwinOpen tunable.
func (b *darwinBackend) Open(dev *Device) (Handle, error) {
	switch dev.Type {
	case TypeSerial:
		return openSerialPosix(dev)

	case TypeHID:
		darwinOpen.Lock()
		retries, delay := darwinOpen.retries, darwinOpen.delayMs
		darwinOpen.Unlock()

		var h Handle
		var err error
		for attempt := 0; ; attempt++ {
			h, err = openHIDDarwin(dev)
			if err == nil || !pkg.IsKind(err, pkg.KindBusy) || attempt >= retries {
				return h, err
			}
			pkg.Delay(delay)
		}

	default:
		return nil, pkg.Errf(pkg.KindParam, "cannot open interface of type %s", dev.Type)
	}
}
