//go:build darwin

package backend

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation

#include <stdint.h>
#include <stdlib.h>
#include <CoreFoundation/CoreFoundation.h>
#include <IOKit/IOKitLib.h>
#include <IOKit/hid/IOHIDDevice.h>

#ifndef kIOMainPortDefault
#define kIOMainPortDefault kIOMasterPortDefault
#endif

extern void teensyctlHIDReport(uintptr_t refcon, uint32_t reportID, uint8_t *report, long length);
extern void teensyctlHIDRemoved(uintptr_t refcon);

static void reportTrampoline(void *context, IOReturn result, void *sender,
                             IOHIDReportType type, uint32_t reportID,
                             uint8_t *report, CFIndex reportLength) {
	if (result == kIOReturnSuccess)
		teensyctlHIDReport((uintptr_t)context, reportID, report, (long)reportLength);
}

static void removalTrampoline(void *context, IOReturn result, void *sender) {
	teensyctlHIDRemoved((uintptr_t)context);
}

static IOHIDDeviceRef createHIDDevice(uint64_t entryID) {
	io_service_t service = IOServiceGetMatchingService(kIOMainPortDefault,
		IORegistryEntryIDMatching(entryID));
	if (service == 0)
		return NULL;
	IOHIDDeviceRef ref = IOHIDDeviceCreate(kCFAllocatorDefault, service);
	IOObjectRelease(service);
	return ref;
}

static void armHIDDevice(IOHIDDeviceRef ref, uint8_t *buf, long size, uintptr_t refcon) {
	IOHIDDeviceRegisterInputReportCallback(ref, buf, size, reportTrampoline, (void *)refcon);
	IOHIDDeviceRegisterRemovalCallback(ref, removalTrampoline, (void *)refcon);
	IOHIDDeviceScheduleWithRunLoop(ref, CFRunLoopGetCurrent(), kCFRunLoopDefaultMode);
}

static IOReturn setHIDReport(IOHIDDeviceRef ref, int type, uint8_t id,
                             const uint8_t *data, long size) {
	return IOHIDDeviceSetReport(ref, type, id, data, size);
}

static IOReturn getHIDReport(IOHIDDeviceRef ref, int type, uint8_t id,
                             uint8_t *data, long *size) {
	CFIndex len = *size;
	IOReturn r = IOHIDDeviceGetReport(ref, type, id, data, &len);
	*size = (long)len;
	return r;
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// Incoming reports per handle are buffered in a bounded queue; the
// device thread drops the oldest report when a slow reader lets it fill.
const hidReportQueueCap = 64

// hidDarwinHandle is an open IOHIDDevice. Input reports arrive on a
// dedicated thread running a Core Foundation run loop; that thread is
// the only one touching CF state, and it talks to readers through the
// bounded report queue and a wake pipe.
type hidDarwinHandle struct {
	dev *Device
	ref C.IOHIDDeviceRef

	mu      sync.Mutex
	reports [][]byte
	removed bool

	pipeR, pipeW int
	inputBuf     []byte

	runLoop     C.CFRunLoopRef
	runLoopUp   chan error
	runLoopDone chan struct{}
}

var (
	darwinHandles   = make(map[uintptr]*hidDarwinHandle)
	darwinHandlesMu sync.Mutex
	darwinHandleSeq uintptr
)

func openHIDDarwin(dev *Device) (Handle, error) {
	entryID, ok := dev.sys.(uint64)
	if !ok {
		return nil, pkg.Errf(pkg.KindParam, "device %s was not enumerated by this backend", dev.Key)
	}

	ref := C.createHIDDevice(C.uint64_t(entryID))
	if ref == nil {
		return nil, pkg.Errf(pkg.KindNotFound, "HID device %s is gone", dev.Key)
	}

	switch ret := C.IOHIDDeviceOpen(ref, 0); ret {
	case C.kIOReturnSuccess:
	case C.kIOReturnBusy, C.kIOReturnExclusiveAccess:
		C.CFRelease(C.CFTypeRef(ref))
		return nil, pkg.Errf(pkg.KindBusy, "HID device %s is busy", dev.Key)
	case C.kIOReturnNotPermitted, C.kIOReturnNotPrivileged:
		C.CFRelease(C.CFTypeRef(ref))
		return nil, pkg.Errf(pkg.KindAccess, "not allowed to open HID device %s", dev.Key)
	default:
		C.CFRelease(C.CFTypeRef(ref))
		return nil, pkg.Errf(pkg.KindSystem, "cannot open HID device %s: kern %#x", dev.Key, int(ret))
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		C.IOHIDDeviceClose(ref, 0)
		C.CFRelease(C.CFTypeRef(ref))
		return nil, pkg.Errf(pkg.KindSystem, "cannot create wake pipe: %w", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	h := &hidDarwinHandle{
		dev:         dev,
		ref:         ref,
		pipeR:       fds[0],
		pipeW:       fds[1],
		inputBuf:    make([]byte, maxInputReportSize(ref)),
		runLoopUp:   make(chan error, 1),
		runLoopDone: make(chan struct{}),
	}

	darwinHandlesMu.Lock()
	darwinHandleSeq++
	refcon := darwinHandleSeq
	darwinHandles[refcon] = h
	darwinHandlesMu.Unlock()

	go h.runReportLoop(refcon)
	if err := <-h.runLoopUp; err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func maxInputReportSize(ref C.IOHIDDeviceRef) int {
	const fallback = 4096

	cstr := C.CString("MaxInputReportSize")
	defer C.free(unsafe.Pointer(cstr))
	key := C.CFStringCreateWithCString(C.kCFAllocatorDefault, cstr, C.kCFStringEncodingUTF8)
	defer C.CFRelease(C.CFTypeRef(key))

	value := C.IOHIDDeviceGetProperty(ref, key)
	if value == nil {
		return fallback
	}

	var size C.longlong
	if C.CFNumberGetValue(C.CFNumberRef(value), C.kCFNumberLongLongType,
		unsafe.Pointer(&size)) == 0 || size <= 0 {
		return fallback
	}
	return int(size)
}

// runReportLoop pins a thread, schedules the device on its run loop and
// pumps input reports until Close stops the loop.
func (h *hidDarwinHandle) runReportLoop(refcon uintptr) {
	defer close(h.runLoopDone)

	lockOSThread()
	defer unlockOSThread()

	h.runLoop = C.CFRunLoopGetCurrent()
	C.armHIDDevice(h.ref, (*C.uint8_t)(&h.inputBuf[0]), C.long(len(h.inputBuf)), C.uintptr_t(refcon))

	h.runLoopUp <- nil
	C.CFRunLoopRun()
}

func (h *hidDarwinHandle) pushReport(reportID byte, data []byte) {
	report := make([]byte, 0, len(data)+1)
	if reportID != 0 {
		report = append(report, reportID)
	}
	report = append(report, data...)

	h.mu.Lock()
	if len(h.reports) >= hidReportQueueCap {
		h.reports = h.reports[1:]
	}
	h.reports = append(h.reports, report)
	h.mu.Unlock()

	var b [1]byte
	unix.Write(h.pipeW, b[:])
}

func (h *hidDarwinHandle) markRemoved() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()

	var b [1]byte
	unix.Write(h.pipeW, b[:])
}

func (h *hidDarwinHandle) Device() *Device {
	return h.dev
}

func (h *hidDarwinHandle) Descriptor() descriptor.Desc {
	return h.pipeR
}

// Read pops one queued input report, waiting on the pipe for the
// report thread when none is pending.
func (h *hidDarwinHandle) Read(buf []byte, timeout int) (int, error) {
	start := pkg.Millis()

	for {
		h.mu.Lock()
		if len(h.reports) > 0 {
			report := h.reports[0]
			h.reports = h.reports[1:]
			h.mu.Unlock()

			var b [1]byte
			unix.Read(h.pipeR, b[:])
			return copy(buf, report), nil
		}
		removed := h.removed
		h.mu.Unlock()

		if removed {
			return 0, pkg.Errf(pkg.KindIO, "device %s was disconnected", h.dev.Key)
		}

		ready, err := waitReadable(h.pipeR, pkg.AdjustTimeout(timeout, start))
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, nil
		}
	}
}

// Write sends one output report, report id first.
func (h *hidDarwinHandle) Write(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, pkg.Errf(pkg.KindParam, "output report too short")
	}

	ret := C.setHIDReport(h.ref, C.int(C.kIOHIDReportTypeOutput), C.uint8_t(buf[0]),
		(*C.uint8_t)(&buf[1]), C.long(len(buf)-1))
	if ret != C.kIOReturnSuccess {
		return 0, pkg.Errf(pkg.KindIO, "write to %s failed: kern %#x", h.dev.Key, int(ret))
	}
	return len(buf), nil
}

// SendFeatureReport sends a feature report, report id first.
func (h *hidDarwinHandle) SendFeatureReport(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, pkg.Errf(pkg.KindParam, "feature report too short")
	}

	ret := C.setHIDReport(h.ref, C.int(C.kIOHIDReportTypeFeature), C.uint8_t(buf[0]),
		(*C.uint8_t)(&buf[1]), C.long(len(buf)-1))
	if ret != C.kIOReturnSuccess {
		return 0, pkg.Errf(pkg.KindIO, "feature report to %s failed: kern %#x", h.dev.Key, int(ret))
	}
	return len(buf), nil
}

// GetFeatureReport reads a feature report for the given report id.
func (h *hidDarwinHandle) GetFeatureReport(reportID byte, buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, pkg.Errf(pkg.KindParam, "feature buffer too short")
	}

	size := C.long(len(buf) - 1)
	ret := C.getHIDReport(h.ref, C.int(C.kIOHIDReportTypeFeature), C.uint8_t(reportID),
		(*C.uint8_t)(&buf[1]), &size)
	if ret != C.kIOReturnSuccess {
		return 0, pkg.Errf(pkg.KindIO, "feature read from %s failed: kern %#x", h.dev.Key, int(ret))
	}

	buf[0] = reportID
	return int(size) + 1, nil
}

func (h *hidDarwinHandle) SetSerialAttrs(SerialParams) error {
	return errNotSerial("set serial attributes")
}

// Close stops the report thread and releases the device.
func (h *hidDarwinHandle) Close() error {
	if h.runLoop != nil {
		C.CFRunLoopStop(h.runLoop)
		<-h.runLoopDone
		h.runLoop = nil
	}

	darwinHandlesMu.Lock()
	for refcon, handle := range darwinHandles {
		if handle == h {
			delete(darwinHandles, refcon)
		}
	}
	darwinHandlesMu.Unlock()

	if h.ref != nil {
		C.IOHIDDeviceClose(h.ref, 0)
		C.CFRelease(C.CFTypeRef(h.ref))
		h.ref = nil
	}

	unix.Close(h.pipeR)
	unix.Close(h.pipeW)
	return nil
}
