//go:build darwin

package backend

/*
#include <stdint.h>
#include <IOKit/IOKitLib.h>
*/
import "C"

import "unsafe"

// teensyctlServiceMatched is invoked on the notification run loop when a
// watched service class gains a member. The iterator must be drained to
// rearm the notification.
//
//export teensyctlServiceMatched
func teensyctlServiceMatched(refcon C.uintptr_t, iterator C.io_iterator_t) {
	if b := lookupDarwinBackend(uintptr(refcon)); b != nil {
		b.drainMatched(iterator)
	}
}

// teensyctlServiceTerminated is invoked on the notification run loop
// when a watched service disappears.
//
//export teensyctlServiceTerminated
func teensyctlServiceTerminated(refcon C.uintptr_t, iterator C.io_iterator_t) {
	if b := lookupDarwinBackend(uintptr(refcon)); b != nil {
		b.drainTerminated(iterator)
	}
}

func lookupDarwinBackend(refcon uintptr) *darwinBackend {
	darwinBackendsMu.Lock()
	defer darwinBackendsMu.Unlock()
	return darwinBackends[refcon]
}

// teensyctlHIDReport is invoked on a handle's report thread for every
// completed input report.
//
//export teensyctlHIDReport
func teensyctlHIDReport(refcon C.uintptr_t, reportID C.uint32_t, report *C.uint8_t, length C.long) {
	darwinHandlesMu.Lock()
	h := darwinHandles[uintptr(refcon)]
	darwinHandlesMu.Unlock()

	if h == nil || length <= 0 {
		return
	}
	h.pushReport(byte(reportID), C.GoBytes(unsafe.Pointer(report), C.int(length)))
}

// teensyctlHIDRemoved is invoked when the device behind a handle goes
// away; pending and future reads fail instead of blocking forever.
//
//export teensyctlHIDRemoved
func teensyctlHIDRemoved(refcon C.uintptr_t) {
	darwinHandlesMu.Lock()
	h := darwinHandles[uintptr(refcon)]
	darwinHandlesMu.Unlock()

	if h != nil {
		h.markRemoved()
	}
}
