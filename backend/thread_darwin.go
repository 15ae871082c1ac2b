//go:build darwin

package backend

import "runtime"

// Core Foundation run loops are bound to the thread that created them,
// so the goroutines driving them must be pinned.
func lockOSThread() {
	runtime.LockOSThread()
}

func unlockOSThread() {
	runtime.UnlockOSThread()
}
