package pkg

import "time"

// processStart anchors the monotonic millisecond clock.
var processStart = time.Now()

// Millis returns a monotonic millisecond timestamp. The zero point is
// process start; only differences between two readings are meaningful.
func Millis() uint64 {
	return uint64(time.Since(processStart) / time.Millisecond)
}

// Delay sleeps for the given number of milliseconds.
func Delay(ms uint64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// AdjustTimeout subtracts the time elapsed since start from a millisecond
// timeout so interrupted waits can restart without overshooting. Negative
// timeouts mean infinite and pass through unchanged; the result never goes
// below zero.
func AdjustTimeout(timeout int, start uint64) int {
	if timeout < 0 {
		return timeout
	}

	elapsed := Millis() - start
	if elapsed >= uint64(timeout) {
		return 0
	}
	return timeout - int(elapsed)
}
