// Package descriptor bundles OS wait objects into sets that support a
// single blocking poll call, and provides a timer whose expiry is itself
// pollable as a descriptor.
//
// A descriptor is whatever the platform uses for readiness notification:
// an integer file descriptor on POSIX systems, a wait object HANDLE on
// Windows. Sets are bounded at MaxDescriptors entries so one system call
// (poll or WaitForMultipleObjects) always suffices.
//
// Poll returns the caller-chosen id of one ready descriptor, 0 on timeout.
// Readiness is never signalled spuriously, but fairness between
// descriptors is not guaranteed: callers must drain whatever they find
// ready before polling again.
package descriptor
