package pkg

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies an error returned by the device-state engine.
type Kind int

// Error kinds, roughly ordered from caller mistakes to environment failures.
const (
	KindMemory      Kind = iota // Allocation failed
	KindParam                   // Argument violates a precondition
	KindUnsupported             // Not available on this platform or disabled
	KindNotFound                // Device, path or format not present
	KindExists                  // Uniqueness violated
	KindAccess                  // Permission denied by the OS
	KindBusy                    // Resource temporarily contended
	KindIO                      // Read/write failure on a device
	KindTimeout                 // Wait elapsed
	KindMode                    // Capability not offered by the current interfaces
	KindRange                   // Value out of bounds
	KindSystem                  // Unexpected OS call failure
	KindParse                   // Malformed file or descriptor
	KindFirmware                // Firmware incompatible with the detected model
	KindOther                   // Last resort
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindParam:
		return "param"
	case KindUnsupported:
		return "unsupported"
	case KindNotFound:
		return "not found"
	case KindExists:
		return "exists"
	case KindAccess:
		return "access"
	case KindBusy:
		return "busy"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindMode:
		return "mode"
	case KindRange:
		return "range"
	case KindSystem:
		return "system"
	case KindParse:
		return "parse"
	case KindFirmware:
		return "firmware"
	default:
		return "other"
	}
}

// Error carries a kind, a formatted message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errf builds an *Error of the given kind with a formatted message.
// A %w verb wraps the cause for errors.Is/As traversal.
func Errf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	e := &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
	if !quieted(kind) {
		LogError(ComponentCore, e.Msg, "kind", kind.String())
	}
	return e
}

// WrapErr attaches a kind to an existing error without reformatting it.
func WrapErr(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Msg: err.Error(), Err: err}
	if !quieted(kind) {
		LogError(ComponentCore, e.Msg, "kind", kind.String())
	}
	return e
}

// ErrKind extracts the kind from an error chain, KindOther if absent.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// quietKinds counts the kinds currently silenced by Quiet calls.
// Suppression affects logging only; silenced errors are still returned.
var quietKinds = struct {
	sync.RWMutex
	counts map[Kind]int
}{counts: make(map[Kind]int)}

func quieted(kind Kind) bool {
	quietKinds.RLock()
	defer quietKinds.RUnlock()
	return quietKinds.counts[kind] > 0
}

// Quiet runs fn with logging suppressed for errors of the given kind.
// Callers that probe for optional devices use it so an expected NotFound
// during a speculative open does not show up in the log.
func Quiet(kind Kind, fn func() error) error {
	quietKinds.Lock()
	quietKinds.counts[kind]++
	quietKinds.Unlock()

	defer func() {
		quietKinds.Lock()
		quietKinds.counts[kind]--
		quietKinds.Unlock()
	}()

	return fn()
}
