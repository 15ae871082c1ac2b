// Package pkg provides shared infrastructure for the teensyctl device-state
// engine: the error taxonomy, structured component logging, and monotonic
// timeout arithmetic.
//
// Every fallible engine operation returns an error classified by a Kind.
// Use errors.As with *pkg.Error, or the IsKind/ErrKind helpers:
//
//	if pkg.IsKind(err, pkg.KindTimeout) {
//		// wait elapsed, board may still appear
//	}
//
// Timeouts throughout the engine are millisecond counts: negative means
// infinite, zero means poll without blocking.
package pkg
