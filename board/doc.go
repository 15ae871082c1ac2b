// Package board aggregates USB interfaces into logical boards and
// drives operations against them.
//
// A Monitor wraps a device monitor: every interface sharing a USB
// location is folded into one Board, whose capability set follows the
// board's current USB mode as it re-enumerates between bootloader,
// serial and emulated-serial configurations. Observers registered on
// the monitor see each board's life as a well-formed event sequence:
// Added, any number of Changed, possibly Disappeared and back, and a
// terminal Dropped once the board has stayed missing past the grace
// period.
//
// Operations needing a capability the board currently lacks return a
// Mode error; WaitFor blocks until a re-enumeration provides it. The
// long-running operations (Upload, Reset, Reboot) come wrapped as
// tasks so a client event loop can start them without blocking.
package board
