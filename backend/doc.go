// Package backend is the per-platform USB layer of the engine. It
// enumerates HID and serial interface nodes by walking each operating
// system's device tree, streams plug/unplug notifications through a
// single pollable descriptor, and opens interfaces for I/O.
//
// Linux walks the kernel sysfs hierarchy and listens on a netlink
// uevent socket. macOS queries the IOKit I/O Registry, with a dedicated
// thread bridging Core Foundation run-loop callbacks to the poller.
// Windows enumerates SetupDi device-interface classes and receives
// WM_DEVICECHANGE on a message-only window owned by its own thread.
//
// All three expose the same surface: Enumerate, a hotplug Descriptor
// plus Refresh, and Open. Handles returned by Open exclusively own
// their OS resources and are pollable for read readiness.
package backend
