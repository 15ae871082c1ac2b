//go:build linux || darwin

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/teensyctl/teensyctl/pkg"
)

// waitReadable polls a single descriptor for input readiness. Timeout
// semantics follow the engine convention: negative blocks, zero polls.
func waitReadable(fd int, timeout int) (bool, error) {
	start := pkg.Millis()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, pkg.AdjustTimeout(timeout, start))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, pkg.Errf(pkg.KindSystem, "poll failed: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return false, pkg.Errf(pkg.KindIO, "device error on poll")
		}
		return true, nil
	}
}

func readError(dev *Device, err error) error {
	if err == unix.ENODEV || err == unix.EIO {
		return pkg.Errf(pkg.KindIO, "device %s was disconnected", dev.Path)
	}
	return pkg.Errf(pkg.KindIO, "read from %s failed: %w", dev.Path, err)
}

func writeError(dev *Device, err error) error {
	if err == unix.ENODEV || err == unix.EIO {
		return pkg.Errf(pkg.KindIO, "device %s was disconnected", dev.Path)
	}
	return pkg.Errf(pkg.KindIO, "write to %s failed: %w", dev.Path, err)
}
