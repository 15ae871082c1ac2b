//go:build linux || darwin

package board

import "golang.org/x/sys/unix"

// locationsEqual compares printable USB locations; POSIX locations are
// case sensitive.
func locationsEqual(a, b string) bool {
	return a == b
}

// pathsAlias reports whether two device paths refer to the same node,
// chasing symlink and bind-mount aliases through stat identity.
func pathsAlias(a, b string) bool {
	if a == b {
		return true
	}

	var sa, sb unix.Stat_t
	if unix.Stat(a, &sa) != nil {
		return false
	}
	if unix.Stat(b, &sb) != nil {
		return false
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}
