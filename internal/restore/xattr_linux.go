//go:build linux

package restore

import (
	"golang.org/x/sys/unix"
)

// copyXattrs copies extended attributes from src to dst on Linux via
// llistxattr/lgetxattr/lsetxattr (spec.md §4.I: "xattrs... when the
// platform supports them").
func copyXattrs(src, dst string) error {
	names, err := listXattrs(src)
	if err != nil {
		return err
	}

	for _, name := range names {
		buf := make([]byte, 4096)

		n, err := unix.Lgetxattr(src, name, buf)
		if err != nil {
			continue
		}

		_ = unix.Lsetxattr(dst, name, buf[:n], 0)
	}

	return nil
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size <= 0 {
		return nil, nil
	}

	buf := make([]byte, size)

	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, nil
	}

	var names []string

	start := 0
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}

	return names, nil
}

// copyACLs is a no-op placeholder on Linux: POSIX ACLs live in the
// system.posix_acl_access/default xattrs, already handled by copyXattrs.
func copyACLs(src, dst string) error {
	return nil
}
