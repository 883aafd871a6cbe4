//go:build linux

package layout

import (
	"os"
	"syscall"
	"time"
)

// statCtime extracts st_ctime from a FileInfo, used by the ZFS and
// BTRFS-Native layouts to derive a snapshot root's logical timestamp from
// the directory entry itself (spec.md §3).
func statCtime(fi os.FileInfo) time.Time {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fi.ModTime()
	}

	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}
