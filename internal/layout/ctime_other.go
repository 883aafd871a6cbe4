//go:build !linux && !darwin

package layout

import (
	"os"
	"time"
)

// statCtime falls back to ModTime on platforms without a portable st_ctime
// accessor (e.g. Windows); ZFS and native BTRFS are not native filesystems
// there, so this path is rarely exercised in practice.
func statCtime(fi os.FileInfo) time.Time {
	return fi.ModTime()
}
