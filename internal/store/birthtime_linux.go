package store

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// birthtime returns the transcript's creation time via statx, which
// exposes btime on filesystems that record it (ext4, xfs, btrfs). Kernels
// or filesystems without btime fall back to mtime, collapsing CreatedAt
// into LastUpdated for those files.
func birthtime(path string, fallback os.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME, &stx)
	if err == nil && stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return fallback.ModTime()
}
