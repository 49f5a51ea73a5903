//go:build !linux && !darwin

package store

import (
	"os"
	"time"
)

// birthtime has no portable source on the remaining platforms; mtime is
// the closest proxy, so CreatedAt equals LastUpdated there.
func birthtime(_ string, fallback os.FileInfo) time.Time {
	return fallback.ModTime()
}
