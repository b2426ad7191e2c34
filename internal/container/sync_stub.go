//go:build !linux

package container

import "os"

// datasync falls back to a full sync on platforms without fdatasync.
func datasync(f *os.File) error {
	return f.Sync()
}
