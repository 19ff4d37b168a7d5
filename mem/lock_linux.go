//go:build linux

package mem

import "golang.org/x/sys/unix"

// lockRange locks the pages backing buf into physical memory. The kernel
// rounds the range out to page boundaries.
func lockRange(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Mlock(buf)
}

// unlockRange releases a range previously locked with lockRange.
func unlockRange(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Munlock(buf)
}
