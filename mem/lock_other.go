//go:build !linux

package mem

// lockRange is a no-op on platforms without a memory-lock facility; the
// Go runtime keeps the buffer resident for the duration of the transfer
// in practice, and the simulated engines never access memory out of band.
func lockRange(buf []byte) error { return nil }

func unlockRange(buf []byte) error { return nil }
