// Package pipe implements a [hal.Engine] over named pipes for
// cross-process transfers.
//
// Two processes sharing a bus directory form a unidirectional wire:
// the sender binds a MemToDev engine and the receiver binds a DevToMem
// engine to the same channel name. Each engine owns one end of a FIFO
// in the bus directory, created on demand with conventional
// permissions.
//
// # Framing
//
// Transfers cross the FIFO as framed messages: a one-byte type, a
// four-byte little-endian payload length, then the payload. A sending
// engine gathers its descriptor's scatter-gather segments into a
// single frame; a receiving engine reads one frame per posted
// descriptor and scatters it into the descriptor's segments, dropping
// any bytes past the posted buffer.
//
// # Blocking and termination
//
// The FIFO is opened read-write and non-blocking, so neither side
// stalls waiting for its peer at setup time. The notifier goroutine
// performs all FIFO I/O with short read and write deadlines, polling
// between attempts so TerminateAll and Release interrupt a transfer
// whose peer never shows up. Frames already written to the FIFO when a
// transfer is terminated are not recalled; the peer will consume them.
//
// Typical receiver setup:
//
//	eng, err := pipe.NewEngine("/run/softdma", "chan0", hal.DevToMem)
//	if err != nil {
//		return err
//	}
//	defer eng.Release()
package pipe
