package hal

// Direction is the transfer direction from the engine's point of view.
type Direction uint8

// Engine transfer directions.
const (
	DirUnknown Direction = iota // Not configured
	MemToDev                    // Memory to device (TX)
	DevToMem                    // Device to memory (RX)
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case MemToDev:
		return "mem-to-dev"
	case DevToMem:
		return "dev-to-mem"
	default:
		return "unknown"
	}
}

// Segment is one entry of a scatter-gather table: a hardware-addressable
// window of a pinned user buffer. Data aliases the caller's buffer
// directly, so the engine moves bytes without copying through an
// intermediate staging area.
type Segment struct {
	Data   []byte // Window of the pinned buffer this segment covers
	Offset int    // Byte offset of the window within its page
	Bus    uint64 // Device address, assigned by Engine.Map
}

// CompletionFunc is invoked by the engine's notifier when a submitted
// transfer finishes. It runs on the notifier goroutine and must not
// block, allocate, or acquire any lock other than the channel state lock.
type CompletionFunc func()

// Descriptor is a prepared hardware transfer awaiting submission.
type Descriptor interface {
	// Submit queues the descriptor on the engine. A non-nil error means
	// the engine rejected the transfer and the descriptor is dead.
	Submit() error
}

// Engine abstracts one bound DMA channel of a hardware engine.
//
// Implementations provide the address-space mapping, descriptor
// preparation, submission queue, and asynchronous completion
// notification for a single unidirectional channel. All methods except
// the CompletionFunc callback are called from caller (blocking-capable)
// goroutines.
type Engine interface {
	// Name returns the bound hardware channel name.
	Name() string

	// Map makes the segments addressable by the engine for the given
	// direction and assigns Bus addresses. It returns the number of
	// segments mapped; a count different from len(segs) is a hard
	// failure and the caller must not submit.
	Map(segs []Segment, dir Direction) (int, error)

	// Unmap releases the device address-space mapping for segs. It must
	// only be called after the engine has no pending access to them.
	Unmap(segs []Segment, dir Direction) error

	// PrepareSG builds a transfer descriptor from mapped segments and
	// arms cb to fire on completion.
	PrepareSG(segs []Segment, dir Direction, cb CompletionFunc) (Descriptor, error)

	// IssuePending starts execution of all submitted descriptors.
	IssuePending()

	// TerminateAll aborts every pending and in-flight descriptor on the
	// channel. Completion callbacks do not fire for terminated
	// descriptors, and the engine makes no further access to mapped
	// memory after it returns. TerminateAll may be called with the
	// channel state lock held, so it must not wait for an in-progress
	// completion callback to finish.
	TerminateAll() error

	// Release relinquishes the hardware channel. The engine must not be
	// used afterward.
	Release()
}
