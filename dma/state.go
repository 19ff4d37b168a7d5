package dma

// fsmState is the per-channel transfer state. Reads and writes of the
// state require the channel's state lock.
//
// Idle is both the initial and terminal state of every request. The
// transition out of InFlight is performed only by the engine's
// completion notifier; caller goroutines merely observe it.
type fsmState uint8

const (
	stateIdle       fsmState = iota // No transfer active
	stateInFlight                   // Submitted, awaiting hardware
	stateCompleting                 // Hardware signalled, awaiting teardown
)

// String returns a human-readable state name.
func (s fsmState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInFlight:
		return "in-flight"
	case stateCompleting:
		return "completing"
	default:
		return "invalid"
	}
}
