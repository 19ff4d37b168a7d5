package pkg

import "errors"

// DMA channel errors.
var (
	// ErrWrongDirection indicates an operation against the channel's
	// configured transfer direction (e.g. a read on a mem-to-dev channel).
	ErrWrongDirection = errors.New("wrong transfer direction")

	// ErrUnaligned indicates a request length that is not a multiple of
	// the channel's transfer alignment.
	ErrUnaligned = errors.New("unaligned transfer length")

	// ErrBusy indicates the channel is already open.
	ErrBusy = errors.New("channel busy")

	// ErrClosing indicates the channel is being closed and no longer
	// accepts requests.
	ErrClosing = errors.New("channel closing")

	// ErrNoMemory indicates an allocation or page-pinning shortfall.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrEngineRejected indicates the DMA engine refused a descriptor
	// build or submission.
	ErrEngineRejected = errors.New("engine rejected transfer")

	// ErrInterrupted indicates the caller was cancelled while acquiring
	// the channel or while waiting for hardware completion.
	ErrInterrupted = errors.New("transfer interrupted")

	// ErrStuck indicates the channel lock could not be reacquired after a
	// hardware wait within the liveness timeout. This denotes a likely
	// engine or notifier malfunction, not a recoverable condition.
	ErrStuck = errors.New("channel stuck")

	// ErrNoDevice indicates no device number is available.
	ErrNoDevice = errors.New("no device number available")

	// ErrInvalidConfig indicates an invalid or missing channel
	// configuration entry.
	ErrInvalidConfig = errors.New("invalid channel configuration")

	// ErrTerminated indicates the engine terminated a transfer before it
	// completed.
	ErrTerminated = errors.New("transfer terminated")

	// ErrClosed indicates an operation on a closed handle.
	ErrClosed = errors.New("handle closed")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")
)

// FailureCode classifies how a transfer request failed.
type FailureCode int

// Failure code values.
const (
	FailureNone           FailureCode = iota // Request succeeded
	FailureConfigMismatch                    // Wrong direction or misaligned length
	FailureBusy                              // Channel open elsewhere or closing
	FailureResource                          // Allocation or pinning shortfall
	FailureEngine                            // Engine rejected the descriptor
	FailureInterrupted                       // Caller cancelled mid-request
	FailureStuck                             // Lock reacquire timed out
)

// String returns a string representation of the failure code.
func (c FailureCode) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureConfigMismatch:
		return "config mismatch"
	case FailureBusy:
		return "busy"
	case FailureResource:
		return "resource exhausted"
	case FailureEngine:
		return "engine rejected"
	case FailureInterrupted:
		return "interrupted"
	case FailureStuck:
		return "stuck"
	default:
		return "unknown"
	}
}

// Error returns the corresponding sentinel error for the failure code.
func (c FailureCode) Error() error {
	switch c {
	case FailureNone:
		return nil
	case FailureConfigMismatch:
		return ErrWrongDirection
	case FailureBusy:
		return ErrBusy
	case FailureResource:
		return ErrNoMemory
	case FailureEngine:
		return ErrEngineRejected
	case FailureInterrupted:
		return ErrInterrupted
	case FailureStuck:
		return ErrStuck
	default:
		return ErrNotSupported
	}
}

// Classify maps an error returned by a channel operation to its failure
// code. Unrecognized errors classify as FailureEngine since the engine
// boundary is the only source of foreign errors.
func Classify(err error) FailureCode {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrWrongDirection), errors.Is(err, ErrUnaligned):
		return FailureConfigMismatch
	case errors.Is(err, ErrBusy), errors.Is(err, ErrClosing), errors.Is(err, ErrClosed):
		return FailureBusy
	case errors.Is(err, ErrNoMemory):
		return FailureResource
	case errors.Is(err, ErrInterrupted), errors.Is(err, ErrTerminated):
		return FailureInterrupted
	case errors.Is(err, ErrStuck):
		return FailureStuck
	default:
		return FailureEngine
	}
}
