// Package pkg provides shared utilities for the softdma DMA stack.
//
// This package contains common functionality used across the channel
// core and the engine implementations, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for DMA channel failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with DMA-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentChannel, "channel ready", "name", "loop_tx")
//
// # Errors
//
// Channel failures are defined as sentinel values with a stable
// [FailureCode] classification:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // Channel already open elsewhere
//	}
package pkg
