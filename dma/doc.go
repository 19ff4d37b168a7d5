// Package dma implements zero-copy blocking byte-stream channels backed
// by a scatter-gather DMA engine.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.Engine] interface defined in the [github.com/ardnew/softdma/dma/hal]
// package. The engine exposes address-space mapping, descriptor
// preparation and submission, termination, and asynchronous completion
// notification, allowing platform vendors to provide concrete
// implementations without changing the channel core.
//
// # Architecture
//
//   - [Registry] enumerates configured channels and binds them to engines
//   - [Channel] holds one direction-named channel's transfer state machine
//   - [Handle] is one opener's blocking read/write access to a channel
//   - [github.com/ardnew/softdma/mem] pins the pages backing user buffers
//
// # Transfer Protocol
//
// A read or write pins the caller's buffer, builds one scatter-gather
// segment per page, maps the table into the engine's address space,
// submits a descriptor, and blocks until the engine's notifier signals
// completion. Teardown then unwinds the mapping and pins before the
// call returns. The engine moves bytes directly between the device and
// the caller's buffer; no intermediate copy is made.
//
// # Channel States
//
// Each channel runs the transfer state machine:
//
//	Idle → InFlight → Completing → Idle
//
// The transition out of InFlight is performed only by the engine's
// completion notifier; the blocked caller observes it. A caller
// cancelled mid-flight terminates the engine before releasing any
// pinned page.
//
// # Concurrency
//
// Two execution contexts touch a channel: caller goroutines, which may
// block and be cancelled, and the engine's completion notifier, which
// must never block. Callers serialize on an interruptible exclusive
// lock; the notifier only ever takes the channel's non-blocking state
// lock. When a caller path needs both, the exclusive lock is acquired
// first.
//
// # I/O Semantics
//
// Channels are single-opener, whole-buffer, and direction-restricted: a
// device-to-host channel rejects writes and vice versa, and request
// lengths must be multiples of the channel's alignment. An operation
// either transfers the full requested length or fails with zero bytes
// delivered.
//
// # Example
//
//	tx, rx := loopback.NewPair("loop", 4)
//	ch, _ := dma.NewChannel("loop_tx", dma.HostToDevice, tx)
//	h, _ := ch.Open(ctx)
//	defer h.Close()
//	n, err := h.Write(ctx, payload)
//
// An in-memory engine pair for testing is available in
// [github.com/ardnew/softdma/dma/hal/loopback].
package dma
