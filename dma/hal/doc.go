// Package hal defines the Hardware Abstraction Layer interface for DMA engines.
//
// The HAL provides a platform-agnostic interface between the channel core
// and underlying DMA engine hardware. Platform vendors implement this
// interface to bind softdma channels to their specific engine.
//
// # Design Principles
//
// The HAL is designed to be:
//
//   - Minimal: Only expose operations essential for scatter-gather transfers
//   - Generic: No platform-specific assumptions or details
//   - Flexible: Adaptable to engines with queued or immediate execution
//
// The channel core implements all transfer protocol logic (pinning,
// descriptor lifecycle, blocking, cancellation), leaving the HAL to
// handle only address-space mapping, descriptor queuing, and completion
// notification.
//
// # Interface Overview
//
// The [Engine] interface defines the contract for one bound channel:
//
//   - Map/Unmap for device address-space (bus/IOMMU) mapping
//   - PrepareSG/Submit/IssuePending for the descriptor lifecycle
//   - TerminateAll for cancellation and teardown
//
// # Completion Context
//
// The [CompletionFunc] armed by PrepareSG runs on the engine's notifier
// goroutine, the software analogue of interrupt context. Implementations
// of the channel core keep that path short: no blocking, no allocation,
// only the channel's non-blocking state lock.
//
// # Implementing an Engine
//
// To implement an engine for a new platform:
//
//  1. Create a type that implements all [Engine] methods
//  2. Assign Bus addresses in Map and invalidate them in Unmap
//  3. Queue descriptors in Submit; begin execution in IssuePending
//  4. Fire the armed CompletionFunc from a dedicated notifier goroutine
//  5. Guarantee in TerminateAll that no further memory access occurs
//
// An in-memory loopback engine pair for testing is available in
// [github.com/ardnew/softdma/dma/hal/loopback], and a named-pipe engine
// for cross-process loopback in [github.com/ardnew/softdma/dma/hal/pipe].
package hal
