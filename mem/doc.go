// Package mem provides user-buffer page pinning and page arithmetic for
// the softdma DMA stack.
//
// A DMA engine addresses physical pages directly, so the pages backing a
// caller's buffer must be pinned (prevented from moving or being
// swapped) for the duration of a transfer. The [Pinner] interface
// abstracts that operation; [SystemPinner] implements it with mlock(2)
// on Linux and degrades to page accounting elsewhere.
//
// # Page Handles
//
// [Pinner.Pin] returns one [Page] handle per page spanned by the
// buffer. Handles are released exactly once with [Page.Unpin]; a
// release may mark the page dirty when the device wrote into it.
// Releasing an already released handle is a no-op, which keeps the
// channel core's teardown idempotent.
//
// # Page Arithmetic
//
// [PageCount] and [BufferOffset] implement the span computation used to
// size scatter-gather tables:
//
//	pages = ceil((addr mod pageSize + length) / pageSize)
//
// A buffer that does not start on a page boundary contributes its
// intra-page offset to the span, so a two-byte buffer can pin two pages.
package mem
