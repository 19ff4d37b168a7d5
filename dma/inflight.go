package dma

import (
	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/mem"
)

// inflight records the single transfer being prepared, executed, or torn
// down on a channel. It is created at the start of one read or write
// call and destroyed before that call returns.
//
// The progress flags record how far setup got before a failure, so
// teardown can unwind exactly the partial state reached, in any order of
// invocation, without double-releasing anything.
type inflight struct {
	pages    []*mem.Page
	segs     []hal.Segment
	numPages int

	tableBuilt  bool // Scatter-gather table allocated
	pagesPinned bool // Pages pinned in pages
	mapped      bool // Segments mapped into device address space
	started     bool // Hardware submission issued
}

// buildSegments fills one scatter-gather segment per page spanned by
// buf. The first segment starts at the buffer's intra-page offset and is
// clamped to its page boundary; subsequent segments start at offset 0
// and carry min(remaining, pageSize) bytes.
func buildSegments(buf []byte, offset, pageSize, numPages int) []hal.Segment {
	segs := make([]hal.Segment, numPages)
	left := len(buf)
	pos := 0
	for i := range segs {
		length := left
		if length > pageSize {
			length = pageSize
		}
		segOffset := 0
		if i == 0 {
			segOffset = offset
			if segOffset+length > pageSize {
				length = pageSize - segOffset
			}
		}
		segs[i] = hal.Segment{
			Data:   buf[pos : pos+length],
			Offset: segOffset,
		}
		pos += length
		left -= length
	}
	return segs
}
