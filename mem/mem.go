package mem

import (
	"os"
	"sync"
	"unsafe"

	"github.com/ardnew/softdma/pkg"
)

// PageCount returns the number of pages spanned by a buffer of the given
// length starting at the given intra-page offset.
func PageCount(offset, length, pageSize int) int {
	if length <= 0 {
		return 0
	}
	return (offset + length + pageSize - 1) / pageSize
}

// BufferOffset returns the byte offset of the buffer's first element
// within its page. An empty buffer has offset 0.
func BufferOffset(buf []byte, pageSize int) int {
	if len(buf) == 0 {
		return 0
	}
	return int(uintptr(unsafe.Pointer(&buf[0])) % uintptr(pageSize))
}

// Page is a handle to one pinned page backing part of a user buffer.
//
// A page is released exactly once via [Page.Unpin]; releasing an already
// released page is a no-op, which keeps teardown idempotent.
type Page struct {
	addr     uintptr // Page-aligned base address
	writable bool    // Pinned for device writes
	dirty    bool    // Device may have written to it
	released bool
	region   *pinRegion
}

// NewPage returns an unreleased page handle at addr. It exists for
// Pinner implementations outside this package; SystemPinner mints its
// own handles.
func NewPage(addr uintptr, writable bool) *Page {
	return &Page{addr: addr, writable: writable}
}

// Addr returns the page-aligned base address of the page.
func (p *Page) Addr() uintptr { return p.addr }

// Writable returns true if the page was pinned for device writes.
func (p *Page) Writable() bool { return p.writable }

// Dirty returns true if the page was marked dirty before release.
func (p *Page) Dirty() bool { return p.dirty }

// Released returns true if the page has been unpinned.
func (p *Page) Released() bool { return p.released }

// Unpin releases the page, optionally marking it dirty first. Marking a
// page dirty records that the device wrote to it. Unpin on a released
// page is a no-op.
func (p *Page) Unpin(dirty bool) {
	if p.released {
		return
	}
	p.released = true
	p.dirty = dirty
	if p.region != nil {
		p.region.put()
	}
}

// Pinner pins the pages backing a user buffer so a DMA engine can
// address them directly.
type Pinner interface {
	// PageSize returns the pinner's page size in bytes.
	PageSize() int

	// Pin pins every page backing buf. writable indicates the device
	// will write into the pages. On success the returned slice holds
	// exactly PageCount(BufferOffset(buf), len(buf)) handles, in buffer
	// order. On failure no page remains pinned and the error wraps
	// pkg.ErrNoMemory.
	Pin(buf []byte, writable bool) ([]*Page, error)
}

// pinRegion tracks one locked buffer range shared by its page handles.
// The range is unlocked when the last handle is released.
type pinRegion struct {
	mu        sync.Mutex
	buf       []byte
	remaining int
	locked    bool
}

func (r *pinRegion) put() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining--
	if r.remaining == 0 && r.locked {
		r.locked = false
		if err := unlockRange(r.buf); err != nil {
			pkg.LogWarn(pkg.ComponentMem, "munlock failed",
				"len", len(r.buf), "error", err)
		}
	}
}

// SystemPinner pins buffers by locking them into physical memory with
// the platform's memory-lock facility (mlock on Linux). On platforms
// without one, pinning degrades to page accounting only.
type SystemPinner struct {
	pageSize int
}

// NewSystemPinner returns a pinner using the operating system page size.
func NewSystemPinner() *SystemPinner {
	return &SystemPinner{pageSize: os.Getpagesize()}
}

// PageSize returns the system page size.
func (s *SystemPinner) PageSize() int { return s.pageSize }

// Pin locks the pages backing buf and returns one handle per page.
func (s *SystemPinner) Pin(buf []byte, writable bool) ([]*Page, error) {
	offset := BufferOffset(buf, s.pageSize)
	count := PageCount(offset, len(buf), s.pageSize)
	if count == 0 {
		return nil, pkg.ErrNoMemory
	}

	if err := lockRange(buf); err != nil {
		pkg.LogWarn(pkg.ComponentMem, "mlock failed",
			"len", len(buf), "pages", count, "error", err)
		return nil, pkg.ErrNoMemory
	}

	region := &pinRegion{buf: buf, remaining: count, locked: true}
	base := uintptr(unsafe.Pointer(&buf[0])) - uintptr(offset)
	pages := make([]*Page, count)
	for i := range pages {
		pages[i] = &Page{
			addr:     base + uintptr(i*s.pageSize),
			writable: writable,
			region:   region,
		}
	}
	return pages, nil
}
