package dma

import (
	"sync"

	"github.com/ardnew/softdma/pkg"
)

// DefaultDevNumCount is the size of the device number pool used when a
// registry does not specify one.
const DefaultDevNumCount = 8

// devNumPool hands out device numbers from a fixed-size pool. Numbers
// identify channels on the registry's enumeration surface and are
// recycled when a channel is torn down.
type devNumPool struct {
	mu    sync.Mutex
	inUse []bool
	base  int
}

func newDevNumPool(base, count int) *devNumPool {
	return &devNumPool{inUse: make([]bool, count), base: base}
}

// allocate returns the lowest free device number, or pkg.ErrNoDevice if
// the pool is exhausted.
func (p *devNumPool) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			return p.base + i, nil
		}
	}
	return 0, pkg.ErrNoDevice
}

// release returns a device number to the pool. Releasing a number that
// is not allocated indicates a bookkeeping bug and is logged.
func (p *devNumPool) release(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := num - p.base
	if i < 0 || i >= len(p.inUse) || !p.inUse[i] {
		pkg.LogError(pkg.ComponentRegistry, "release of unallocated device number",
			"devnum", num)
		return
	}
	p.inUse[i] = false
}
