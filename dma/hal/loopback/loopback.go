package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/pkg"
)

// workDepth is the submission queue depth of one engine. The channel
// core keeps a single transfer in flight per channel, so the queue never
// fills in practice.
const workDepth = 8

// link is the simulated wire joining a TX engine to its RX peer.
// Packets preserve submission order.
type link struct {
	packets chan []byte
}

// descriptor is one prepared transfer on a loopback engine.
type descriptor struct {
	engine *Engine
	segs   []hal.Segment
	cb     hal.CompletionFunc
	cancel chan struct{} // closed on termination to unblock the notifier

	mu         sync.Mutex
	terminated bool
	submitted  bool
}

// Submit queues the descriptor on its engine.
func (d *descriptor) Submit() error {
	return d.engine.submit(d)
}

// Engine is one endpoint of an in-memory loopback pair implementing
// [hal.Engine]. A MemToDev engine gathers mapped segments into a packet
// and pushes it down the link; a DevToMem engine pops a packet and
// scatters it into the mapped segments. Completions fire on the
// engine's notifier goroutine.
type Engine struct {
	name string
	dir  hal.Direction
	link *link

	mu          sync.Mutex
	pending     []*descriptor // submitted, not yet issued
	outstanding []*descriptor // issued, not yet completed or terminated

	work     chan *descriptor
	stop     chan struct{}
	wg       sync.WaitGroup
	released atomic.Bool

	nextBus atomic.Uint64
}

// NewPair creates a connected TX/RX engine pair. depth bounds the
// number of packets buffered on the simulated wire; a full wire stalls
// the TX engine until the RX side drains it, like a device FIFO.
func NewPair(name string, depth int) (tx, rx *Engine) {
	if depth < 1 {
		depth = 1
	}
	l := &link{packets: make(chan []byte, depth)}
	tx = newEngine(name+"_tx", hal.MemToDev, l)
	rx = newEngine(name+"_rx", hal.DevToMem, l)
	return tx, rx
}

func newEngine(name string, dir hal.Direction, l *link) *Engine {
	e := &Engine{
		name: name,
		dir:  dir,
		link: l,
		work: make(chan *descriptor, workDepth),
		stop: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.notifier()
	return e
}

// Name returns the engine's channel name.
func (e *Engine) Name() string { return e.name }

// Map assigns simulated bus addresses to the segments.
func (e *Engine) Map(segs []hal.Segment, dir hal.Direction) (int, error) {
	if e.released.Load() {
		return 0, pkg.ErrNoDevice
	}
	if dir != e.dir {
		return 0, pkg.ErrWrongDirection
	}
	for i := range segs {
		segs[i].Bus = e.nextBus.Add(uint64(len(segs[i].Data)))
	}
	return len(segs), nil
}

// Unmap invalidates the segments' bus addresses.
func (e *Engine) Unmap(segs []hal.Segment, dir hal.Direction) error {
	for i := range segs {
		segs[i].Bus = 0
	}
	return nil
}

// PrepareSG builds a descriptor over the mapped segments.
func (e *Engine) PrepareSG(segs []hal.Segment, dir hal.Direction, cb hal.CompletionFunc) (hal.Descriptor, error) {
	if e.released.Load() {
		return nil, pkg.ErrNoDevice
	}
	if dir != e.dir || len(segs) == 0 {
		return nil, pkg.ErrEngineRejected
	}
	return &descriptor{engine: e, segs: segs, cb: cb, cancel: make(chan struct{})}, nil
}

// submit queues d for execution.
func (e *Engine) submit(d *descriptor) error {
	if e.released.Load() {
		return pkg.ErrNoDevice
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d.submitted {
		return pkg.ErrEngineRejected
	}
	d.submitted = true
	e.pending = append(e.pending, d)
	e.outstanding = append(e.outstanding, d)
	return nil
}

// IssuePending starts execution of all submitted descriptors.
func (e *Engine) IssuePending() {
	e.mu.Lock()
	issued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, d := range issued {
		select {
		case e.work <- d:
		case <-e.stop:
			return
		}
	}
}

// TerminateAll aborts every outstanding descriptor. No completion fires
// for a terminated descriptor, and the engine makes no further access
// to its segments. TerminateAll never waits for a completion callback.
func (e *Engine) TerminateAll() error {
	e.mu.Lock()
	terminated := e.outstanding
	e.outstanding = nil
	e.pending = nil
	e.mu.Unlock()

	for _, d := range terminated {
		d.mu.Lock()
		if !d.terminated {
			d.terminated = true
			close(d.cancel)
		}
		d.mu.Unlock()
	}
	return nil
}

// Release terminates outstanding work and stops the notifier. The
// engine must not be used afterward.
func (e *Engine) Release() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	_ = e.TerminateAll()
	close(e.stop)
	e.wg.Wait()
}

// retire removes d from the outstanding list after completion.
func (e *Engine) retire(d *descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.outstanding {
		if o == d {
			e.outstanding = append(e.outstanding[:i], e.outstanding[i+1:]...)
			break
		}
	}
}

// notifier executes issued descriptors and fires their completions.
// This goroutine is the software analogue of the hardware interrupt
// path: the completion callback it invokes must never block on anything
// beyond the channel state lock.
func (e *Engine) notifier() {
	defer e.wg.Done()
	for {
		select {
		case d := <-e.work:
			e.execute(d)
		case <-e.stop:
			return
		}
	}
}

// execute moves one descriptor's data across the link.
func (e *Engine) execute(d *descriptor) {
	switch e.dir {
	case hal.MemToDev:
		d.mu.Lock()
		if d.terminated {
			d.mu.Unlock()
			return
		}
		pkt := gather(d.segs)
		d.mu.Unlock()

		select {
		case e.link.packets <- pkt:
		case <-d.cancel:
			return
		case <-e.stop:
			return
		}

	case hal.DevToMem:
		var pkt []byte
		select {
		case pkt = <-e.link.packets:
		case <-d.cancel:
			return
		case <-e.stop:
			return
		}

		d.mu.Lock()
		if d.terminated {
			d.mu.Unlock()
			// The packet is consumed either way; hardware cannot put
			// bytes back on the wire.
			return
		}
		scatter(pkt, d.segs)
		d.mu.Unlock()
	}

	d.mu.Lock()
	fire := !d.terminated
	d.mu.Unlock()

	e.retire(d)
	if fire && d.cb != nil {
		d.cb()
	}
}

// gather copies the segments' windows into one contiguous packet.
func gather(segs []hal.Segment) []byte {
	total := 0
	for _, s := range segs {
		total += len(s.Data)
	}
	pkt := make([]byte, 0, total)
	for _, s := range segs {
		pkt = append(pkt, s.Data...)
	}
	return pkt
}

// scatter distributes a packet across the segments' windows in order.
// Excess packet bytes are dropped on the floor, as real hardware would
// drop bytes past the posted buffer.
func scatter(pkt []byte, segs []hal.Segment) {
	for _, s := range segs {
		if len(pkt) == 0 {
			return
		}
		n := copy(s.Data, pkt)
		pkt = pkt[n:]
	}
}
