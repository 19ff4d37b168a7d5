//go:build linux

package pipe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/pkg"
)

// Message framing.
const (
	msgData    = 0x02 // Framed data packet
	headerSize = 5    // Message header size (type + 4-byte length)
)

// pollInterval bounds how long a blocked read goes without checking for
// termination.
const pollInterval = 100 * time.Millisecond

// Errors.
var (
	ErrFIFOCreate = errors.New("failed to create FIFO")
	ErrFIFOOpen   = errors.New("failed to open FIFO")
)

// descriptor is one prepared transfer on a pipe engine.
type descriptor struct {
	engine *Engine
	segs   []hal.Segment
	cb     hal.CompletionFunc
	cancel chan struct{}

	mu         sync.Mutex
	terminated bool
	submitted  bool
}

// Submit queues the descriptor on its engine.
func (d *descriptor) Submit() error {
	return d.engine.submit(d)
}

// Engine is a named-pipe [hal.Engine] endpoint for cross-process
// loopback. A MemToDev engine frames gathered segments onto a FIFO in
// the bus directory; a DevToMem engine reads frames from it and
// scatters them into submitted tables. Two processes sharing a bus
// directory and channel name form a wire.
type Engine struct {
	name string
	dir  hal.Direction
	fifo *os.File

	mu          sync.Mutex
	pending     []*descriptor
	outstanding []*descriptor

	work     chan *descriptor
	stop     chan struct{}
	wg       sync.WaitGroup
	released atomic.Bool

	nextBus atomic.Uint64
	hdrBuf  [headerSize]byte
}

// NewEngine opens (creating if necessary) the FIFO for the named
// channel in busDir and starts the engine's notifier. The FIFO is
// opened read-write so neither side blocks waiting for its peer at
// setup time.
func NewEngine(busDir, name string, dir hal.Direction) (*Engine, error) {
	if dir != hal.MemToDev && dir != hal.DevToMem {
		return nil, pkg.ErrInvalidConfig
	}

	if err := os.MkdirAll(busDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFIFOCreate, err)
	}

	path := filepath.Join(busDir, name)
	if err := unix.Mkfifo(path, 0o644); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("%w: %v", ErrFIFOCreate, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFIFOOpen, err)
	}

	e := &Engine{
		name: name,
		dir:  dir,
		fifo: f,
		work: make(chan *descriptor, 8),
		stop: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.notifier()

	pkg.LogInfo(pkg.ComponentEngine, "pipe engine ready",
		"channel", name, "direction", dir.String(), "path", path)
	return e, nil
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

// TerminateAll aborts every outstanding descriptor without firing its
// completion. Bytes already framed onto the FIFO are not recalled.
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

// Release terminates outstanding work, stops the notifier, and closes
// the FIFO. The engine must not be used afterward.
func (e *Engine) Release() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	_ = e.TerminateAll()
	close(e.stop)
	e.wg.Wait()
	e.fifo.Close()
}

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

// notifier executes issued descriptors and fires completions. It is the
// engine's sole reader/writer of the FIFO.
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

func (e *Engine) execute(d *descriptor) {
	var err error
	switch e.dir {
	case hal.MemToDev:
		err = e.send(d)
	case hal.DevToMem:
		err = e.receive(d)
	}
	e.retire(d)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEngine, "pipe transfer failed",
			"channel", e.name, "direction", e.dir.String(), "error", err)
		return
	}

	d.mu.Lock()
	fire := !d.terminated
	d.mu.Unlock()
	if fire && d.cb != nil {
		d.cb()
	}
}

// send frames the gathered segments onto the FIFO.
func (e *Engine) send(d *descriptor) error {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return pkg.ErrTerminated
	}
	total := 0
	for _, s := range d.segs {
		total += len(s.Data)
	}
	pkt := make([]byte, 0, headerSize+total)
	var hdr [headerSize]byte
	hdr[0] = msgData
	binary.LittleEndian.PutUint32(hdr[1:], uint32(total))
	pkt = append(pkt, hdr[:]...)
	for _, s := range d.segs {
		pkt = append(pkt, s.Data...)
	}
	d.mu.Unlock()

	for len(pkt) > 0 {
		e.fifo.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := e.fifo.Write(pkt)
		pkt = pkt[n:]
		if err != nil {
			if os.IsTimeout(err) {
				select {
				case <-d.cancel:
					return pkg.ErrTerminated
				case <-e.stop:
					return pkg.ErrTerminated
				default:
					continue
				}
			}
			return err
		}
	}
	e.fifo.SetWriteDeadline(time.Time{})
	return nil
}

// receive reads one frame from the FIFO and scatters it into the
// descriptor's segments. Frame bytes past the posted buffer are
// dropped.
func (e *Engine) receive(d *descriptor) error {
	if err := e.readFull(d, e.hdrBuf[:]); err != nil {
		return err
	}
	if e.hdrBuf[0] != msgData {
		return pkg.ErrEngineRejected
	}
	total := int(binary.LittleEndian.Uint32(e.hdrBuf[1:]))

	pkt := make([]byte, total)
	if err := e.readFull(d, pkt); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return pkg.ErrTerminated
	}
	for _, s := range d.segs {
		if len(pkt) == 0 {
			break
		}
		n := copy(s.Data, pkt)
		pkt = pkt[n:]
	}
	return nil
}

// readFull fills buf from the FIFO, polling so that termination is
// honored while blocked.
func (e *Engine) readFull(d *descriptor, buf []byte) error {
	for len(buf) > 0 {
		select {
		case <-d.cancel:
			return pkg.ErrTerminated
		case <-e.stop:
			return pkg.ErrTerminated
		default:
		}

		e.fifo.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := e.fifo.Read(buf)
		buf = buf[n:]
		if err != nil {
			if os.IsTimeout(err) || errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
	}
	e.fifo.SetReadDeadline(time.Time{})
	return nil
}
