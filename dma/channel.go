package dma

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/mem"
	"github.com/ardnew/softdma/pkg"
)

// DefaultAlignment is the transfer length alignment used when a channel
// configuration does not specify one.
const DefaultAlignment = 1

// reacquireTimeout bounds the exclusive-lock reacquire after a hardware
// wait. Exceeding it indicates a stuck notifier or engine, not a normal
// error path.
const reacquireTimeout = 5 * time.Second

// Channel is one direction-named DMA channel exposed as a blocking
// byte-stream device. It is long-lived: created when the channel is
// bound to an engine and destroyed when the registry tears it down.
//
// A channel admits a single opener at a time, and at most one transfer
// is in flight per channel.
//
// Lock ordering: when a caller path needs both excl and stateMu, it
// acquires excl first. The engine's completion notifier only ever takes
// stateMu, so this ordering cannot deadlock against it.
type Channel struct {
	name  string
	dir   Direction
	align int
	devno int

	engine hal.Engine
	pinner mem.Pinner

	// excl serializes open/close and every prepare/teardown. It is held
	// across hardware latency only during preparation, never during the
	// completion wait.
	excl  *semaphore.Weighted
	inUse bool // guarded by excl

	// accepting is cleared at the start of close so requests racing the
	// close fail fast.
	accepting atomic.Bool

	// stateMu guards state, flight, and aborted. It is the only lock
	// the completion notifier may take.
	stateMu sync.Mutex
	state   fsmState
	flight  *inflight
	aborted bool // close terminated the transfer out from under a waiter

	// wake carries the notifier's completion signal to the blocked
	// caller. Capacity 1; stale tokens are drained before each submit.
	wake chan struct{}

	// reacquire bounds the exclusive-lock reacquire after a wait.
	reacquire time.Duration

	// Statistics
	packetsSent atomic.Uint64
	packetsRcvd atomic.Uint64
}

// NewChannel creates a channel bound to the given engine. The alignment
// constrains request lengths to multiples of align bytes; zero selects
// DefaultAlignment. The pinner defaults to [mem.NewSystemPinner].
func NewChannel(name string, dir Direction, engine hal.Engine) (*Channel, error) {
	if name == "" || !dir.Valid() || engine == nil {
		return nil, pkg.ErrInvalidConfig
	}
	return &Channel{
		name:      name,
		dir:       dir,
		align:     DefaultAlignment,
		engine:    engine,
		pinner:    mem.NewSystemPinner(),
		excl:      semaphore.NewWeighted(1),
		wake:      make(chan struct{}, 1),
		reacquire: reacquireTimeout,
	}, nil
}

// SetAlignment sets the required transfer length alignment in bytes.
// It must be called before the channel is opened.
func (c *Channel) SetAlignment(align int) error {
	if align < 1 {
		return pkg.ErrInvalidConfig
	}
	c.align = align
	return nil
}

// SetPinner replaces the channel's page pinner. It must be called
// before the channel is opened.
func (c *Channel) SetPinner(p mem.Pinner) {
	if p != nil {
		c.pinner = p
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Direction returns the channel's configured transfer direction.
func (c *Channel) Direction() Direction { return c.dir }

// Alignment returns the required transfer length alignment in bytes.
func (c *Channel) Alignment() int { return c.align }

// DevNum returns the device number assigned by the registry, or 0 for a
// channel created outside a registry.
func (c *Channel) DevNum() int { return c.devno }

// Stats reports the channel's diagnostic packet counters.
func (c *Channel) Stats() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsRcvd.Load(),
	}
}

// Stats holds per-channel diagnostic counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
}

// Open acquires the channel for exclusive use. A second open while a
// handle is outstanding fails with pkg.ErrBusy. The context cancels a
// pending acquire.
func (c *Channel) Open(ctx context.Context) (*Handle, error) {
	if err := c.excl.Acquire(ctx, 1); err != nil {
		return nil, pkg.ErrInterrupted
	}
	defer c.excl.Release(1)

	if c.inUse {
		return nil, pkg.ErrBusy
	}
	c.inUse = true
	c.accepting.Store(true)

	pkg.LogDebug(pkg.ComponentChannel, "channel opened",
		"channel", c.name, "direction", c.dir.String())

	return &Handle{channel: c}, nil
}

// complete is the engine's completion callback. It runs on the notifier
// goroutine: no blocking, no allocation, state lock only.
func (c *Channel) complete() {
	c.stateMu.Lock()
	if c.state == stateInFlight {
		c.state = stateCompleting
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	// else: transfer already torn down, nothing to signal
	c.stateMu.Unlock()
}

// prepare pins buf, builds the scatter-gather table, maps it, and
// submits the transfer. Called with excl held and stateMu not held. On
// failure every partial resource is unwound and no transfer is left in
// flight.
func (c *Channel) prepare(buf []byte) error {
	c.stateMu.Lock()
	if c.flight != nil {
		// Single in-flight invariant violated; refuse rather than leak.
		c.stateMu.Unlock()
		pkg.LogError(pkg.ComponentTransfer, "transfer context already present",
			"channel", c.name)
		return pkg.ErrBusy
	}
	fl := &inflight{}
	c.flight = fl
	c.aborted = false
	c.stateMu.Unlock()

	pageSize := c.pinner.PageSize()
	offset := mem.BufferOffset(buf, pageSize)
	fl.numPages = mem.PageCount(offset, len(buf), pageSize)

	fl.segs = buildSegments(buf, offset, pageSize, fl.numPages)
	fl.tableBuilt = true

	pages, err := c.pinner.Pin(buf, c.dir == DeviceToHost)
	if err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "page pinning failed",
			"channel", c.name, "pages", fl.numPages, "error", err)
		return c.failPrepare(pkg.ErrNoMemory)
	}
	fl.pages = pages
	fl.pagesPinned = true
	if len(pages) != fl.numPages {
		pkg.LogWarn(pkg.ComponentTransfer, "pinned page count mismatch",
			"channel", c.name, "got", len(pages), "want", fl.numPages)
		return c.failPrepare(pkg.ErrNoMemory)
	}

	mapped, err := c.engine.Map(fl.segs, halDirection(c.dir))
	if err != nil || mapped != fl.numPages {
		pkg.LogWarn(pkg.ComponentTransfer, "segment mapping failed",
			"channel", c.name, "got", mapped, "want", fl.numPages, "error", err)
		if mapped == fl.numPages {
			// Fully mapped but errored; unwind the mapping too.
			fl.mapped = true
		}
		return c.failPrepare(pkg.ErrEngineRejected)
	}
	fl.mapped = true

	desc, err := c.engine.PrepareSG(fl.segs, halDirection(c.dir), c.complete)
	if err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "descriptor preparation failed",
			"channel", c.name, "error", err)
		return c.failPrepare(pkg.ErrEngineRejected)
	}

	c.stateMu.Lock()
	// Drain any stale completion token from a previous transfer.
	select {
	case <-c.wake:
	default:
	}
	c.state = stateInFlight
	if err := desc.Submit(); err != nil {
		c.state = stateIdle
		c.stateMu.Unlock()
		pkg.LogWarn(pkg.ComponentTransfer, "submission rejected",
			"channel", c.name, "error", err)
		return c.failPrepare(pkg.ErrEngineRejected)
	}
	fl.started = true
	c.engine.IssuePending()
	c.stateMu.Unlock()

	return nil
}

// failPrepare unwinds a partially prepared transfer and returns rv.
func (c *Channel) failPrepare(rv error) error {
	c.stateMu.Lock()
	if err := c.unprepareLocked(); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "teardown after failed prepare",
			"channel", c.name, "error", err)
	}
	c.stateMu.Unlock()
	return rv
}

// unprepareLocked unwinds whatever subset of preparation succeeded and
// returns the channel to Idle. It is idempotent: any subset of the
// progress flags may be set, and a second invocation is a no-op.
//
// Callers hold both excl and stateMu. Ordering matters: the engine must
// already be stopped (completed or terminated) before segments are
// unmapped and pages released, so the device cannot write into memory
// being unpinned.
func (c *Channel) unprepareLocked() error {
	c.state = stateIdle

	fl := c.flight
	if fl == nil {
		return nil
	}

	var errs error

	if fl.mapped {
		errs = multierr.Append(errs, c.engine.Unmap(fl.segs, halDirection(c.dir)))
		fl.mapped = false
	}

	if fl.pagesPinned {
		// The engine reports completion only, never a byte count, so a
		// started device-to-host transfer is assumed to have written
		// every pinned page.
		dirty := fl.started && c.dir == DeviceToHost
		for _, p := range fl.pages {
			p.Unpin(dirty)
		}
		fl.pagesPinned = false
	}

	if fl.tableBuilt {
		fl.segs = nil
		fl.tableBuilt = false
	}
	fl.pages = nil
	c.flight = nil

	return errs
}

// waitNotInFlight blocks until the notifier moves the state out of
// InFlight, or ctx is cancelled. A cancellation does not touch channel
// state; the caller must still honor the hardware before teardown.
func (c *Channel) waitNotInFlight(ctx context.Context) error {
	for {
		c.stateMu.Lock()
		inFlight := c.state == stateInFlight
		c.stateMu.Unlock()
		if !inFlight {
			return nil
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return pkg.ErrInterrupted
		}
	}
}

// request runs one blocking transfer of buf in the given direction.
func (c *Channel) request(ctx context.Context, buf []byte, op Direction) (int, error) {
	if op != c.dir {
		pkg.LogWarn(pkg.ComponentTransfer, "wrong direction for channel",
			"channel", c.name, "direction", c.dir.String())
		return 0, pkg.ErrWrongDirection
	}
	if len(buf)%c.align != 0 {
		pkg.LogWarn(pkg.ComponentTransfer, "unaligned transfer requested",
			"channel", c.name, "length", len(buf), "alignment", c.align)
		return 0, pkg.ErrUnaligned
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if err := c.excl.Acquire(ctx, 1); err != nil {
		return 0, pkg.ErrInterrupted
	}

	if !c.accepting.Load() {
		c.excl.Release(1)
		return 0, pkg.ErrClosing
	}

	if err := c.prepare(buf); err != nil {
		c.excl.Release(1)
		return 0, err
	}

	// Submitted. Drop the lock so close/cancel can run, then block
	// until the notifier signals or the caller is cancelled.
	c.excl.Release(1)
	waitErr := c.waitNotInFlight(ctx)

	// The caller's context may already be cancelled, so the reacquire
	// runs on its own bounded deadline as a liveness safety net.
	rctx, cancel := context.WithTimeout(context.Background(), c.reacquire)
	defer cancel()
	if err := c.excl.Acquire(rctx, 1); err != nil {
		pkg.LogError(pkg.ComponentTransfer, "lock reacquire stalled after wait, channel is likely broken",
			"channel", c.name, "timeout", c.reacquire)
		return 0, pkg.ErrStuck
	}
	defer c.excl.Release(1)

	var rv error
	c.stateMu.Lock()
	if c.state == stateInFlight && waitErr != nil {
		// Interrupted while hardware is still running: stop the engine
		// before any pinned page is released.
		if err := c.engine.TerminateAll(); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "engine termination failed",
				"channel", c.name, "error", err)
		}
		rv = pkg.ErrInterrupted
	} else if c.aborted {
		// Close terminated the transfer while we were waiting.
		rv = pkg.ErrInterrupted
	}
	if err := c.unprepareLocked(); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "transfer teardown",
			"channel", c.name, "error", err)
	}
	c.stateMu.Unlock()

	if rv != nil {
		return 0, rv
	}

	if c.dir == HostToDevice {
		c.packetsSent.Add(1)
	} else {
		c.packetsRcvd.Add(1)
	}
	return len(buf), nil
}

// close tears the channel down on behalf of its handle.
func (c *Channel) close() error {
	// Reject new requests immediately, even those racing this close.
	c.accepting.Store(false)

	// Wait out any requester still inside prepare or teardown before
	// touching the engine. A descriptor submitted after a terminate
	// would outlive the teardown below; holding excl rules that out,
	// since submission only happens under excl. A waiter blocked on
	// completion has already released excl and is unblocked below.
	// Background context: close does not abandon a wedged channel.
	_ = c.excl.Acquire(context.Background(), 1)
	defer c.excl.Release(1)

	// Stop the engine, then wake any waiter still in flight. The
	// waiter observes the abort once excl is returned and reports
	// pkg.ErrInterrupted.
	termErr := c.engine.TerminateAll()

	c.stateMu.Lock()
	if c.state == stateInFlight {
		c.aborted = true
		c.state = stateCompleting
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	tdErr := c.unprepareLocked()
	c.stateMu.Unlock()

	c.inUse = false

	pkg.LogDebug(pkg.ComponentChannel, "channel closed", "channel", c.name)

	return multierr.Append(termErr, tdErr)
}

// Handle is one opener's access to a channel. Read and write block for
// the whole transfer; an operation either moves the full requested
// length or reports failure with zero bytes delivered.
type Handle struct {
	channel *Channel
	closed  atomic.Bool
}

// Read transfers device data into buf on a device-to-host channel,
// blocking until the transfer completes or ctx is cancelled.
func (h *Handle) Read(ctx context.Context, buf []byte) (int, error) {
	if h.closed.Load() {
		return 0, pkg.ErrClosed
	}
	return h.channel.request(ctx, buf, DeviceToHost)
}

// Write transfers buf to the device on a host-to-device channel,
// blocking until the transfer completes or ctx is cancelled.
func (h *Handle) Write(ctx context.Context, buf []byte) (int, error) {
	if h.closed.Load() {
		return 0, pkg.ErrClosed
	}
	return h.channel.request(ctx, buf, HostToDevice)
}

// Close forcibly terminates any in-flight transfer, tears down its
// resources, and releases the channel for a subsequent open. Close is
// idempotent.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.channel.close()
}

// Channel returns the handle's channel.
func (h *Handle) Channel() *Channel { return h.channel }
