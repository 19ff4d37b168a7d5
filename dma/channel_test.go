package dma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/mem"
	"github.com/ardnew/softdma/pkg"
)

// fakePageSize keeps multi-page scenarios small.
const fakePageSize = 16

// fakePinner mints page handles without locking memory.
type fakePinner struct {
	mu     sync.Mutex
	pinErr error
	short  bool // return one handle fewer than required
	pages  []*mem.Page
}

func (f *fakePinner) PageSize() int { return fakePageSize }

func (f *fakePinner) Pin(buf []byte, writable bool) ([]*mem.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return nil, f.pinErr
	}
	offset := mem.BufferOffset(buf, fakePageSize)
	count := mem.PageCount(offset, len(buf), fakePageSize)
	if f.short && count > 0 {
		count--
	}
	pages := make([]*mem.Page, count)
	for i := range pages {
		pages[i] = mem.NewPage(uintptr(i*fakePageSize), writable)
	}
	f.pages = pages
	return pages, nil
}

// fakeDescriptor defers to its engine on submit.
type fakeDescriptor struct {
	engine *fakeEngine
}

func (d *fakeDescriptor) Submit() error {
	d.engine.record("submit")
	return d.engine.submitErr
}

// fakeEngine records the order of engine calls and optionally fires the
// completion callback when pending work is issued.
type fakeEngine struct {
	mu        sync.Mutex
	events    []string
	cb        hal.CompletionFunc
	mapErr    error
	mapShort  bool
	prepErr   error
	submitErr error

	// completeOnIssue fires the callback from a separate goroutine when
	// IssuePending runs, standing in for the notifier.
	completeOnIssue bool

	// prepEntered/prepResume, when set, let a test hold a request open
	// inside PrepareSG.
	prepEntered chan struct{}
	prepResume  chan struct{}
}

func (f *fakeEngine) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeEngine) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Map(segs []hal.Segment, dir hal.Direction) (int, error) {
	f.record("map")
	if f.mapErr != nil {
		return 0, f.mapErr
	}
	n := len(segs)
	if f.mapShort {
		n--
	}
	return n, nil
}

func (f *fakeEngine) Unmap(segs []hal.Segment, dir hal.Direction) error {
	f.record("unmap")
	return nil
}

func (f *fakeEngine) PrepareSG(segs []hal.Segment, dir hal.Direction, cb hal.CompletionFunc) (hal.Descriptor, error) {
	f.record("prepare")
	if f.prepEntered != nil {
		f.prepEntered <- struct{}{}
		<-f.prepResume
	}
	if f.prepErr != nil {
		return nil, f.prepErr
	}
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return &fakeDescriptor{engine: f}, nil
}

func (f *fakeEngine) IssuePending() {
	f.record("issue")
	if f.completeOnIssue {
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		go cb()
	}
}

func (f *fakeEngine) TerminateAll() error {
	f.record("terminate")
	return nil
}

func (f *fakeEngine) Release() {
	f.record("release")
}

func newTestChannel(t *testing.T, dir Direction, eng *fakeEngine, pin *fakePinner) *Channel {
	t.Helper()
	c, err := NewChannel("test0", dir, eng)
	if err != nil {
		t.Fatalf("NewChannel() error = %v", err)
	}
	c.SetPinner(pin)
	return c
}

// requireIdle verifies the channel returned to its resting state.
func requireIdle(t *testing.T, c *Channel) {
	t.Helper()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != stateIdle {
		t.Errorf("state = %v, want %v", c.state, stateIdle)
	}
	if c.flight != nil {
		t.Error("flight context still present after request returned")
	}
}

func requireAllReleased(t *testing.T, pages []*mem.Page, wantDirty bool) {
	t.Helper()
	for i, p := range pages {
		if !p.Released() {
			t.Errorf("page %d still pinned", i)
		}
		if p.Dirty() != wantDirty {
			t.Errorf("page %d dirty = %v, want %v", i, p.Dirty(), wantDirty)
		}
	}
}

func TestChannelWriteSuccess(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	buf := make([]byte, 4*fakePageSize)
	n, err := h.Write(context.Background(), buf)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("Write() = %d, want %d", n, len(buf))
	}

	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)

	if got := c.Stats().PacketsSent; got != 1 {
		t.Errorf("PacketsSent = %d, want 1", got)
	}

	want := []string{"map", "prepare", "submit", "issue", "unmap"}
	events := eng.Events()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestChannelReadMarksPagesDirty(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	pin := &fakePinner{}
	c := newTestChannel(t, DeviceToHost, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	buf := make([]byte, 2*fakePageSize)
	if _, err := h.Read(context.Background(), buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	for i, p := range pin.pages {
		if !p.Writable() {
			t.Errorf("page %d pinned read-only for a device-to-host transfer", i)
		}
	}
	requireAllReleased(t, pin.pages, true)

	if got := c.Stats().PacketsReceived; got != 1 {
		t.Errorf("PacketsReceived = %d, want 1", got)
	}
}

func TestChannelWrongDirection(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Read(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrWrongDirection) {
		t.Errorf("Read() on host-to-device channel error = %v, want %v", err, pkg.ErrWrongDirection)
	}
	if len(eng.Events()) != 0 {
		t.Errorf("engine touched on a rejected request: %v", eng.Events())
	}
}

func TestChannelAlignment(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})
	if err := c.SetAlignment(8); err != nil {
		t.Fatalf("SetAlignment() error = %v", err)
	}

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 10)); !errors.Is(err, pkg.ErrUnaligned) {
		t.Errorf("Write(10) with alignment 8 error = %v, want %v", err, pkg.ErrUnaligned)
	}

	if n, err := h.Write(context.Background(), make([]byte, 16)); err != nil || n != 16 {
		t.Errorf("Write(16) = %d, %v, want 16, nil", n, err)
	}
}

func TestChannelZeroLength(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	n, err := h.Write(context.Background(), nil)
	if n != 0 || err != nil {
		t.Errorf("Write(nil) = %d, %v, want 0, nil", n, err)
	}
	if len(eng.Events()) != 0 {
		t.Errorf("engine touched on a zero-length request: %v", eng.Events())
	}
}

func TestChannelDoubleOpen(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := c.Open(context.Background()); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second Open() error = %v, want %v", err, pkg.ErrBusy)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	h2, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() after Close() error = %v", err)
	}
	h2.Close()
}

func TestChannelClosedHandle(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if _, err := h.Write(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Write() on closed handle error = %v, want %v", err, pkg.ErrClosed)
	}
}

func TestChannelPinFailure(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	pin := &fakePinner{pinErr: errors.New("pin denied")}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("Write() error = %v, want %v", err, pkg.ErrNoMemory)
	}
	requireIdle(t, c)

	for _, ev := range eng.Events() {
		if ev == "map" || ev == "unmap" {
			t.Errorf("engine mapping touched after pin failure: %v", eng.Events())
		}
	}
}

func TestChannelShortPin(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	pin := &fakePinner{short: true}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 4*fakePageSize)); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("Write() error = %v, want %v", err, pkg.ErrNoMemory)
	}
	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)
}

func TestChannelMapFailure(t *testing.T) {
	eng := &fakeEngine{mapErr: errors.New("no bus address")}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrEngineRejected) {
		t.Errorf("Write() error = %v, want %v", err, pkg.ErrEngineRejected)
	}
	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)
}

func TestChannelPrepareFailure(t *testing.T) {
	eng := &fakeEngine{prepErr: errors.New("descriptor pool empty")}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrEngineRejected) {
		t.Errorf("Write() error = %v, want %v", err, pkg.ErrEngineRejected)
	}
	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)

	// The mapping succeeded, so the unwind must release it.
	events := eng.Events()
	if events[len(events)-1] != "unmap" {
		t.Errorf("events = %v, want trailing unmap", events)
	}
}

func TestChannelSubmitRejection(t *testing.T) {
	eng := &fakeEngine{submitErr: errors.New("queue full")}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Write(context.Background(), make([]byte, 8)); !errors.Is(err, pkg.ErrEngineRejected) {
		t.Errorf("Write() error = %v, want %v", err, pkg.ErrEngineRejected)
	}
	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)
}

func TestChannelCancellationOrder(t *testing.T) {
	// The engine never completes, so the caller's deadline interrupts
	// the wait and the channel must stop the engine before releasing
	// any page.
	eng := &fakeEngine{}
	pin := &fakePinner{}
	c := newTestChannel(t, DeviceToHost, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Read(ctx, make([]byte, 2*fakePageSize)); !errors.Is(err, pkg.ErrInterrupted) {
		t.Fatalf("Read() error = %v, want %v", err, pkg.ErrInterrupted)
	}

	requireIdle(t, c)
	// Started device-to-host transfers mark every page dirty even when
	// terminated early.
	requireAllReleased(t, pin.pages, true)

	events := eng.Events()
	term, unmap := -1, -1
	for i, ev := range events {
		switch ev {
		case "terminate":
			if term < 0 {
				term = i
			}
		case "unmap":
			unmap = i
		}
	}
	if term < 0 || unmap < 0 || term > unmap {
		t.Errorf("events = %v, want terminate strictly before unmap", events)
	}
}

func TestChannelCloseWhileInFlight(t *testing.T) {
	eng := &fakeEngine{}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Write(context.Background(), make([]byte, fakePageSize))
		errCh <- err
	}()

	// Let the writer reach its completion wait before closing.
	deadline := time.Now().Add(time.Second)
	for {
		c.stateMu.Lock()
		inFlight := c.state == stateInFlight
		c.stateMu.Unlock()
		if inFlight || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrInterrupted) {
			t.Errorf("Write() after close error = %v, want %v", err, pkg.ErrInterrupted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write() did not return after Close()")
	}

	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)

	// The channel is reusable after a forced teardown.
	h2, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() after forced close error = %v", err)
	}
	h2.Close()
}

func TestChannelCloseDuringPrepare(t *testing.T) {
	// A close racing a request that already passed its accepting check
	// must wait for the submission before terminating the engine;
	// otherwise the descriptor outlives the teardown and the waiter is
	// never woken.
	eng := &fakeEngine{
		prepEntered: make(chan struct{}),
		prepResume:  make(chan struct{}),
	}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := h.Write(context.Background(), make([]byte, fakePageSize))
		writeErr <- err
	}()

	// The writer is now parked inside PrepareSG with excl held.
	<-eng.prepEntered

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- h.Close()
	}()

	// Give the close a moment to reach its lock acquire, then let the
	// writer finish preparing and submit.
	time.Sleep(20 * time.Millisecond)
	close(eng.prepResume)

	select {
	case err := <-writeErr:
		if !errors.Is(err, pkg.ErrInterrupted) {
			t.Errorf("Write() error = %v, want %v", err, pkg.ErrInterrupted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write() did not return after Close()")
	}
	select {
	case err := <-closeErr:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}

	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)

	// The engine must not be terminated until the racing submission is
	// in, and nothing may be unmapped before the terminate.
	events := eng.Events()
	submit, term, unmap := -1, -1, -1
	for i, ev := range events {
		switch ev {
		case "submit":
			submit = i
		case "terminate":
			term = i
		case "unmap":
			unmap = i
		}
	}
	if submit < 0 || term < 0 || unmap < 0 || term < submit || unmap < term {
		t.Errorf("events = %v, want submit before terminate before unmap", events)
	}
}

func TestChannelRequestAfterClose(t *testing.T) {
	eng := &fakeEngine{completeOnIssue: true}
	c := newTestChannel(t, HostToDevice, eng, &fakePinner{})

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h.Close()

	// A request racing the close path sees the channel not accepting.
	if _, err := c.request(context.Background(), make([]byte, 8), HostToDevice); !errors.Is(err, pkg.ErrClosing) {
		t.Errorf("request() after close error = %v, want %v", err, pkg.ErrClosing)
	}
}

func TestChannelStuckReacquire(t *testing.T) {
	// The waiter drops the exclusive lock while blocked on completion.
	// If another holder refuses to give it back, the waiter escalates
	// after its reacquire bound instead of hanging forever.
	eng := &fakeEngine{}
	pin := &fakePinner{}
	c := newTestChannel(t, HostToDevice, eng, pin)
	c.reacquire = 50 * time.Millisecond

	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Write(context.Background(), make([]byte, 8))
		errCh <- err
	}()

	// Wait for the writer to submit and release the exclusive lock.
	deadline := time.Now().Add(time.Second)
	for {
		c.stateMu.Lock()
		inFlight := c.state == stateInFlight
		c.stateMu.Unlock()
		if inFlight || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Seize the lock out from under the waiter, then complete the
	// transfer so the waiter wakes into a reacquire it cannot win.
	if err := c.excl.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	eng.mu.Lock()
	cb := eng.cb
	eng.mu.Unlock()
	cb()

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrStuck) {
			t.Errorf("Write() error = %v, want %v", err, pkg.ErrStuck)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write() did not report a stalled reacquire")
	}

	// Returning the lock lets close finish the abandoned teardown.
	c.excl.Release(1)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	requireIdle(t, c)
	requireAllReleased(t, pin.pages, false)
}
