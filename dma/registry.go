package dma

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softdma/dma/hal"
	"github.com/ardnew/softdma/pkg"
)

// ChannelConfig is one entry of the channel enumeration surface: a
// direction-named channel bound to a hardware engine channel of the
// same name.
type ChannelConfig struct {
	Name      string    // Hardware channel name, also the device name
	Direction Direction // Fixed transfer direction
	Alignment int       // Transfer length alignment; 0 selects DefaultAlignment
}

// Config enumerates the channels a registry creates at attach.
type Config struct {
	Channels []ChannelConfig

	// DevNumBase and DevNumCount size the device number pool. A zero
	// count selects DefaultDevNumCount.
	DevNumBase  int
	DevNumCount int
}

// EngineBinder resolves a configured channel name to a bound engine
// channel. It is the registry's only view of hardware discovery.
type EngineBinder func(name string) (hal.Engine, error)

// Registry creates and owns the channels of one attached device. An
// invalid or unbindable configuration entry aborts creation of that one
// channel without blocking its siblings.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string
	pool     *devNumPool
	closed   bool
}

// NewRegistry creates one channel per valid configuration entry. It
// fails only when the configuration names no channels at all or every
// entry is rejected.
func NewRegistry(cfg Config, bind EngineBinder) (*Registry, error) {
	if len(cfg.Channels) == 0 || bind == nil {
		pkg.LogError(pkg.ComponentRegistry, "no channels configured")
		return nil, pkg.ErrInvalidConfig
	}

	count := cfg.DevNumCount
	if count <= 0 {
		count = DefaultDevNumCount
	}

	r := &Registry{
		channels: make(map[string]*Channel, len(cfg.Channels)),
		pool:     newDevNumPool(cfg.DevNumBase, count),
	}

	for _, entry := range cfg.Channels {
		if err := r.addChannel(entry, bind); err != nil {
			pkg.LogWarn(pkg.ComponentRegistry, "skipping channel",
				"channel", entry.Name, "error", err)
		}
	}

	if len(r.channels) == 0 {
		return nil, pkg.ErrInvalidConfig
	}
	return r, nil
}

// addChannel validates one configuration entry, binds its engine, and
// registers the resulting channel.
func (r *Registry) addChannel(entry ChannelConfig, bind EngineBinder) error {
	if entry.Name == "" || !entry.Direction.Valid() || entry.Alignment < 0 {
		return pkg.ErrInvalidConfig
	}
	if _, exists := r.channels[entry.Name]; exists {
		return pkg.ErrBusy
	}

	engine, err := bind(entry.Name)
	if err != nil || engine == nil {
		if err == nil {
			err = pkg.ErrNoDevice
		}
		return err
	}

	devno, err := r.pool.allocate()
	if err != nil {
		engine.Release()
		return err
	}

	ch, err := NewChannel(entry.Name, entry.Direction, engine)
	if err != nil {
		r.pool.release(devno)
		engine.Release()
		return err
	}
	if entry.Alignment > 0 {
		if err := ch.SetAlignment(entry.Alignment); err != nil {
			r.pool.release(devno)
			engine.Release()
			return err
		}
	}
	ch.devno = devno

	r.channels[entry.Name] = ch
	r.order = append(r.order, entry.Name)

	pkg.LogInfo(pkg.ComponentRegistry, "channel available",
		"channel", entry.Name,
		"direction", entry.Direction.String(),
		"devnum", devno)
	return nil
}

// Channel returns the named channel, or nil if it does not exist.
func (r *Registry) Channel(name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// Channels returns the registry's channels in configuration order.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.channels[name])
	}
	return out
}

// Close tears down every channel: in-flight work is terminated, engines
// are released, and device numbers return to the pool. Close is
// idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs error
	for _, name := range r.order {
		ch := r.channels[name]

		pkg.LogDebug(pkg.ComponentRegistry, "tearing down channel",
			"channel", name)

		errs = multierr.Append(errs, ch.close())
		ch.engine.Release()
		r.pool.release(ch.devno)
		delete(r.channels, name)
	}
	r.order = nil
	return errs
}
