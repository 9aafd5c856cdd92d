package scope

import (
	"context"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/labscope/internal/acquisition"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// Hardware is an oscilloscope driven through a provider handle.
type Hardware struct {
	*instrument.Base
	handle provider.Handle
	engine *acquisition.Engine
	log    logging.Logger

	// guarded by the device lock
	running bool
	deleted bool

	channels   []*HardwareChannel
	deleteOnce sync.Once
}

// NewHardware wraps an open handle. The acquisition loop starts with Run.
func NewHardware(id instrument.ID, h provider.Handle, cfg Config) *Hardware {
	id.Type = instrument.Osc
	d := &Hardware{
		Base:   instrument.NewBase(id),
		handle: h,
		log:    cfg.logger().With(logging.Field{Key: "subsystem", Value: "scope"}, logging.Field{Key: "device", Value: id.String()}),
	}
	d.engine = acquisition.New(d, acquisition.Config{Interval: cfg.Interval, Window: cfg.Window, Logger: cfg.Logger})

	for no := 1; no <= h.Channels(); no++ {
		ch := &HardwareChannel{
			ChannelBase: instrument.NewChannelBase(instrument.ChannelID{Name: ChannelName, Number: no}, d.DeviceLock()),
			dev:         d,
		}
		if v, err := h.Property(no, provider.Enabled); err == nil {
			if on, ok := parseBool(v); ok {
				ch.SetEnabledLocked(on)
			}
		}
		d.channels = append(d.channels, ch)
		d.AppendChannel(ch)
	}
	if fs, err := h.Property(0, provider.SampleRate); err == nil {
		if f, err := strconv.ParseFloat(fs, 64); err == nil {
			d.log.Info("oscilloscope ready", logging.Field{Key: "channels", Value: len(d.channels)}, logging.Field{Key: "sampleRate", Value: humanize.SIWithDigits(f, 2, "Sa/s")})
		}
	}
	return d
}

func (d *Hardware) Run(ctx context.Context) { d.engine.Run(ctx) }

func (d *Hardware) Retrieve(dismiss bool) instrument.Snapshot { return d.engine.Retrieve(dismiss) }

func (d *Hardware) SetStoppedHandler(fn func(instrument.ID)) {
	if fn == nil {
		d.engine.SetStoppedHandler(nil)
		return
	}
	id := d.ID()
	d.engine.SetStoppedHandler(func() { fn(id) })
}

func (d *Hardware) IsRunning() bool {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	return d.running
}

// Start begins an acquisition when the device is stopped and at least one
// channel is enabled.
func (d *Hardware) Start() bool {
	return d.engine.Start(func() bool {
		d.DeviceLock().Lock()
		defer d.DeviceLock().Unlock()
		if d.deleted || d.running || !d.anyEnabledLocked() {
			return false
		}
		if err := d.handle.Start(); err != nil {
			d.log.Debug("start rejected", logging.Field{Key: "error", Value: err})
			return false
		}
		d.running = true
		return true
	})
}

func (d *Hardware) Stop() bool {
	return d.engine.Stop(func() bool {
		d.DeviceLock().Lock()
		defer d.DeviceLock().Unlock()
		if d.deleted || !d.running {
			return false
		}
		if err := d.handle.Stop(); err != nil {
			d.log.Debug("stop rejected", logging.Field{Key: "error", Value: err})
			return false
		}
		d.running = false
		return true
	})
}

// InitDeletion fires the deletion callbacks, ends the acquisition loop and
// closes the handle.
func (d *Hardware) InitDeletion() {
	d.deleteOnce.Do(func() {
		for _, ch := range d.channels {
			ch.Fire()
		}
		d.engine.Close()

		d.DeviceLock().Lock()
		defer d.DeviceLock().Unlock()
		d.deleted = true
		d.running = false
		if err := d.handle.Close(); err != nil {
			d.log.Debug("close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func (d *Hardware) Properties() []provider.Property {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	if d.deleted {
		return nil
	}
	return d.handle.Properties(0)
}

func (d *Hardware) Property(name string) string {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	return d.propertyLocked(0, name)
}

func (d *Hardware) SetProperty(name, value string) bool {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	return d.setPropertyLocked(0, name, value)
}

func (d *Hardware) propertyLocked(channel int, name string) string {
	if d.deleted {
		return instrument.Unavailable
	}
	v, err := d.handle.Property(channel, name)
	if err != nil {
		d.log.Debug("property read failed", logging.Field{Key: "channel", Value: channel}, logging.Field{Key: "property", Value: name}, logging.Field{Key: "error", Value: err})
		return instrument.Unavailable
	}
	return v
}

func (d *Hardware) setPropertyLocked(channel int, name, value string) bool {
	if d.deleted {
		return false
	}
	if err := d.handle.SetProperty(channel, name, value); err != nil {
		d.log.Debug("property write failed", logging.Field{Key: "channel", Value: channel}, logging.Field{Key: "property", Value: name}, logging.Field{Key: "error", Value: err})
		return false
	}
	return true
}

func (d *Hardware) anyEnabledLocked() bool {
	for _, ch := range d.channels {
		if ch.EnabledLocked() {
			return true
		}
	}
	return false
}

// EnabledChannels implements acquisition.Source.
func (d *Hardware) EnabledChannels() []int {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	var out []int
	for _, ch := range d.channels {
		if ch.EnabledLocked() {
			out = append(out, ch.ID().Number)
		}
	}
	return out
}

// Acquiring implements acquisition.Source. When the hardware halted on its
// own the local state flips to stopped and one more iteration is allowed to
// fetch the final block.
func (d *Hardware) Acquiring() bool {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	if d.deleted || !d.running {
		return false
	}
	hw, err := d.handle.IsRunning()
	if err != nil {
		d.log.Debug("run state query failed", logging.Field{Key: "error", Value: err})
		return true
	}
	if !hw {
		d.running = false
		d.log.Info("acquisition halted by instrument")
	}
	return true
}

// Sample implements acquisition.Source.
func (d *Hardware) Sample(no int) ([]float64, []float64, error) {
	d.DeviceLock().Lock()
	defer d.DeviceLock().Unlock()
	if d.deleted {
		return nil, nil, provider.ErrClosed
	}
	return d.handle.ReadSamples(no)
}

// HardwareChannel is one input of a Hardware oscilloscope.
type HardwareChannel struct {
	*instrument.ChannelBase
	instrument.Observers
	dev *Hardware
}

func (c *HardwareChannel) Properties() []provider.Property {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	if c.dev.deleted {
		return nil
	}
	return c.dev.handle.Properties(c.ID().Number)
}

func (c *HardwareChannel) Property(name string) string {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.dev.propertyLocked(c.ID().Number, name)
}

// SetProperty writes name on the channel. The enabled switch also updates
// the local flag.
func (c *HardwareChannel) SetProperty(name, value string) bool {
	if name == provider.Enabled {
		on, ok := parseBool(value)
		if !ok {
			return false
		}
		return c.SetEnabled(on)
	}
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.dev.setPropertyLocked(c.ID().Number, name, value)
}

func (c *HardwareChannel) SetEnabled(on bool) bool {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	if !c.dev.setPropertyLocked(c.ID().Number, provider.Enabled, strconv.FormatBool(on)) {
		return false
	}
	c.SetEnabledLocked(on)
	return true
}
