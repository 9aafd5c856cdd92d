// Package generator implements signal generators driven through a
// capability provider.
package generator

import (
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// ChannelName is the name every generator output carries.
const ChannelName = "Channel"

// Hardware is a signal generator behind a provider handle.
type Hardware struct {
	*instrument.Base
	handle provider.Handle
	log    logging.Logger

	// guarded by the device lock
	running bool
	deleted bool

	channels   []*Channel
	deleteOnce sync.Once
}

// New wraps an open handle.
func New(id instrument.ID, h provider.Handle, logger logging.Logger) *Hardware {
	if logger == nil {
		logger = logging.Default()
	}
	id.Type = instrument.Gen
	g := &Hardware{
		Base:   instrument.NewBase(id),
		handle: h,
		log:    logger.With(logging.Field{Key: "subsystem", Value: "generator"}, logging.Field{Key: "device", Value: id.String()}),
	}
	for no := 1; no <= h.Channels(); no++ {
		ch := &Channel{
			ChannelBase: instrument.NewChannelBase(instrument.ChannelID{Name: ChannelName, Number: no}, g.DeviceLock()),
			dev:         g,
		}
		g.DeviceLock().Lock()
		if v, err := h.Property(no, provider.Enabled); err == nil {
			if on, ok := parseBool(v); ok {
				ch.SetEnabledLocked(on)
			}
		}
		ch.refreshLocked()
		g.DeviceLock().Unlock()
		g.channels = append(g.channels, ch)
		g.AppendChannel(ch)
	}
	g.log.Info("generator ready", logging.Field{Key: "channels", Value: len(g.channels)})
	return g
}

func (g *Hardware) IsRunning() bool {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	return g.running
}

// Start switches the outputs on when at least one channel is enabled.
func (g *Hardware) Start() bool {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	if g.deleted || g.running {
		return false
	}
	enabled := false
	for _, ch := range g.channels {
		enabled = enabled || ch.EnabledLocked()
	}
	if !enabled {
		return false
	}
	if err := g.handle.Start(); err != nil {
		g.log.Debug("start rejected", logging.Field{Key: "error", Value: err})
		return false
	}
	g.running = true
	return true
}

func (g *Hardware) Stop() bool {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	if g.deleted || !g.running {
		return false
	}
	if err := g.handle.Stop(); err != nil {
		g.log.Debug("stop rejected", logging.Field{Key: "error", Value: err})
		return false
	}
	g.running = false
	return true
}

func (g *Hardware) InitDeletion() {
	g.deleteOnce.Do(func() {
		g.DeviceLock().Lock()
		defer g.DeviceLock().Unlock()
		g.deleted = true
		g.running = false
		if err := g.handle.Close(); err != nil {
			g.log.Debug("close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func (g *Hardware) Properties() []provider.Property {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	if g.deleted {
		return nil
	}
	return g.handle.Properties(0)
}

func (g *Hardware) Property(name string) string {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	return g.propertyLocked(0, name)
}

func (g *Hardware) SetProperty(name, value string) bool {
	g.DeviceLock().Lock()
	defer g.DeviceLock().Unlock()
	return g.setPropertyLocked(0, name, value)
}

func (g *Hardware) propertyLocked(channel int, name string) string {
	if g.deleted {
		return instrument.Unavailable
	}
	v, err := g.handle.Property(channel, name)
	if err != nil {
		g.log.Debug("property read failed", logging.Field{Key: "channel", Value: channel}, logging.Field{Key: "property", Value: name}, logging.Field{Key: "error", Value: err})
		return instrument.Unavailable
	}
	return v
}

func (g *Hardware) setPropertyLocked(channel int, name, value string) bool {
	if g.deleted {
		return false
	}
	if err := g.handle.SetProperty(channel, name, value); err != nil {
		g.log.Debug("property write failed", logging.Field{Key: "channel", Value: channel}, logging.Field{Key: "property", Value: name}, logging.Field{Key: "error", Value: err})
		return false
	}
	return true
}

// Channel is one output of a generator.
type Channel struct {
	*instrument.ChannelBase
	dev *Hardware

	previewMu sync.Mutex
	preview   previewVars
}

func (c *Channel) Properties() []provider.Property {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	if c.dev.deleted {
		return nil
	}
	return c.dev.handle.Properties(c.ID().Number)
}

func (c *Channel) Property(name string) string {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.dev.propertyLocked(c.ID().Number, name)
}

// SetProperty writes name and refreshes the preview on success.
func (c *Channel) SetProperty(name, value string) bool {
	if name == provider.Enabled {
		on, ok := parseBool(value)
		return ok && c.SetEnabled(on)
	}
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	if !c.dev.setPropertyLocked(c.ID().Number, name, value) {
		return false
	}
	c.refreshLocked()
	return true
}

func (c *Channel) SetEnabled(on bool) bool {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	if !c.dev.setPropertyLocked(c.ID().Number, provider.Enabled, strconv.FormatBool(on)) {
		return false
	}
	c.SetEnabledLocked(on)
	return true
}

// Preview returns one period of the configured waveform.
func (c *Channel) Preview() ([]float64, []float64) {
	c.previewMu.Lock()
	defer c.previewMu.Unlock()
	return c.preview.waveform()
}

// refreshLocked reloads the preview variables from the instrument. Values
// the instrument cannot report in its current mode keep their last value.
// The caller holds the device lock.
func (c *Channel) refreshLocked() {
	read := func(name string) (float64, bool) {
		if c.dev.deleted {
			return 0, false
		}
		v, err := c.dev.handle.Property(c.ID().Number, name)
		if err != nil {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	text := func(name string) string {
		if c.dev.deleted {
			return ""
		}
		v, err := c.dev.handle.Property(c.ID().Number, name)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}

	c.previewMu.Lock()
	defer c.previewMu.Unlock()
	p := &c.preview
	p.ensureDefaults()

	p.signal = signalFor(text(provider.SignalType))
	if v, ok := read(provider.Offset); ok {
		p.offset = v
	}
	if v, ok := read(provider.Amplitude); ok {
		p.amplitude = v
	}
	if v, ok := read(provider.Frequency); ok && v > 0 {
		p.period = 1 / v
	}
	if v, ok := read(provider.Phase); ok {
		p.phase = v
	}
	if v, ok := read(provider.Symmetry); ok {
		p.symmetry = v
	}
	if v, ok := read(provider.PulseWidth); ok && p.period > 0 {
		p.duty = v / p.period
	}
	if raw, ok := parseSamples(text(provider.ArbitraryData)); ok {
		p.setArbitrary(raw, text(provider.FrequencyMode) != "sample")
	}
	c.dev.log.Debug("preview refreshed",
		logging.Field{Key: "channel", Value: c.ID().Number},
		logging.Field{Key: "signal", Value: p.signal},
		logging.Field{Key: "frequency", Value: humanize.SIWithDigits(1/p.period, 3, "Hz")})
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return b, err == nil
}
