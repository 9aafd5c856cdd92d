package scope

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rjboer/labscope/internal/acquisition"
	"github.com/rjboer/labscope/internal/dsp"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// MathID identifies the Math oscilloscope.
var MathID = instrument.ID{Vendor: "MS-SWAG", Name: "MathOsc", SerialNumber: "123", Type: instrument.Osc}

// Math channel property names.
const (
	PropOperand1 = "operand1"
	PropOperand2 = "operand2"
	PropOperator = "operator"
	PropShift    = "shift"
)

// Oscilloscopes lists the oscilloscopes operands can be drawn from.
type Oscilloscopes interface {
	Oscilloscopes() []instrument.Oscilloscope
}

// Operand names a channel of an oscilloscope. The zero value is "none".
type Operand struct {
	Device  instrument.ID        `json:"device"`
	Channel instrument.ChannelID `json:"channel"`
}

// None reports whether o is unset.
func (o Operand) None() bool { return o == Operand{} }

// Label renders o the way operands are offered.
func (o Operand) Label() string {
	if o.None() {
		return instrument.Unavailable
	}
	return instrument.Label(o.Device, o.Channel)
}

// Math is a virtual oscilloscope whose channels compute a function of two
// other oscilloscope channels.
type Math struct {
	*instrument.Base
	source Oscilloscopes
	engine *acquisition.Engine
	log    logging.Logger

	// guarded by the device lock
	running bool
	deleted bool

	deleteOnce sync.Once
}

// NewMath builds the Math oscilloscope with one channel.
func NewMath(source Oscilloscopes, cfg Config) *Math {
	m := &Math{
		Base:   instrument.NewBase(MathID),
		source: source,
		log:    cfg.logger().With(logging.Field{Key: "subsystem", Value: "math"}),
	}
	m.engine = acquisition.New(m, acquisition.Config{Interval: cfg.Interval, Window: cfg.Window, Logger: cfg.Logger})
	m.AppendChannel(m.newChannel(1))
	return m
}

func (m *Math) newChannel(no int) *MathChannel {
	return &MathChannel{
		ChannelBase: instrument.NewChannelBase(instrument.ChannelID{Name: ChannelName, Number: no}, m.DeviceLock()),
		dev:         m,
		operator:    OpAdd,
	}
}

// MathChannels returns the channels with their concrete type.
func (m *Math) MathChannels() []*MathChannel {
	chs := m.Channels()
	out := make([]*MathChannel, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.(*MathChannel))
	}
	return out
}

func (m *Math) Run(ctx context.Context) { m.engine.Run(ctx) }

func (m *Math) Retrieve(dismiss bool) instrument.Snapshot { return m.engine.Retrieve(dismiss) }

func (m *Math) SetStoppedHandler(fn func(instrument.ID)) {
	if fn == nil {
		m.engine.SetStoppedHandler(nil)
		return
	}
	m.engine.SetStoppedHandler(func() { fn(MathID) })
}

func (m *Math) IsRunning() bool {
	m.DeviceLock().Lock()
	defer m.DeviceLock().Unlock()
	return m.running
}

func (m *Math) Start() bool {
	chs := m.MathChannels()
	return m.engine.Start(func() bool {
		m.DeviceLock().Lock()
		defer m.DeviceLock().Unlock()
		if m.deleted || m.running {
			return false
		}
		for _, ch := range chs {
			if ch.EnabledLocked() {
				m.running = true
				return true
			}
		}
		return false
	})
}

func (m *Math) Stop() bool {
	return m.engine.Stop(func() bool {
		m.DeviceLock().Lock()
		defer m.DeviceLock().Unlock()
		if !m.running {
			return false
		}
		m.running = false
		return true
	})
}

// InitDeletion fires every channel's deletion callbacks, drops the
// channels' own operand registrations and ends the loop.
func (m *Math) InitDeletion() {
	m.deleteOnce.Do(func() {
		chs := m.MathChannels()
		for _, ch := range chs {
			ch.Fire()
		}
		for _, ch := range chs {
			ch.clearOperands()
		}
		m.engine.Close()

		m.DeviceLock().Lock()
		m.deleted = true
		m.running = false
		m.DeviceLock().Unlock()
	})
}

func (m *Math) Properties() []provider.Property { return nil }

func (m *Math) Property(string) string { return instrument.Unavailable }

func (m *Math) SetProperty(string, string) bool { return false }

// AddChannel appends a channel numbered one past the current last.
func (m *Math) AddChannel() (instrument.Channel, error) {
	m.DeviceLock().Lock()
	defer m.DeviceLock().Unlock()
	ch := m.newChannel(m.ChannelCount() + 1)
	m.AppendChannel(ch)
	return ch, nil
}

// RemoveChannel drops the last channel and fires its deletion callbacks.
// It fails while running or when only one channel is left.
func (m *Math) RemoveChannel() (instrument.Channel, error) {
	m.DeviceLock().Lock()
	if m.running {
		m.DeviceLock().Unlock()
		return nil, ErrRunning
	}
	removed, ok := m.RemoveLastChannel()
	m.DeviceLock().Unlock()
	if !ok {
		return nil, ErrLastChannel
	}
	ch := removed.(*MathChannel)
	ch.Fire()
	ch.clearOperands()
	return ch, nil
}

// EnabledChannels implements acquisition.Source.
func (m *Math) EnabledChannels() []int {
	chs := m.MathChannels()
	m.DeviceLock().Lock()
	defer m.DeviceLock().Unlock()
	var out []int
	for _, ch := range chs {
		if ch.EnabledLocked() {
			out = append(out, ch.ID().Number)
		}
	}
	return out
}

// Acquiring implements acquisition.Source.
func (m *Math) Acquiring() bool {
	m.DeviceLock().Lock()
	defer m.DeviceLock().Unlock()
	return m.running && !m.deleted
}

// Sample implements acquisition.Source.
func (m *Math) Sample(no int) ([]float64, []float64, error) {
	ch, ok := m.Channel(no)
	if !ok {
		return nil, nil, instrument.ErrNoData
	}
	return ch.(*MathChannel).Retrieve()
}

func (m *Math) lookup(op Operand) (instrument.Oscilloscope, instrument.OscChannel, bool) {
	if op.None() || m.source == nil {
		return nil, nil, false
	}
	for _, osc := range m.source.Oscilloscopes() {
		if osc.ID() != op.Device {
			continue
		}
		ch, ok := osc.Channel(op.Channel.Number)
		if !ok || ch.ID() != op.Channel {
			return nil, nil, false
		}
		oc, ok := ch.(instrument.OscChannel)
		return osc, oc, ok
	}
	return nil, nil, false
}

// MathChannel computes operator(operand1, operand2 shifted by shift).
type MathChannel struct {
	*instrument.ChannelBase
	instrument.Observers
	dev *Math

	// serialises operand rebinding with its callback bookkeeping
	bind sync.Mutex

	// guarded by the device lock
	operands [2]Operand
	operator Operator
	shift    float64
}

func (c *MathChannel) key() instrument.OwnerKey {
	return instrument.OwnerKey{Device: c.dev.ID(), Channel: c.ID()}
}

func (c *MathChannel) SetEnabled(on bool) bool {
	c.DeviceLock().Lock()
	c.SetEnabledLocked(on)
	c.DeviceLock().Unlock()
	return true
}

// OperandsAvailable maps the label of every channel of every oscilloscope,
// except this channel itself, to its operand. "-" maps to none.
func (c *MathChannel) OperandsAvailable() map[string]Operand {
	out := map[string]Operand{instrument.Unavailable: {}}
	if c.dev.source == nil {
		return out
	}
	self := c.key()
	for _, osc := range c.dev.source.Oscilloscopes() {
		for _, ch := range osc.Channels() {
			op := Operand{Device: osc.ID(), Channel: ch.ID()}
			if op.Device == self.Device && op.Channel == self.Channel {
				continue
			}
			out[op.Label()] = op
		}
	}
	return out
}

// Operand returns the label bound to slot 1 or 2, "-" when none.
func (c *MathChannel) Operand(slot int) string {
	if slot < 1 || slot > 2 {
		return instrument.Unavailable
	}
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.operands[slot-1].Label()
}

// SetOperand binds slot 1 or 2 to the operand labelled label. A channel
// holds one callback per operand channel; it resets every slot still bound
// to that operand when the operand's device goes away.
func (c *MathChannel) SetOperand(slot int, label string) error {
	if slot < 1 || slot > 2 {
		return fmt.Errorf("slot %d: %w", slot, ErrUnknownOperand)
	}
	op, ok := c.OperandsAvailable()[label]
	if !ok {
		return fmt.Errorf("%q: %w", label, ErrUnknownOperand)
	}
	var target instrument.OscChannel
	if !op.None() {
		if _, target, ok = c.dev.lookup(op); !ok {
			return fmt.Errorf("%q: %w", label, ErrUnknownOperand)
		}
	}

	c.bind.Lock()
	defer c.bind.Unlock()

	c.DeviceLock().Lock()
	old := c.operands[slot-1]
	c.operands[slot-1] = op
	shared := c.operands[2-slot] == old
	c.DeviceLock().Unlock()

	if old != op && !shared {
		if _, oldCh, ok := c.dev.lookup(old); ok {
			oldCh.Unregister(c.key())
		}
	}
	if target == nil {
		return nil
	}
	target.RegisterOnRemoved(c.key(), func() { c.dropOperand(op) })

	// the device may have been removed, and its callbacks fired, after the
	// lookup above
	if _, now, ok := c.dev.lookup(op); !ok || now != target {
		target.Unregister(c.key())
		c.dropOperand(op)
	}
	return nil
}

// dropOperand clears every slot still holding op.
func (c *MathChannel) dropOperand(op Operand) {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	for i := range c.operands {
		if c.operands[i] == op {
			c.operands[i] = Operand{}
		}
	}
}

func (c *MathChannel) clearOperands() {
	c.bind.Lock()
	defer c.bind.Unlock()
	c.DeviceLock().Lock()
	ops := c.operands
	c.operands = [2]Operand{}
	c.DeviceLock().Unlock()
	for _, op := range ops {
		if _, ch, ok := c.dev.lookup(op); ok {
			ch.Unregister(c.key())
		}
	}
}

func (c *MathChannel) Operator() Operator {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.operator
}

// SetOperator accepts an operator name or symbol.
func (c *MathChannel) SetOperator(s string) error {
	op, err := ParseOperator(s)
	if err != nil {
		return err
	}
	c.DeviceLock().Lock()
	c.operator = op
	c.DeviceLock().Unlock()
	return nil
}

// Shift is the offset in seconds added to operand 2's time axis.
func (c *MathChannel) Shift() float64 {
	c.DeviceLock().Lock()
	defer c.DeviceLock().Unlock()
	return c.shift
}

func (c *MathChannel) SetShift(seconds float64) {
	c.DeviceLock().Lock()
	c.shift = seconds
	c.DeviceLock().Unlock()
}

// Retrieve computes the channel's trace from the operands' latest
// snapshots. instrument.ErrNoData reports a missing operand or trace.
func (c *MathChannel) Retrieve() ([]float64, []float64, error) {
	c.DeviceLock().Lock()
	ops := c.operands
	op := c.operator
	shift := c.shift
	c.DeviceLock().Unlock()

	if ops[0].None() || ops[1].None() {
		return nil, nil, instrument.ErrNoData
	}
	a, ok := c.operandTrace(ops[0])
	if !ok {
		return nil, nil, instrument.ErrNoData
	}
	b, ok := c.operandTrace(ops[1])
	if !ok {
		return nil, nil, instrument.ErrNoData
	}
	return Combine(a, b, shift, op)
}

func (c *MathChannel) operandTrace(op Operand) (instrument.Trace, bool) {
	osc, _, ok := c.dev.lookup(op)
	if !ok {
		return instrument.Trace{}, false
	}
	tr, ok := osc.Retrieve(false).Points[op.Channel.Number]
	return tr, ok
}

// Combine shifts b's time axis, resamples both traces onto the union of
// their time axes (0 outside each trace's own domain) and applies op.
func Combine(a, b instrument.Trace, shift float64, op Operator) ([]float64, []float64, error) {
	tb := dsp.Shift(b.Time, shift)
	t := dsp.Union(a.Time, tb)
	va, err := dsp.Interp(t, a.Time, a.Volts)
	if err != nil {
		return nil, nil, fmt.Errorf("operand 1: %w", err)
	}
	vb, err := dsp.Interp(t, tb, b.Volts)
	if err != nil {
		return nil, nil, fmt.Errorf("operand 2: %w", err)
	}
	return t, op.Apply(va, vb), nil
}

// Properties exposes the operand bindings, operator and shift so they can
// be driven like any other channel setting.
func (c *MathChannel) Properties() []provider.Property {
	labels := make([]string, 0)
	for label := range c.OperandsAvailable() {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	ops := make([]string, 0, len(Operators()))
	for _, o := range Operators() {
		ops = append(ops, string(o))
	}
	return []provider.Property{
		{Name: provider.Enabled, Kind: provider.Bool},
		{Name: PropOperand1, Kind: provider.Choice, Options: labels},
		{Name: PropOperand2, Kind: provider.Choice, Options: labels},
		{Name: PropOperator, Kind: provider.Choice, Options: ops},
		{Name: PropShift, Kind: provider.Number, Unit: "s"},
	}
}

func (c *MathChannel) Property(name string) string {
	switch name {
	case provider.Enabled:
		return strconv.FormatBool(c.Enabled())
	case PropOperand1:
		return c.Operand(1)
	case PropOperand2:
		return c.Operand(2)
	case PropOperator:
		return string(c.Operator())
	case PropShift:
		return strconv.FormatFloat(c.Shift(), 'g', -1, 64)
	}
	return instrument.Unavailable
}

func (c *MathChannel) SetProperty(name, value string) bool {
	switch name {
	case provider.Enabled:
		on, ok := parseBool(value)
		return ok && c.SetEnabled(on)
	case PropOperand1:
		return c.SetOperand(1, value) == nil
	case PropOperand2:
		return c.SetOperand(2, value) == nil
	case PropOperator:
		return c.SetOperator(value) == nil
	case PropShift:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		c.SetShift(f)
		return true
	}
	return false
}
