package dispatch

import (
	"math"
	"strconv"
	"strings"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// PropertyValue is a property descriptor with its current value.
type PropertyValue struct {
	provider.Property
	Value string `json:"value"`
}

// Start starts the selected device of kind k. The outcome arrives on the
// returned channel.
func (s *Selector) Start(k Kind) (<-chan bool, error) {
	return s.run(k, func(d instrument.Device) bool {
		if !d.Start() {
			return false
		}
		s.pub.Publish(events.Event{Kind: events.RunningStateChanged, Device: d.ID(), Running: events.Running(true)})
		return true
	})
}

// Stop stops the selected device of kind k.
func (s *Selector) Stop(k Kind) (<-chan bool, error) {
	return s.run(k, func(d instrument.Device) bool {
		if !d.Stop() {
			return false
		}
		s.pub.Publish(events.Event{Kind: events.RunningStateChanged, Device: d.ID(), Running: events.Running(false)})
		return true
	})
}

func (s *Selector) run(k Kind, fn func(instrument.Device) bool) (<-chan bool, error) {
	out := make(chan bool, 1)
	if !s.Access(k, func(d instrument.Device) { out <- fn(d) }) {
		return nil, ErrNoSelection
	}
	return out, nil
}

func (s *Selector) runChannel(k Kind, fn func(instrument.Device, instrument.Channel) bool) (<-chan bool, error) {
	out := make(chan bool, 1)
	if !s.AccessChannel(k, func(d instrument.Device, ch instrument.Channel) { out <- fn(d, ch) }) {
		return nil, ErrNoSelection
	}
	return out, nil
}

// Properties reads every property of the selected device.
func (s *Selector) Properties(k Kind) (<-chan []PropertyValue, error) {
	out := make(chan []PropertyValue, 1)
	if !s.Access(k, func(d instrument.Device) { out <- readAll(d) }) {
		return nil, ErrNoSelection
	}
	return out, nil
}

// ChannelProperties reads every property of the selected channel.
func (s *Selector) ChannelProperties(k Kind) (<-chan []PropertyValue, error) {
	out := make(chan []PropertyValue, 1)
	if !s.AccessChannel(k, func(_ instrument.Device, ch instrument.Channel) { out <- readAll(ch) }) {
		return nil, ErrNoSelection
	}
	return out, nil
}

func readAll(pa instrument.PropertyAccess) []PropertyValue {
	props := pa.Properties()
	out := make([]PropertyValue, 0, len(props))
	for _, p := range props {
		out = append(out, PropertyValue{Property: p, Value: pa.Property(p.Name)})
	}
	return out
}

// SetProperty validates and writes a device property. Rejected input is
// answered by publishing the value the device still holds.
func (s *Selector) SetProperty(k Kind, name, value string) (<-chan bool, error) {
	return s.run(k, func(d instrument.Device) bool {
		return s.write(d.ID(), nil, d, name, value)
	})
}

// SetChannelProperty validates and writes a property of the selected
// channel. The enabled switch goes through SetChannelEnabled.
func (s *Selector) SetChannelProperty(k Kind, name, value string) (<-chan bool, error) {
	if name == provider.Enabled {
		on, ok := parseBool(value)
		if !ok {
			return s.runChannel(k, func(d instrument.Device, ch instrument.Channel) bool {
				s.publishValue(d.ID(), ch, name, strconv.FormatBool(ch.Enabled()))
				return false
			})
		}
		return s.SetChannelEnabled(k, on)
	}
	return s.runChannel(k, func(d instrument.Device, ch instrument.Channel) bool {
		return s.write(d.ID(), ch, ch, name, value)
	})
}

// SetChannelEnabled switches the selected channel. Disabling the last
// enabled channel of a running device stops it.
func (s *Selector) SetChannelEnabled(k Kind, on bool) (<-chan bool, error) {
	return s.runChannel(k, func(d instrument.Device, ch instrument.Channel) bool {
		s.toggle.Lock()
		defer s.toggle.Unlock()
		ok := ch.SetEnabled(on)
		s.publishValue(d.ID(), ch, provider.Enabled, strconv.FormatBool(ch.Enabled()))
		if !ok || on || !d.IsRunning() {
			return ok
		}
		for _, c := range d.Channels() {
			if c.Enabled() {
				return true
			}
		}
		if d.Stop() {
			s.log.Info("last channel disabled, device stopped", logging.Field{Key: "device", Value: d.ID().String()})
			s.pub.Publish(events.Event{Kind: events.RunningStateChanged, Device: d.ID(), Running: events.Running(false)})
		}
		return true
	})
}

func (s *Selector) write(id instrument.ID, ch instrument.Channel, pa instrument.PropertyAccess, name, value string) bool {
	p, ok := provider.Lookup(pa.Properties(), name)
	if !ok {
		s.log.Debug("unknown property", logging.Field{Key: "property", Value: name})
		return false
	}
	v, valid := Validate(p, value)
	if valid {
		valid = pa.SetProperty(name, v)
	} else {
		s.log.Debug("input rejected", logging.Field{Key: "property", Value: name}, logging.Field{Key: "value", Value: value})
	}
	s.publishValue(id, ch, name, pa.Property(name))
	return valid
}

func (s *Selector) publishValue(id instrument.ID, ch instrument.Channel, name, value string) {
	ev := events.Event{Kind: events.PropertyChanged, Device: id, Property: name, Value: value}
	if ch != nil {
		ev.Channel = events.ChannelRef(ch.ID())
	}
	s.pub.Publish(ev)
}

// Validate checks value against p and returns it in canonical form.
func Validate(p provider.Property, value string) (string, bool) {
	if p.ReadOnly {
		return "", false
	}
	value = strings.TrimSpace(value)
	switch p.Kind {
	case provider.Number:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", false
		}
		return value, true
	case provider.Bool:
		b, ok := parseBool(value)
		return strconv.FormatBool(b), ok
	case provider.Choice:
		for _, opt := range p.Options {
			if strings.EqualFold(opt, value) {
				return opt, true
			}
		}
		return "", false
	}
	return value, true
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
