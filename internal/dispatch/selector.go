// Package dispatch holds the current selection of oscilloscope, generator
// and their channels, and runs control requests against them off the
// caller's goroutine.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

var (
	ErrNoSelection = errors.New("dispatch: nothing selected")
	ErrNotFound    = errors.New("dispatch: device not found")
	ErrWrongKind   = errors.New("dispatch: device has the wrong type")
	ErrNotEditable = errors.New("dispatch: device channels cannot be added or removed")
)

// Kind selects the oscilloscope or the generator side.
type Kind string

const (
	Osc Kind = "osc"
	Gen Kind = "gen"
)

// ParseKind accepts "osc" and "gen".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Osc, Gen:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

func (k Kind) deviceType() instrument.DeviceType {
	if k == Gen {
		return instrument.Gen
	}
	return instrument.Osc
}

// Devices resolves device IDs.
type Devices interface {
	Lookup(id instrument.ID) (instrument.Device, bool)
}

type slot[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

func (s *slot[T]) get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.set
}

func (s *slot[T]) put(v T) {
	s.mu.Lock()
	s.v, s.set = v, true
	s.mu.Unlock()
}

func (s *slot[T]) clear() {
	var zero T
	s.mu.Lock()
	s.v, s.set = zero, false
	s.mu.Unlock()
}

// Selection reports what is selected.
type Selection struct {
	Osc        *instrument.ID        `json:"osc,omitempty"`
	Gen        *instrument.ID        `json:"gen,omitempty"`
	OscChannel *instrument.ChannelID `json:"oscChannel,omitempty"`
	GenChannel *instrument.ChannelID `json:"genChannel,omitempty"`
}

// Selector owns the four selection slots.
type Selector struct {
	devices Devices
	pub     events.Publisher
	log     logging.Logger

	osc, gen     slot[instrument.Device]
	oscCh, genCh slot[instrument.Channel]

	// serialises channel enable toggles so the last-channel check and the
	// stop it triggers see no concurrent enable
	toggle sync.Mutex

	inflight sync.WaitGroup
}

// New returns a Selector resolving IDs through devices.
func New(devices Devices, pub events.Publisher, logger logging.Logger) *Selector {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Selector{
		devices: devices,
		pub:     pub,
		log:     logger.With(logging.Field{Key: "subsystem", Value: "dispatch"}),
	}
}

func (s *Selector) devSlot(k Kind) *slot[instrument.Device] {
	if k == Gen {
		return &s.gen
	}
	return &s.osc
}

func (s *Selector) chSlot(k Kind) *slot[instrument.Channel] {
	if k == Gen {
		return &s.genCh
	}
	return &s.oscCh
}

// Select makes id the selected device of kind k and selects its first
// channel.
func (s *Selector) Select(k Kind, id instrument.ID) error {
	d, ok := s.devices.Lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if d.ID().Type != k.deviceType() {
		return fmt.Errorf("%s: %w", id, ErrWrongKind)
	}
	s.devSlot(k).put(d)
	s.pub.Publish(events.Event{Kind: events.SelectionChanged, Slot: string(k), Device: id})

	if chs := d.Channels(); len(chs) > 0 {
		s.chSlot(k).put(chs[0])
		s.pub.Publish(events.Event{Kind: events.SelectionChanged, Slot: string(k) + "Channel", Device: id, Channel: events.ChannelRef(chs[0].ID())})
	} else {
		s.chSlot(k).clear()
	}
	return nil
}

// SelectChannel selects channel number of the selected device of kind k.
func (s *Selector) SelectChannel(k Kind, number int) error {
	d, ok := s.devSlot(k).get()
	if !ok {
		return ErrNoSelection
	}
	ch, ok := d.Channel(number)
	if !ok {
		return fmt.Errorf("channel %d of %s: %w", number, d.ID(), ErrNotFound)
	}
	s.chSlot(k).put(ch)
	s.pub.Publish(events.Event{Kind: events.SelectionChanged, Slot: string(k) + "Channel", Device: d.ID(), Channel: events.ChannelRef(ch.ID())})
	return nil
}

// Selection returns the current selection.
func (s *Selector) Selection() Selection {
	var sel Selection
	if d, ok := s.osc.get(); ok {
		id := d.ID()
		sel.Osc = &id
	}
	if d, ok := s.gen.get(); ok {
		id := d.ID()
		sel.Gen = &id
	}
	if ch, ok := s.oscCh.get(); ok {
		sel.OscChannel = events.ChannelRef(ch.ID())
	}
	if ch, ok := s.genCh.get(); ok {
		sel.GenChannel = events.ChannelRef(ch.ID())
	}
	return sel
}

// Access runs fn with the selected device of kind k on a new goroutine.
// It reports false when nothing is selected.
func (s *Selector) Access(k Kind, fn func(instrument.Device)) bool {
	d, ok := s.devSlot(k).get()
	if !ok {
		return false
	}
	s.spawn(func() { fn(d) })
	return true
}

// AccessChannel runs fn with the selected device and channel of kind k on
// a new goroutine.
func (s *Selector) AccessChannel(k Kind, fn func(instrument.Device, instrument.Channel)) bool {
	d, ok := s.devSlot(k).get()
	if !ok {
		return false
	}
	ch, ok := s.chSlot(k).get()
	if !ok {
		return false
	}
	s.spawn(func() { fn(d, ch) })
	return true
}

// AccessOsc runs fn with the selected oscilloscope.
func (s *Selector) AccessOsc(fn func(instrument.Oscilloscope)) bool {
	return s.Access(Osc, func(d instrument.Device) {
		if osc, ok := d.(instrument.Oscilloscope); ok {
			fn(osc)
		}
	})
}

// AccessGen runs fn with the selected generator.
func (s *Selector) AccessGen(fn func(instrument.Generator)) bool {
	return s.Access(Gen, func(d instrument.Device) { fn(d) })
}

// AccessGenChannel runs fn with the selected generator output.
func (s *Selector) AccessGenChannel(fn func(instrument.GenChannel)) bool {
	return s.AccessChannel(Gen, func(_ instrument.Device, ch instrument.Channel) {
		if gc, ok := ch.(instrument.GenChannel); ok {
			fn(gc)
		}
	})
}

func (s *Selector) spawn(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

// Wait blocks until every access started so far has finished.
func (s *Selector) Wait() {
	s.inflight.Wait()
}

// DeviceRemoved clears every slot referring to id.
func (s *Selector) DeviceRemoved(id instrument.ID) {
	for _, k := range []Kind{Osc, Gen} {
		d, ok := s.devSlot(k).get()
		if !ok || d.ID() != id {
			continue
		}
		s.devSlot(k).clear()
		s.chSlot(k).clear()
		s.pub.Publish(events.Event{Kind: events.SelectionChanged, Slot: string(k), Action: events.Remove, Device: id})
	}
}

// Watch returns a publisher that reacts to registry removals.
func (s *Selector) Watch() events.Publisher {
	return events.PublisherFunc(func(ev events.Event) {
		if ev.Kind == events.DeviceListChanged && ev.Action == events.Remove {
			s.DeviceRemoved(ev.Device)
		}
	})
}

// Stopped is installed as every oscilloscope's stopped handler.
func (s *Selector) Stopped(id instrument.ID) {
	s.pub.Publish(events.Event{Kind: events.RunningStateChanged, Device: id, Running: events.Running(false)})
}
