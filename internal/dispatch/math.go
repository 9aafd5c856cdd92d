package dispatch

import (
	"slices"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/scope"
)

// AddChannel appends a channel to the selected oscilloscope when it
// supports it.
func (s *Selector) AddChannel() (<-chan error, error) {
	out := make(chan error, 1)
	ok := s.Access(Osc, func(d instrument.Device) {
		ed, ok := d.(instrument.ChannelEditor)
		if !ok {
			out <- ErrNotEditable
			return
		}
		ch, err := ed.AddChannel()
		if err == nil {
			s.pub.Publish(events.Event{Kind: events.ChannelListChanged, Action: events.Add, Device: d.ID(), Channel: events.ChannelRef(ch.ID())})
		}
		out <- err
	})
	if !ok {
		return nil, ErrNoSelection
	}
	return out, nil
}

// RemoveChannel drops the last channel of the selected oscilloscope. When
// the removed channel was selected the selection falls back to the
// previous number, else to the first channel.
func (s *Selector) RemoveChannel() (<-chan error, error) {
	out := make(chan error, 1)
	ok := s.Access(Osc, func(d instrument.Device) {
		ed, ok := d.(instrument.ChannelEditor)
		if !ok {
			out <- ErrNotEditable
			return
		}
		removed, err := ed.RemoveChannel()
		if err != nil {
			out <- err
			return
		}
		s.pub.Publish(events.Event{Kind: events.ChannelListChanged, Action: events.Remove, Device: d.ID(), Channel: events.ChannelRef(removed.ID())})

		if cur, ok := s.oscCh.get(); ok && cur == removed {
			fallback, ok := d.Channel(removed.ID().Number - 1)
			if !ok {
				if chs := d.Channels(); len(chs) > 0 {
					fallback, ok = chs[0], true
				}
			}
			if ok {
				s.oscCh.put(fallback)
				s.pub.Publish(events.Event{Kind: events.SelectionChanged, Slot: string(Osc) + "Channel", Device: d.ID(), Channel: events.ChannelRef(fallback.ID())})
			}
		}
		out <- nil
	})
	if !ok {
		return nil, ErrNoSelection
	}
	return out, nil
}

// Operands lists the operand labels the selected Math channel accepts.
func (s *Selector) Operands() (<-chan []string, error) {
	out := make(chan []string, 1)
	ok := s.AccessChannel(Osc, func(_ instrument.Device, ch instrument.Channel) {
		mc, ok := ch.(*scope.MathChannel)
		if !ok {
			out <- nil
			return
		}
		labels := make([]string, 0)
		for label := range mc.OperandsAvailable() {
			labels = append(labels, label)
		}
		slices.Sort(labels)
		out <- labels
	})
	if !ok {
		return nil, ErrNoSelection
	}
	return out, nil
}
