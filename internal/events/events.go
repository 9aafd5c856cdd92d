// Package events defines the notifications the core publishes to its
// front ends.
package events

import (
	"sync"

	"github.com/rjboer/labscope/internal/instrument"
)

// Kind names a notification.
type Kind string

const (
	DeviceListChanged   Kind = "deviceListChanged"
	ChannelListChanged  Kind = "channelListChanged"
	SelectionChanged    Kind = "selectionChanged"
	RunningStateChanged Kind = "runningStateChanged"
	PropertyChanged     Kind = "propertyChanged"
)

// Action qualifies list changes.
type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
)

// Event is one notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind     Kind                  `json:"kind"`
	Action   Action                `json:"action,omitempty"`
	Device   instrument.ID         `json:"device"`
	Channel  *instrument.ChannelID `json:"channel,omitempty"`
	Slot     string                `json:"slot,omitempty"`
	Property string                `json:"property,omitempty"`
	Value    string                `json:"value,omitempty"`
	Running  *bool                 `json:"running,omitempty"`
}

// Publisher receives notifications. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Multi fans an event out to several publishers.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ev Event) {
		for _, p := range pubs {
			if p != nil {
				p.Publish(ev)
			}
		}
	})
}

// Recorder keeps every published event. It is used by tests and by the
// web API's recent event listing.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events; zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Running returns a pointer to on, for Event.Running.
func Running(on bool) *bool { return &on }

// ChannelRef returns a pointer to id, for Event.Channel.
func ChannelRef(id instrument.ChannelID) *instrument.ChannelID { return &id }
