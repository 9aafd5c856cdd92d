// Package hotplug reports instruments appearing and disappearing on USB and
// on the local network.
package hotplug

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rjboer/labscope/internal/logging"
)

// Action is what happened to an instrument.
type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
)

// ShortID identifies a physical unit within its vendor.
type ShortID struct {
	Name   string `json:"name" yaml:"name"`
	Serial string `json:"serial" yaml:"serial"`
}

// Event reports one instrument. Addr is the transport address for LAN
// instruments and the sysfs path for USB ones.
type Event struct {
	Action Action  `json:"action"`
	Vendor string  `json:"vendor"`
	ID     ShortID `json:"id"`
	Addr   string  `json:"addr,omitempty"`
}

// Source emits events until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Canonical vendor names.
const (
	Tiepie    = "Tiepie"
	Keysight  = "Keysight"
	Hantek    = "Hantek"
	Tektronix = "Tektronix"
	MSSwag    = "MS-SWAG"
)

// NormalizeVendor maps manufacturer strings and USB vendor IDs to a
// canonical vendor name.
func NormalizeVendor(s string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return "", false
	case strings.Contains(v, "tiepie"), v == "0e36":
		return Tiepie, true
	case strings.Contains(v, "keysight"), strings.Contains(v, "agilent"), v == "2a8d", v == "0957":
		return Keysight, true
	case strings.Contains(v, "tektronix"), v == "0699":
		return Tektronix, true
	case strings.Contains(v, "hantek"), v == "04b5":
		return Hantek, true
	case v == "ms-swag":
		return MSSwag, true
	}
	return "", false
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Static reports a fixed list of instruments once and then waits.
type Static struct {
	Events []Event
}

func (s Static) Run(ctx context.Context, out chan<- Event) error {
	for _, ev := range s.Events {
		if ev.Action == "" {
			ev.Action = Add
		}
		if !send(ctx, out, ev) {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// Merge runs every source into one stream. A failing source is logged and
// does not stop the others.
func Merge(logger logging.Logger, sources ...Source) Source {
	if logger == nil {
		logger = logging.Default()
	}
	return merged{sources: sources, log: logger.With(logging.Field{Key: "subsystem", Value: "hotplug"})}
}

type merged struct {
	sources []Source
	log     logging.Logger
}

func (m merged) Run(ctx context.Context, out chan<- Event) error {
	var wg sync.WaitGroup
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("hotplug source stopped", logging.Field{Key: "error", Value: err})
			}
		}(src)
	}
	wg.Wait()
	return ctx.Err()
}
