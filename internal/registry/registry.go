// Package registry keeps the list of connected instruments and builds or
// tears down devices as hotplug events arrive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/hotplug"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// ErrUnknownVendor is returned for events from vendors without a factory.
var ErrUnknownVendor = errors.New("registry: unknown vendor")

// Factory builds the devices of one physical unit. addr is the transport
// address reported by discovery, empty when unknown.
type Factory func(ctx context.Context, id hotplug.ShortID, addr string) ([]instrument.Device, error)

// Config wires a Registry.
type Config struct {
	Publisher events.Publisher
	// OnStopped is installed as every oscilloscope's stopped handler.
	OnStopped func(instrument.ID)
	Logger    logging.Logger
}

// Registry is the thread-safe device list. The list is replaced, never
// modified, so readers may keep the slice they got.
type Registry struct {
	mu      sync.RWMutex
	devices []instrument.Device

	factoryMu sync.RWMutex
	factories map[string]Factory

	pub       events.Publisher
	onStopped func(instrument.ID)
	log       logging.Logger

	loops  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factories: map[string]Factory{},
		pub:       cfg.Publisher,
		onStopped: cfg.OnStopped,
		log:       cfg.Logger.With(logging.Field{Key: "subsystem", Value: "registry"}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register maps vendor to f, replacing an earlier factory.
func (r *Registry) Register(vendor string, f Factory) {
	r.factoryMu.Lock()
	r.factories[vendor] = f
	r.factoryMu.Unlock()
}

// Vendors lists the vendors with a factory.
func (r *Registry) Vendors() []string {
	r.factoryMu.RLock()
	defer r.factoryMu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	return out
}

// OnAdd builds the devices of a newly attached unit.
func (r *Registry) OnAdd(ctx context.Context, id hotplug.ShortID, vendor string) error {
	return r.Add(ctx, hotplug.Event{Action: hotplug.Add, Vendor: vendor, ID: id})
}

// Add builds the devices for ev, skips ones already present, appends the
// rest and starts each oscilloscope's acquisition loop.
func (r *Registry) Add(ctx context.Context, ev hotplug.Event) error {
	vendor := canonical(ev.Vendor)
	r.factoryMu.RLock()
	f, ok := r.factories[vendor]
	r.factoryMu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", ev.Vendor, ErrUnknownVendor)
	}

	built, err := f(ctx, ev.ID, ev.Addr)
	if err != nil {
		return fmt.Errorf("open %s %s (%s): %w", vendor, ev.ID.Name, ev.ID.Serial, err)
	}

	var added []instrument.Device
	r.mu.Lock()
	next := append([]instrument.Device(nil), r.devices...)
	for _, d := range built {
		if indexOf(next, d.ID()) >= 0 {
			r.log.Debug("device already registered", logging.Field{Key: "device", Value: d.ID().String()})
			continue
		}
		next = append(next, d)
		added = append(added, d)
	}
	r.devices = next
	r.mu.Unlock()

	// duplicates were never published, release their handles
	for _, d := range built {
		if !contains(added, d) {
			d.InitDeletion()
		}
	}

	for _, d := range added {
		if osc, ok := d.(instrument.Oscilloscope); ok {
			if r.onStopped != nil {
				osc.SetStoppedHandler(r.onStopped)
			}
			r.loops.Add(1)
			go func() {
				defer r.loops.Done()
				osc.Run(r.ctx)
			}()
		}
		r.log.Info("device added", logging.Field{Key: "device", Value: d.ID().String()}, logging.Field{Key: "type", Value: string(d.ID().Type)})
		r.pub.Publish(events.Event{Kind: events.DeviceListChanged, Action: events.Add, Device: d.ID()})
	}
	return nil
}

// OnRemove tears down every device of the unit (name, serial) from vendor.
func (r *Registry) OnRemove(id hotplug.ShortID, vendor string) {
	vendor = canonical(vendor)
	var removed []instrument.Device
	r.mu.Lock()
	next := make([]instrument.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.ID().Matches(vendor, id.Name, id.Serial) {
			removed = append(removed, d)
			continue
		}
		next = append(next, d)
	}
	r.devices = next
	r.mu.Unlock()

	for _, d := range removed {
		d.InitDeletion()
		r.log.Info("device removed", logging.Field{Key: "device", Value: d.ID().String()})
		r.pub.Publish(events.Event{Kind: events.DeviceListChanged, Action: events.Remove, Device: d.ID()})
	}
}

// Run consumes hotplug events until ctx ends or in is closed.
func (r *Registry) Run(ctx context.Context, in <-chan hotplug.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			switch ev.Action {
			case hotplug.Add:
				if err := r.Add(ctx, ev); err != nil {
					r.log.Warn("device add failed", logging.Field{Key: "vendor", Value: ev.Vendor}, logging.Field{Key: "serial", Value: ev.ID.Serial}, logging.Field{Key: "error", Value: err})
				}
			case hotplug.Remove:
				r.OnRemove(ev.ID, ev.Vendor)
			}
		}
	}
}

// Close tears every device down and waits for the acquisition loops.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.devices
	r.devices = nil
	r.mu.Unlock()

	for _, d := range all {
		d.InitDeletion()
	}
	r.cancel()
	r.loops.Wait()
}

// Devices returns the current list in insertion order.
func (r *Registry) Devices() []instrument.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices
}

// Oscilloscopes returns the oscilloscopes in insertion order.
func (r *Registry) Oscilloscopes() []instrument.Oscilloscope {
	var out []instrument.Oscilloscope
	for _, d := range r.Devices() {
		if osc, ok := d.(instrument.Oscilloscope); ok {
			out = append(out, osc)
		}
	}
	return out
}

// Generators returns the generators in insertion order.
func (r *Registry) Generators() []instrument.Generator {
	var out []instrument.Generator
	for _, d := range r.Devices() {
		if d.ID().Type != instrument.Gen {
			continue
		}
		if g, ok := d.(instrument.Generator); ok {
			out = append(out, g)
		}
	}
	return out
}

// Lookup finds a device by ID.
func (r *Registry) Lookup(id instrument.ID) (instrument.Device, bool) {
	devs := r.Devices()
	if i := indexOf(devs, id); i >= 0 {
		return devs[i], true
	}
	return nil, false
}

// LookupSlug finds a device by its URL slug.
func (r *Registry) LookupSlug(slug string) (instrument.Device, bool) {
	for _, d := range r.Devices() {
		if d.ID().Slug() == slug {
			return d, true
		}
	}
	return nil, false
}

func indexOf(devs []instrument.Device, id instrument.ID) int {
	for i, d := range devs {
		if d.ID() == id {
			return i
		}
	}
	return -1
}

func contains(devs []instrument.Device, d instrument.Device) bool {
	for _, x := range devs {
		if x == d {
			return true
		}
	}
	return false
}

func canonical(vendor string) string {
	if v, ok := hotplug.NormalizeVendor(vendor); ok {
		return v
	}
	return vendor
}
