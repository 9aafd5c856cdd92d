// Package instrument defines the uniform device and channel model shared by
// every oscilloscope and signal generator variant.
package instrument

import (
	"context"
	"errors"

	"github.com/rjboer/labscope/internal/provider"
)

// Unavailable is reported for a property that could not be read.
const Unavailable = "-"

// ErrNoData reports a channel without a usable trace this cycle.
var ErrNoData = errors.New("instrument: no data")

// PropertyAccess reads and writes named settings. Every call holds the
// device lock for its duration.
type PropertyAccess interface {
	Properties() []provider.Property
	Property(name string) string
	SetProperty(name, value string) bool
}

// Device is one physical or virtual instrument.
type Device interface {
	PropertyAccess
	ID() ID
	Channels() []Channel
	Channel(number int) (Channel, bool)
	IsRunning() bool
	Start() bool
	Stop() bool
	// InitDeletion fires the deletion callbacks of every channel and tears
	// the device down. Later calls are no-ops.
	InitDeletion()
}

// Channel is one input or output lane of a device.
type Channel interface {
	PropertyAccess
	ID() ChannelID
	Enabled() bool
	SetEnabled(on bool) bool
}

// OscChannel is an oscilloscope channel other channels may depend on.
type OscChannel interface {
	Channel
	RegisterOnRemoved(key OwnerKey, fn func())
	Unregister(key OwnerKey)
}

// Oscilloscope publishes acquisition snapshots.
type Oscilloscope interface {
	Device
	// Run drives the acquisition loop until the device is torn down or ctx
	// is cancelled.
	Run(ctx context.Context)
	Retrieve(dismiss bool) Snapshot
	SetStoppedHandler(fn func(ID))
}

// Generator is a signal generator.
type Generator interface {
	Device
}

// GenChannel is a generator output with a preview of its waveform.
type GenChannel interface {
	Channel
	Preview() (t, v []float64)
}

// ChannelEditor is a device whose channel list can grow and shrink.
type ChannelEditor interface {
	AddChannel() (Channel, error)
	RemoveChannel() (Channel, error)
}
