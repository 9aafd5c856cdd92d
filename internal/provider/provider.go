// Package provider defines the boundary to vendor capability providers: one
// opaque handle per physical instrument exposing property access, raw sample
// retrieval and run control.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupported is returned for properties or operations the
	// instrument does not offer in its current mode.
	ErrUnsupported = errors.New("provider: unsupported")
	// ErrClosed is returned by every call on a closed handle.
	ErrClosed = errors.New("provider: handle closed")
)

// Kind describes the value domain of a property.
type Kind int

const (
	Number Kind = iota
	Text
	Bool
	Choice
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Text:
		return "text"
	case Bool:
		return "bool"
	case Choice:
		return "choice"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "number":
		*k = Number
	case "text":
		*k = Text
	case "bool":
		*k = Bool
	case "choice":
		*k = Choice
	default:
		return fmt.Errorf("unknown property kind %q", b)
	}
	return nil
}

// Property describes one named setting of a device or channel.
type Property struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Unit     string   `json:"unit,omitempty"`
	Options  []string `json:"options,omitempty"`
	ReadOnly bool     `json:"readOnly,omitempty"`
}

// Handle is an open connection to one instrument. Channel numbers are
// 1-based; channel 0 addresses device-level properties.
type Handle interface {
	Channels() int
	Properties(channel int) []Property
	Property(channel int, name string) (string, error)
	SetProperty(channel int, name, value string) error
	ReadSamples(channel int) (t, v []float64, err error)
	Start() error
	Stop() error
	IsRunning() (bool, error)
	Close() error
}

// Opener opens a handle for the instrument with the given serial number.
type Opener interface {
	Open(ctx context.Context, serial string) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, serial string) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, serial string) (Handle, error) {
	return f(ctx, serial)
}

// Lookup returns the descriptor for name from props.
func Lookup(props []Property, name string) (Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
