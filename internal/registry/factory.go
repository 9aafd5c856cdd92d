package registry

import (
	"context"
	"fmt"

	"github.com/rjboer/labscope/internal/generator"
	"github.com/rjboer/labscope/internal/hotplug"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/provider"
	"github.com/rjboer/labscope/internal/scope"
)

// OpenerFor returns the provider opener for an instrument at addr.
type OpenerFor func(addr string) provider.Opener

// Hardware describes the roles a vendor's unit plays. A nil opener means
// the unit has no such role.
type Hardware struct {
	Vendor       string
	Oscilloscope OpenerFor
	Generator    OpenerFor
	Scope        scope.Config
}

// HardwareFactory opens the oscilloscope and generator halves of a unit.
func HardwareFactory(hw Hardware) Factory {
	return func(ctx context.Context, id hotplug.ShortID, addr string) ([]instrument.Device, error) {
		var out []instrument.Device
		release := func() {
			for _, d := range out {
				d.InitDeletion()
			}
		}
		if hw.Oscilloscope != nil {
			h, err := hw.Oscilloscope(addr).Open(ctx, id.Serial)
			if err != nil {
				return nil, fmt.Errorf("oscilloscope: %w", err)
			}
			devID := instrument.ID{Vendor: hw.Vendor, Name: id.Name, SerialNumber: id.Serial, Type: instrument.Osc}
			out = append(out, scope.NewHardware(devID, h, hw.Scope))
		}
		if hw.Generator != nil {
			h, err := hw.Generator(addr).Open(ctx, id.Serial)
			if err != nil {
				release()
				return nil, fmt.Errorf("generator: %w", err)
			}
			devID := instrument.ID{Vendor: hw.Vendor, Name: id.Name, SerialNumber: id.Serial, Type: instrument.Gen}
			out = append(out, generator.New(devID, h, hw.Scope.Logger))
		}
		return out, nil
	}
}

// MathFactory builds the Math oscilloscope drawing operands from r.
func MathFactory(r *Registry, cfg scope.Config) Factory {
	return func(context.Context, hotplug.ShortID, string) ([]instrument.Device, error) {
		return []instrument.Device{scope.NewMath(r, cfg)}, nil
	}
}

// AddMath registers the Math factory and adds the Math oscilloscope.
func (r *Registry) AddMath(ctx context.Context, cfg scope.Config) error {
	r.Register(hotplug.MSSwag, MathFactory(r, cfg))
	return r.OnAdd(ctx, hotplug.ShortID{Name: scope.MathID.Name, Serial: scope.MathID.SerialNumber}, hotplug.MSSwag)
}
