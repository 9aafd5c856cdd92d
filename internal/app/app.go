// Package app wires hotplug sources, the device registry, selection, the
// live feed and the web API into one running application.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/labscope/internal/dispatch"
	"github.com/rjboer/labscope/internal/dsp"
	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/export"
	"github.com/rjboer/labscope/internal/hotplug"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
	"github.com/rjboer/labscope/internal/provider/mock"
	"github.com/rjboer/labscope/internal/provider/scpi"
	"github.com/rjboer/labscope/internal/registry"
	"github.com/rjboer/labscope/internal/scope"
	"github.com/rjboer/labscope/internal/storage"
	"github.com/rjboer/labscope/internal/telemetry"
)

// Simulated is an instrument backed by provider/mock.
type Simulated struct {
	Vendor   string `yaml:"vendor"`
	Name     string `yaml:"name"`
	Serial   string `yaml:"serial"`
	Channels int    `yaml:"channels"`
}

// Endpoint is a LAN instrument spoken to over raw SCPI.
type Endpoint struct {
	Addr    string `yaml:"addr"`
	Dialect string `yaml:"dialect"`
	Name    string `yaml:"name"`
	Serial  string `yaml:"serial"`
}

// Discovery configures the mDNS browser.
type Discovery struct {
	Enabled  bool
	Services []string
	Interval time.Duration
}

// Config captures application level configuration.
type Config struct {
	WebAddr      string
	Interval     time.Duration
	Window       dsp.Window
	Feed         telemetry.Config
	ExportDir    string
	RecorderPath string
	Simulated    []Simulated
	Endpoints    []Endpoint
	SSH          *scpi.SSHConfig
	Discovery    Discovery
	USB          bool
	// Stdout logs a summary of every frame at debug level.
	Stdout bool
}

// App owns the running components.
type App struct {
	cfg Config
	log logging.Logger

	Registry *registry.Registry
	Selector *dispatch.Selector
	Hub      *telemetry.Hub
	Feed     *telemetry.Feed
	Exporter *export.Exporter
	Web      *telemetry.WebServer

	recorder *recording
	dialer   *scpi.SSHDialer
	sources  hotplug.Source

	closeOnce sync.Once
	closeErr  error
}

// New builds the application without starting anything.
func New(cfg Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{cfg: cfg, log: logger.With(logging.Field{Key: "subsystem", Value: "app"})}

	a.Hub = telemetry.NewHub(cfg.Feed.HistoryLimit, logger)
	if _, err := a.Hub.SetConfig(cfg.Feed); err != nil {
		return nil, fmt.Errorf("feed config: %w", err)
	}

	if cfg.RecorderPath != "" {
		a.recorder = newRecording(storage.New(cfg.RecorderPath, logger), logger)
	}
	var sel *dispatch.Selector
	watch := events.PublisherFunc(func(ev events.Event) {
		if sel != nil {
			sel.Watch().Publish(ev)
		}
	})
	a.Registry = registry.New(registry.Config{
		Publisher: events.Multi(a.Hub, a.recorder.publisher(), watch),
		OnStopped: func(id instrument.ID) {
			if sel != nil {
				sel.Stopped(id)
			}
		},
		Logger: logger,
	})
	sel = dispatch.New(a.Registry, events.Multi(a.Hub, a.recorder.publisher()), logger)
	a.Selector = sel

	if err := a.registerVendors(logger); err != nil {
		a.Registry.Close()
		return nil, err
	}

	reporters := telemetry.MultiReporter{a.Hub}
	if cfg.Stdout {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger))
	}
	if a.recorder != nil {
		reporters = append(reporters, a.recorder)
	}
	a.Feed = telemetry.NewFeed(a.Registry, reporters, a.Hub, logger)

	a.Exporter = export.New(cfg.ExportDir, logger)
	a.Web = telemetry.NewWebServer(cfg.WebAddr, a.Hub, telemetry.Options{
		Registry: a.Registry,
		Selector: a.Selector,
		Exporter: a.Exporter,
		Logger:   logger,
	})
	a.sources = a.hotplugSources(logger)
	return a, nil
}

func (a *App) scopeConfig(logger logging.Logger) scope.Config {
	return scope.Config{Interval: a.cfg.Interval, Window: a.cfg.Window, Logger: logger}
}

// registerVendors installs a factory per vendor: SCPI for the dialect
// vendors, the simulator for every vendor named by a simulated instrument.
func (a *App) registerVendors(logger logging.Logger) error {
	sc := a.scopeConfig(logger)
	var dialer scpi.Dialer
	if a.cfg.SSH != nil && a.cfg.SSH.Host != "" {
		d, err := scpi.NewSSHDialer(*a.cfg.SSH)
		if err != nil {
			return fmt.Errorf("ssh jump host: %w", err)
		}
		a.dialer = d
		dialer = d
	}
	for _, dialect := range []scpi.Dialect{scpi.Keysight, scpi.Tektronix} {
		name, _ := hotplug.NormalizeVendor(dialect.Name)
		hw := registry.Hardware{Vendor: name, Scope: sc}
		open := scpiOpener(dialect, dialer, logger)
		if dialect.Oscilloscope() {
			hw.Oscilloscope = open
		} else {
			hw.Generator = open
		}
		a.Registry.Register(name, registry.HardwareFactory(hw))
	}

	simulated := map[string]int{}
	for _, s := range a.cfg.Simulated {
		vendor, ok := hotplug.NormalizeVendor(s.Vendor)
		if !ok || vendor == hotplug.MSSwag {
			return fmt.Errorf("simulated instrument %s %s: %w", s.Vendor, s.Name, registry.ErrUnknownVendor)
		}
		simulated[vendor] = max(simulated[vendor], s.Channels)
	}
	for vendor, channels := range simulated {
		a.log.Info("simulating vendor", logging.Field{Key: "vendor", Value: vendor})
		a.Registry.Register(vendor, registry.HardwareFactory(registry.Hardware{
			Vendor:       vendor,
			Oscilloscope: mockOpener(mock.Config{Role: mock.Oscilloscope, Channels: channels}),
			Generator:    mockOpener(mock.Config{Role: mock.Generator}),
			Scope:        sc,
		}))
	}
	return nil
}

func scpiOpener(dialect scpi.Dialect, dialer scpi.Dialer, logger logging.Logger) registry.OpenerFor {
	return func(addr string) provider.Opener {
		return scpi.Opener{Addr: addr, Dialect: dialect, Dialer: dialer, Logger: logger}
	}
}

func mockOpener(cfg mock.Config) registry.OpenerFor {
	return func(string) provider.Opener { return mock.Opener{Config: cfg} }
}

func (a *App) hotplugSources(logger logging.Logger) hotplug.Source {
	var static hotplug.Static
	for _, s := range a.cfg.Simulated {
		vendor, _ := hotplug.NormalizeVendor(s.Vendor)
		static.Events = append(static.Events, hotplug.Event{Vendor: vendor, ID: hotplug.ShortID{Name: s.Name, Serial: s.Serial}})
	}
	for _, e := range a.cfg.Endpoints {
		dialect, _ := scpi.DialectFor(e.Dialect)
		vendor, _ := hotplug.NormalizeVendor(dialect.Name)
		static.Events = append(static.Events, hotplug.Event{Vendor: vendor, ID: hotplug.ShortID{Name: e.Name, Serial: e.Serial}, Addr: e.Addr})
	}
	sources := []hotplug.Source{static}
	if a.cfg.Discovery.Enabled {
		sources = append(sources, &hotplug.Browser{Services: a.cfg.Discovery.Services, Interval: a.cfg.Discovery.Interval, Logger: logger})
	}
	if a.cfg.USB {
		sources = append(sources, &hotplug.UEvent{Logger: logger})
	}
	return hotplug.Merge(logger, sources...)
}

// Validate checks the instrument lists before anything is opened.
func (c Config) Validate() error {
	for _, e := range c.Endpoints {
		if _, ok := scpi.DialectFor(e.Dialect); !ok {
			return fmt.Errorf("endpoint %s: unknown dialect %q", e.Addr, e.Dialect)
		}
		if e.Addr == "" || e.Name == "" || e.Serial == "" {
			return fmt.Errorf("endpoint %q: addr, name and serial are required", e.Addr)
		}
	}
	for _, s := range c.Simulated {
		if s.Name == "" || s.Serial == "" {
			return fmt.Errorf("simulated %s instrument: name and serial are required", s.Vendor)
		}
	}
	return nil
}

// Run adds the Math oscilloscope, starts the hotplug sources, the feed and
// the web server, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Registry.AddMath(ctx, a.scopeConfig(a.log)); err != nil {
		return fmt.Errorf("add math oscilloscope: %w", err)
	}

	var wg sync.WaitGroup
	hot := make(chan hotplug.Event, 16)
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := a.sources.Run(ctx, hot); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("hotplug stopped", logging.Field{Key: "error", Value: err})
		}
	}()
	go func() {
		defer wg.Done()
		a.Registry.Run(ctx, hot)
	}()
	go func() {
		defer wg.Done()
		a.Feed.Run(ctx)
	}()
	if a.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.recorder.run(ctx)
		}()
	}

	var webErr error
	if a.cfg.WebAddr != "" {
		webErr = a.Web.Start(ctx)
		if webErr != nil {
			cancel()
		}
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	a.Selector.Wait()
	return errors.Join(webErr, a.Close())
}

// Close tears the devices down and releases the recorder and the jump host.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.Registry.Close()
		var errs []error
		if a.recorder != nil {
			errs = append(errs, a.recorder.close())
		}
		if a.dialer != nil {
			errs = append(errs, a.dialer.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
