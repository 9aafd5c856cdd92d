// Package acquisition runs the background loop that pulls frames from an
// oscilloscope, computes their spectra and publishes snapshots.
package acquisition

import (
	"context"
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/labscope/internal/dsp"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// DefaultInterval is the minimum spacing between two iterations.
const DefaultInterval = time.Millisecond

// Source is the oscilloscope side of the loop. Every method is called with
// the run-guard held and takes the device lock itself.
type Source interface {
	// EnabledChannels lists the channel numbers to read this iteration.
	EnabledChannels() []int
	// Acquiring reports whether frames should be pulled.
	Acquiring() bool
	// Sample reads one channel. instrument.ErrNoData skips the channel;
	// any other error abandons the iteration.
	Sample(channel int) (t, v []float64, err error)
}

// Config tunes an Engine.
type Config struct {
	Interval time.Duration
	Window   dsp.Window
	Logger   logging.Logger
}

// Engine owns the run-guard, the condition variable the loop parks on while
// stopped, and the published snapshot.
type Engine struct {
	source   Source
	interval time.Duration
	analyzer *dsp.Analyzer
	log      logging.Logger

	guard sync.Mutex
	wake  *sync.Cond
	alive bool
	// set by a successful Stop until the loop parks
	requested bool

	handlerMu sync.Mutex
	onStopped func()

	dataMu sync.RWMutex
	snap   instrument.Snapshot
}

// New builds an engine for src. The loop starts with Run.
func New(src Source, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window == "" {
		cfg.Window = dsp.WindowNone
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	e := &Engine{
		source:   src,
		interval: cfg.Interval,
		analyzer: dsp.NewAnalyzer(0, cfg.Window),
		log:      cfg.Logger.With(logging.Field{Key: "subsystem", Value: "acquisition"}),
		alive:    true,
	}
	e.wake = sync.NewCond(&e.guard)
	return e
}

// SetStoppedHandler installs fn, called when the source stops acquiring by
// itself, before the loop parks. Stops made through Stop are not reported.
func (e *Engine) SetStoppedHandler(fn func()) {
	e.handlerMu.Lock()
	e.onStopped = fn
	e.handlerMu.Unlock()
}

// Start runs begin under the run-guard and wakes the loop when it succeeds.
func (e *Engine) Start(begin func() bool) bool {
	e.guard.Lock()
	defer e.guard.Unlock()
	if !begin() {
		return false
	}
	e.requested = false
	e.wake.Broadcast()
	return true
}

// Stop runs end under the run-guard, so it waits for an iteration in
// progress to finish.
func (e *Engine) Stop(end func() bool) bool {
	e.guard.Lock()
	defer e.guard.Unlock()
	if !end() {
		return false
	}
	e.requested = true
	return true
}

// Close makes Run return. It is safe to call more than once.
func (e *Engine) Close() {
	e.guard.Lock()
	e.alive = false
	e.wake.Broadcast()
	e.guard.Unlock()
}

// Alive reports whether the loop has not been closed.
func (e *Engine) Alive() bool {
	e.guard.Lock()
	defer e.guard.Unlock()
	return e.alive
}

// Retrieve returns the latest snapshot. With dismiss set the stored
// snapshot is marked as consumed.
func (e *Engine) Retrieve(dismiss bool) instrument.Snapshot {
	if !dismiss {
		e.dataMu.RLock()
		defer e.dataMu.RUnlock()
		return e.snap
	}
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	s := e.snap
	e.snap.IsNew = false
	return s
}

// Run drives the loop until Close or ctx cancellation.
func (e *Engine) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, e.Close)
	defer stop()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	acquired := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.guard.Lock()
		if !e.alive {
			e.guard.Unlock()
			return
		}
		if e.source.Acquiring() {
			acquired = true
			e.iterate()
			e.guard.Unlock()
			continue
		}
		halted := acquired && !e.requested
		acquired, e.requested = false, false
		e.guard.Unlock()

		if halted {
			e.notifyStopped()
		}

		e.guard.Lock()
		for e.alive && !e.source.Acquiring() {
			e.wake.Wait()
		}
		alive := e.alive
		e.guard.Unlock()
		if !alive {
			return
		}
	}
}

func (e *Engine) notifyStopped() {
	e.handlerMu.Lock()
	fn := e.onStopped
	e.handlerMu.Unlock()
	if fn != nil {
		fn()
	}
}

// iterate reads every enabled channel and publishes a snapshot when at
// least one trace was produced. The caller holds the run-guard.
func (e *Engine) iterate() {
	channels := e.source.EnabledChannels()
	if len(channels) == 0 {
		return
	}

	points := make(map[int]instrument.Trace, len(channels))
	var norm, fft bounds
	for _, no := range channels {
		t, v, err := e.source.Sample(no)
		if errors.Is(err, instrument.ErrNoData) {
			continue
		}
		if err != nil {
			e.log.Debug("iteration abandoned", logging.Field{Key: "channel", Value: no}, logging.Field{Key: "error", Value: err})
			return
		}
		if len(t) == 0 || len(t) != len(v) {
			continue
		}
		freq, mag := e.analyzer.Spectrum(t, v)
		points[no] = instrument.Trace{Time: t, Volts: v, Freq: freq, Mag: mag}
		norm.add(t, v)
		fft.add(freq, mag)
	}
	if len(points) == 0 {
		return
	}

	e.dataMu.Lock()
	e.snap = instrument.Snapshot{IsNew: true, Points: points, Norm: norm.Limits, FFT: fft.Limits}
	e.dataMu.Unlock()
}

type bounds struct {
	instrument.Limits
	set bool
}

func (b *bounds) add(x, y []float64) {
	if len(x) == 0 || len(y) == 0 {
		return
	}
	l := instrument.Limits{XMin: floats.Min(x), XMax: floats.Max(x), YMin: floats.Min(y), YMax: floats.Max(y)}
	if !b.set {
		b.Limits, b.set = l, true
		return
	}
	b.Limits = b.Limits.Union(l)
}
