package telemetry

import (
	"context"
	"time"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// Oscilloscopes lists the devices the feed polls.
type Oscilloscopes interface {
	Oscilloscopes() []instrument.Oscilloscope
}

// Settings supplies the current feed configuration.
type Settings interface {
	ConfigSnapshot() Config
}

type axes struct {
	norm, fft Axis
}

// Feed polls every oscilloscope, consumes new snapshots and reports them
// as frames with smoothed axes.
type Feed struct {
	source   Oscilloscopes
	out      Reporter
	settings Settings
	log      logging.Logger

	axes map[instrument.ID]*axes // owned by the polling goroutine
	now  func() time.Time
}

// NewFeed builds a feed reporting to out. settings may be nil for the
// defaults.
func NewFeed(source Oscilloscopes, out Reporter, settings Settings, logger logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Default()
	}
	return &Feed{
		source:   source,
		out:      out,
		settings: settings,
		log:      logger.With(logging.Field{Key: "subsystem", Value: "feed"}),
		axes:     make(map[instrument.ID]*axes),
		now:      time.Now,
	}
}

func (f *Feed) config() Config {
	if f.settings == nil {
		return DefaultConfig()
	}
	return f.settings.ConfigSnapshot()
}

// Poll runs one pass and returns the number of frames reported.
func (f *Feed) Poll() int {
	cfg := f.config()
	oscs := f.source.Oscilloscopes()
	seen := make(map[instrument.ID]bool, len(oscs))
	n := 0
	for _, osc := range oscs {
		id := osc.ID()
		seen[id] = true
		snap := osc.Retrieve(true)
		if !snap.IsNew || len(snap.Points) == 0 {
			continue
		}
		ax, ok := f.axes[id]
		if !ok {
			ax = &axes{}
			f.axes[id] = ax
		}
		ax.norm.Tolerance = cfg.AxisTolerance
		ax.fft.Tolerance = cfg.AxisTolerance

		f.out.Report(Frame{
			Timestamp: f.now(),
			Device:    id,
			Slug:      id.Slug(),
			Channels:  snap.Points,
			NormAxis:  ax.norm.Update(snap.Norm),
			FFTAxis:   ax.fft.Update(snap.FFT),
		})
		n++
	}
	for id := range f.axes {
		if !seen[id] {
			delete(f.axes, id)
		}
	}
	return n
}

// Run polls until ctx is cancelled, following interval changes.
func (f *Feed) Run(ctx context.Context) {
	interval := f.config().FeedInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f.log.Info("feed started", logging.Field{Key: "interval", Value: interval.String()})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Poll()
			if next := f.config().FeedInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				f.log.Debug("feed interval changed", logging.Field{Key: "interval", Value: interval.String()})
			}
		}
	}
}
