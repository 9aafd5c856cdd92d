package app

import (
	"context"
	"time"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/storage"
	"github.com/rjboer/labscope/internal/telemetry"
)

// recording feeds frames into the session database from one goroutine.
// A session ends when its device stops or goes away.
type recording struct {
	store *storage.Recorder
	log   logging.Logger
	jobs  chan job
}

type job struct {
	frame *telemetry.Frame
	end   instrument.ID
	at    time.Time
}

func newRecording(store *storage.Recorder, logger logging.Logger) *recording {
	return &recording{
		store: store,
		log:   logger.With(logging.Field{Key: "subsystem", Value: "recording"}),
		jobs:  make(chan job, 64),
	}
}

// publisher returns nil for a disabled recorder so events.Multi skips it.
func (r *recording) publisher() events.Publisher {
	if r == nil {
		return nil
	}
	return r
}

func (r *recording) Report(f telemetry.Frame) {
	r.enqueue(job{frame: &f, at: f.Timestamp})
}

func (r *recording) Publish(ev events.Event) {
	stopped := ev.Kind == events.RunningStateChanged && ev.Running != nil && !*ev.Running
	removed := ev.Kind == events.DeviceListChanged && ev.Action == events.Remove
	if stopped || removed {
		r.enqueue(job{end: ev.Device, at: time.Now()})
	}
}

func (r *recording) enqueue(j job) {
	select {
	case r.jobs <- j:
	default:
		id := j.end
		if j.frame != nil {
			id = j.frame.Device
		}
		r.log.Warn("recorder queue full, dropping", logging.Field{Key: "device", Value: id.String()})
	}
}

// run handles jobs until ctx ends, then drains what is already queued.
func (r *recording) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					r.handle(context.Background(), j)
				default:
					return
				}
			}
		case j := <-r.jobs:
			r.handle(ctx, j)
		}
	}
}

func (r *recording) handle(ctx context.Context, j job) {
	if j.frame != nil {
		snap := instrument.Snapshot{IsNew: true, Points: j.frame.Channels}
		if err := r.store.Record(ctx, j.frame.Device, j.at, snap); err != nil {
			r.log.Warn("record frame", logging.Field{Key: "device", Value: j.frame.Device.String()}, logging.Field{Key: "error", Value: err})
		}
		return
	}
	if err := r.store.End(ctx, j.end, j.at); err != nil {
		r.log.Warn("end session", logging.Field{Key: "device", Value: j.end.String()}, logging.Field{Key: "error", Value: err})
	}
}

func (r *recording) close() error {
	return r.store.Close()
}
