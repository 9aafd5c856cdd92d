package telemetry

import (
	"github.com/dustin/go-humanize"

	"github.com/rjboer/labscope/internal/logging"
)

// StdoutReporter logs a one-line summary of every frame.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(f Frame) {
	if len(f.Channels) == 0 {
		return
	}
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "device", Value: f.Device.String()},
		{Key: "channels", Value: len(f.Channels)},
		{Key: "span", Value: humanize.SIWithDigits(f.NormAxis.XMax-f.NormAxis.XMin, 2, "s")},
		{Key: "range", Value: humanize.SIWithDigits(f.NormAxis.YMax-f.NormAxis.YMin, 2, "V")},
	}
	if f.FFTAxis.XMax > 0 {
		fields = append(fields, logging.Field{Key: "bandwidth", Value: humanize.SIWithDigits(f.FFTAxis.XMax, 2, "Hz")})
	}
	r.logger.Debug("frame", fields...)
}
