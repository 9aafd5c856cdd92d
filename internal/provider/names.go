package provider

// Canonical property names shared by providers and device variants.
const (
	Enabled = "enabled"

	SampleRate   = "sample_rate"
	RecordLength = "record_length"
	Mode         = "mode"
	Range        = "range"
	Offset       = "offset"
	Coupling     = "coupling"

	SignalType        = "signal_type"
	Amplitude         = "amplitude"
	Frequency         = "frequency"
	FrequencyMode     = "frequency_mode"
	Phase             = "phase"
	Symmetry          = "symmetry"
	PulseWidth        = "pulse_width"
	BurstCount        = "burst_count"
	BurstSampleCount  = "burst_sample_count"
	BurstSegmentCount = "burst_segment_count"
	ArbitraryData     = "arbitrary_data"
)

// Oscilloscope acquisition modes.
const (
	ModeStream = "stream"
	ModeBlock  = "block"
)
