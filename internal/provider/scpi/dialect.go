package scpi

import (
	"strings"

	"github.com/rjboer/labscope/internal/provider"
)

// Command maps a canonical property to a SCPI header. Channel headers carry
// one %d verb for the channel number. An empty Header marks a property kept
// locally by the handle.
type Command struct {
	Header  string
	Kind    provider.Kind
	Unit    string
	Options []string
}

// Dialect is the command set of an instrument family.
type Dialect struct {
	Name     string
	Channels int
	Device   map[string]Command
	Channel  map[string]Command

	// Oscilloscopes: run control and waveform transfer.
	Run, Halt  string
	RunQuery   string
	RunBit     int
	WaveSource string
	WaveSetup  []string
	WaveXInc   string
	WaveData   string

	// Generators: Start/Stop gate the outputs of enabled channels.
	OutputGate string
}

// Oscilloscope reports whether the dialect transfers waveforms.
func (d Dialect) Oscilloscope() bool {
	return d.WaveData != ""
}

// Keysight covers the InfiniiVision X-series oscilloscopes.
var Keysight = Dialect{
	Name:     "keysight",
	Channels: 4,
	Device: map[string]Command{
		provider.SampleRate:   {Header: ":ACQuire:SRATe", Kind: provider.Number, Unit: "Sa/s"},
		provider.RecordLength: {Header: ":WAVeform:POINts", Kind: provider.Number},
		provider.Mode:         {Header: ":ACQuire:TYPE", Kind: provider.Choice, Options: []string{"NORMal", "AVERage", "HRESolution", "PEAK"}},
	},
	Channel: map[string]Command{
		provider.Enabled:  {Header: ":CHANnel%d:DISPlay", Kind: provider.Bool},
		provider.Range:    {Header: ":CHANnel%d:RANGe", Kind: provider.Number, Unit: "V"},
		provider.Offset:   {Header: ":CHANnel%d:OFFSet", Kind: provider.Number, Unit: "V"},
		provider.Coupling: {Header: ":CHANnel%d:COUPling", Kind: provider.Choice, Options: []string{"DC", "AC"}},
	},
	Run:        ":RUN",
	Halt:       ":STOP",
	RunQuery:   ":OPERegister:CONDition?",
	RunBit:     3,
	WaveSource: ":WAVeform:SOURce CHANnel%d",
	WaveSetup:  []string{":WAVeform:FORMat ASCii"},
	WaveXInc:   ":WAVeform:XINCrement?",
	WaveData:   ":WAVeform:DATA?",
}

// Tektronix covers the AFG series arbitrary function generators.
var Tektronix = Dialect{
	Name:     "tektronix",
	Channels: 2,
	Device:   map[string]Command{},
	Channel: map[string]Command{
		provider.Enabled:    {Kind: provider.Bool},
		provider.SignalType: {Header: ":SOURce%d:FUNCtion:SHAPe", Kind: provider.Choice, Options: []string{"SINusoid", "SQUare", "RAMP", "PULSe", "DC", "EMEMory"}},
		provider.Amplitude:  {Header: ":SOURce%d:VOLTage:LEVel:IMMediate:AMPLitude", Kind: provider.Number, Unit: "Vpp"},
		provider.Offset:     {Header: ":SOURce%d:VOLTage:LEVel:IMMediate:OFFSet", Kind: provider.Number, Unit: "V"},
		provider.Frequency:  {Header: ":SOURce%d:FREQuency:FIXed", Kind: provider.Number, Unit: "Hz"},
		provider.Phase:      {Header: ":SOURce%d:PHASe:ADJust", Kind: provider.Number, Unit: "rad"},
		provider.Symmetry:   {Header: ":SOURce%d:FUNCtion:RAMP:SYMMetry", Kind: provider.Number, Unit: "%"},
		provider.PulseWidth: {Header: ":SOURce%d:PULSe:WIDTh", Kind: provider.Number, Unit: "s"},
		provider.Mode:       {Header: ":SOURce%d:BURSt:STATe", Kind: provider.Bool},
		provider.BurstCount: {Header: ":SOURce%d:BURSt:NCYCles", Kind: provider.Number},
	},
	OutputGate: ":OUTPut%d:STATe",
}

// DialectFor returns the dialect registered under name, ignoring case.
func DialectFor(name string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Keysight.Name:
		return Keysight, true
	case Tektronix.Name:
		return Tektronix, true
	default:
		return Dialect{}, false
	}
}
