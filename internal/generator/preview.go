package generator

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// PreviewSamples is the number of points in a generated preview.
const PreviewSamples = 1000

// Signal is the preview shape.
type Signal string

const (
	Sine      Signal = "sine"
	Square    Signal = "square"
	Ramp      Signal = "ramp"
	Pulse     Signal = "pulse"
	Arbitrary Signal = "arbitrary"
	Unknown   Signal = "unknown"
)

// signalFor maps a provider signal type to a preview shape.
func signalFor(s string) Signal {
	switch strings.ToLower(s) {
	case "sine", "sin":
		return Sine
	case "square", "squ":
		return Square
	case "triangle", "ramp", "ramp_up":
		return Ramp
	case "pulse", "puls":
		return Pulse
	case "arbitrary", "arb", "user":
		return Arbitrary
	default:
		return Unknown
	}
}

type previewVars struct {
	init      bool
	signal    Signal
	amplitude float64
	offset    float64
	period    float64
	phase     float64 // degrees
	symmetry  float64 // 0..1
	duty      float64 // 0..1
	arbT      []float64
	arbV      []float64
}

func (p *previewVars) ensureDefaults() {
	if p.init {
		return
	}
	*p = previewVars{
		init:      true,
		signal:    Unknown,
		amplitude: 1,
		offset:    1,
		period:    1,
		phase:     1,
		symmetry:  1,
		duty:      1,
		arbT:      []float64{0},
		arbV:      []float64{0},
	}
}

// setArbitrary scales raw so its largest magnitude equals the amplitude and
// lays it out over one period (signal frequency mode) or one sample period
// per point (sample frequency mode).
func (p *previewVars) setArbitrary(raw []float64, signalMode bool) {
	limit := math.Max(math.Abs(floats.Min(raw)), math.Abs(floats.Max(raw)))
	factor := 0.0
	if limit != 0 {
		factor = p.amplitude / limit
	}
	v := make([]float64, len(raw))
	floats.ScaleTo(v, factor, raw)
	floats.AddConst(p.offset, v)

	step := p.period
	if signalMode {
		step = p.period / float64(len(raw))
	}
	t := make([]float64, len(raw))
	for i := range t {
		t[i] = float64(i) * step
	}
	p.arbT, p.arbV = t, v
}

func (p *previewVars) waveform() ([]float64, []float64) {
	if !p.init {
		return []float64{0}, []float64{0}
	}
	omega := 2 * math.Pi / p.period
	shift := func(deg float64) float64 { return deg / 360 * p.period }

	switch p.signal {
	case Sine:
		t := floats.Span(make([]float64, PreviewSamples), 0, p.period)
		v := make([]float64, len(t))
		for i, ti := range t {
			v[i] = p.amplitude*math.Sin(omega*(ti+shift(p.phase))) + p.offset
		}
		return t, v
	case Square, Pulse:
		duty := 0.5
		if p.signal == Pulse {
			duty = p.duty
		}
		t := halfOpenSpan(p.period)
		v := make([]float64, len(t))
		for i, ti := range t {
			v[i] = p.amplitude*square(omega*(ti+shift(p.phase)), duty) + p.offset
		}
		return t, v
	case Ramp:
		start := 180*p.symmetry + p.phase
		t := halfOpenSpan(p.period)
		v := make([]float64, len(t))
		for i, ti := range t {
			v[i] = p.amplitude*sawtooth(omega*(ti+shift(start)), p.symmetry) + p.offset
		}
		return t, v
	case Arbitrary:
		return append([]float64(nil), p.arbT...), append([]float64(nil), p.arbV...)
	default:
		return []float64{0}, []float64{0}
	}
}

// halfOpenSpan returns PreviewSamples points over [0, period).
func halfOpenSpan(period float64) []float64 {
	return floats.Span(make([]float64, PreviewSamples+1), 0, period)[:PreviewSamples]
}

// square is +1 for the first duty fraction of each 2π period and -1 after.
func square(x, duty float64) float64 {
	if wrap(x) < duty*2*math.Pi {
		return 1
	}
	return -1
}

// sawtooth rises from -1 to 1 over the first width fraction of each 2π
// period and falls back to -1 over the rest.
func sawtooth(x, width float64) float64 {
	m := wrap(x)
	rise := width * 2 * math.Pi
	if m < rise {
		return -1 + 2*m/rise
	}
	fall := 2*math.Pi - rise
	if fall == 0 {
		return 1
	}
	return 1 - 2*(m-rise)/fall
}

func wrap(x float64) float64 {
	m := math.Mod(x, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m
}

// parseSamples reads a comma or whitespace separated list of numbers.
func parseSamples(s string) ([]float64, bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' })
	if len(fields) == 0 {
		return nil, false
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
