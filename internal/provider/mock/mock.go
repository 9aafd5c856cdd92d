// Package mock provides simulated instruments behind the provider.Handle
// interface.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/rjboer/labscope/internal/provider"
)

// Role selects what a simulated instrument behaves like.
type Role int

const (
	Oscilloscope Role = iota
	Generator
)

// Config describes a simulated instrument.
type Config struct {
	Role         Role
	Channels     int
	SampleRate   float64
	RecordLength int
	Frequency    float64 // tone of channel 1; channel n plays n*Frequency
	Amplitude    float64
	Noise        float64
}

func (c Config) withDefaults() Config {
	if c.Channels <= 0 {
		c.Channels = 2
		if c.Role == Generator {
			c.Channels = 1
		}
	}
	if c.SampleRate == 0 {
		c.SampleRate = 100e3
	}
	if c.RecordLength == 0 {
		c.RecordLength = 1000
	}
	if c.Frequency == 0 {
		c.Frequency = 1e3
	}
	if c.Amplitude == 0 {
		c.Amplitude = 1
	}
	return c
}

// Mock is a simulated instrument. Oscilloscopes synthesise one tone per
// channel; in block mode a started acquisition halts by itself once its
// record has been read.
type Mock struct {
	mu       sync.Mutex
	cfg      Config
	props    []map[string]string
	running  bool
	captured bool
	closed   bool
	failures int
	phase    float64
}

// New builds a simulated instrument.
func New(cfg Config) *Mock {
	cfg = cfg.withDefaults()
	m := &Mock{cfg: cfg, props: make([]map[string]string, cfg.Channels+1)}
	for ch := range m.props {
		m.props[ch] = make(map[string]string)
		for _, p := range m.properties(ch) {
			m.props[ch][p.Name] = m.initial(ch, p.Name)
		}
	}
	return m
}

// Opener opens a fresh simulated instrument for every serial.
type Opener struct {
	Config Config
}

// Open implements provider.Opener.
func (o Opener) Open(_ context.Context, _ string) (provider.Handle, error) {
	return New(o.Config), nil
}

// FailReads makes the next n sample reads fail.
func (m *Mock) FailReads(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) Channels() int { return m.cfg.Channels }

func (m *Mock) Properties(channel int) []provider.Property {
	if channel < 0 || channel > m.cfg.Channels {
		return nil
	}
	return m.properties(channel)
}

func (m *Mock) properties(channel int) []provider.Property {
	if m.cfg.Role == Generator {
		if channel == 0 {
			return nil
		}
		return []provider.Property{
			{Name: provider.Enabled, Kind: provider.Bool},
			{Name: provider.SignalType, Kind: provider.Choice, Options: []string{"sine", "square", "triangle", "pulse", "arbitrary", "dc"}},
			{Name: provider.Amplitude, Kind: provider.Number, Unit: "V"},
			{Name: provider.Offset, Kind: provider.Number, Unit: "V"},
			{Name: provider.Frequency, Kind: provider.Number, Unit: "Hz"},
			{Name: provider.FrequencyMode, Kind: provider.Choice, Options: []string{"signal", "sample"}},
			{Name: provider.Phase, Kind: provider.Number, Unit: "deg"},
			{Name: provider.Symmetry, Kind: provider.Number},
			{Name: provider.PulseWidth, Kind: provider.Number, Unit: "s"},
			{Name: provider.Mode, Kind: provider.Choice, Options: []string{"continuous", "burst"}},
			{Name: provider.BurstCount, Kind: provider.Number},
			{Name: provider.BurstSampleCount, Kind: provider.Number},
			{Name: provider.BurstSegmentCount, Kind: provider.Number},
			{Name: provider.ArbitraryData, Kind: provider.Text},
		}
	}
	if channel == 0 {
		return []provider.Property{
			{Name: provider.SampleRate, Kind: provider.Number, Unit: "Sa/s"},
			{Name: provider.RecordLength, Kind: provider.Number},
			{Name: provider.Mode, Kind: provider.Choice, Options: []string{provider.ModeStream, provider.ModeBlock}},
		}
	}
	return []provider.Property{
		{Name: provider.Enabled, Kind: provider.Bool},
		{Name: provider.Range, Kind: provider.Number, Unit: "V"},
		{Name: provider.Offset, Kind: provider.Number, Unit: "V"},
		{Name: provider.Coupling, Kind: provider.Choice, Options: []string{"dc", "ac"}},
	}
}

func (m *Mock) initial(channel int, name string) string {
	switch name {
	case provider.Enabled:
		return "false"
	case provider.SampleRate:
		return formatFloat(m.cfg.SampleRate)
	case provider.RecordLength:
		return strconv.Itoa(m.cfg.RecordLength)
	case provider.Mode:
		if m.cfg.Role == Generator {
			return "continuous"
		}
		return provider.ModeStream
	case provider.Range:
		return formatFloat(4 * m.cfg.Amplitude)
	case provider.Coupling:
		return "dc"
	case provider.SignalType:
		return "sine"
	case provider.Amplitude:
		return formatFloat(m.cfg.Amplitude)
	case provider.Frequency:
		return formatFloat(m.cfg.Frequency * float64(channel))
	case provider.FrequencyMode:
		return "signal"
	case provider.Symmetry:
		return "0.5"
	case provider.PulseWidth:
		return formatFloat(0.5 / (m.cfg.Frequency * float64(channel)))
	case provider.BurstCount, provider.BurstSegmentCount:
		return "1"
	case provider.BurstSampleCount:
		return "64"
	case provider.ArbitraryData:
		return "0"
	default:
		return "0"
	}
}

func (m *Mock) Property(channel int, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", provider.ErrClosed
	}
	if channel < 0 || channel >= len(m.props) {
		return "", fmt.Errorf("channel %d: %w", channel, provider.ErrUnsupported)
	}
	v, ok := m.props[channel][name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, provider.ErrUnsupported)
	}
	return v, nil
}

func (m *Mock) SetProperty(channel int, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return provider.ErrClosed
	}
	if channel < 0 || channel >= len(m.props) {
		return fmt.Errorf("channel %d: %w", channel, provider.ErrUnsupported)
	}
	p, ok := provider.Lookup(m.properties(channel), name)
	if !ok || p.ReadOnly {
		return fmt.Errorf("%s: %w", name, provider.ErrUnsupported)
	}
	switch p.Kind {
	case provider.Number:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	case provider.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		value = strconv.FormatBool(b)
	}
	m.props[channel][name] = value
	return nil
}

func (m *Mock) ReadSamples(channel int) ([]float64, []float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, provider.ErrClosed
	}
	if m.cfg.Role == Generator || channel < 1 || channel > m.cfg.Channels {
		return nil, nil, fmt.Errorf("read channel %d: %w", channel, provider.ErrUnsupported)
	}
	if m.failures > 0 {
		m.failures--
		return nil, nil, fmt.Errorf("read channel %d: device busy", channel)
	}

	fs, _ := strconv.ParseFloat(m.props[0][provider.SampleRate], 64)
	n, _ := strconv.Atoi(m.props[0][provider.RecordLength])
	if fs <= 0 || n <= 0 {
		return nil, nil, fmt.Errorf("read channel %d: invalid acquisition settings", channel)
	}
	freq := m.cfg.Frequency * float64(channel)
	t := make([]float64, n)
	v := make([]float64, n)
	for i := range t {
		t[i] = float64(i) / fs
		v[i] = m.cfg.Amplitude*math.Sin(2*math.Pi*freq*t[i]+m.phase) + rand.NormFloat64()*m.cfg.Noise
	}
	m.phase = math.Mod(m.phase+0.1, 2*math.Pi)
	m.captured = true
	return t, v, nil
}

func (m *Mock) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return provider.ErrClosed
	}
	m.running = true
	m.captured = false
	return nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return provider.ErrClosed
	}
	m.running = false
	return nil
}

func (m *Mock) IsRunning() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, provider.ErrClosed
	}
	if m.running && m.cfg.Role == Oscilloscope && m.props[0][provider.Mode] == provider.ModeBlock && m.captured {
		m.running = false
	}
	return m.running, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.running = false
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
