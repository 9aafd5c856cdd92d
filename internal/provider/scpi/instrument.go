package scpi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rjboer/labscope/internal/provider"
)

// Instrument is a provider.Handle backed by a SCPI session.
type Instrument struct {
	conn    *Conn
	dialect Dialect
	id      Identity

	mu      sync.Mutex
	closed  bool
	running bool
	local   map[string]string // properties without a SCPI header
}

// NewInstrument wraps an open session speaking dialect.
func NewInstrument(conn *Conn, dialect Dialect, id Identity) *Instrument {
	return &Instrument{conn: conn, dialect: dialect, id: id, local: make(map[string]string)}
}

// Identity returns the *IDN? answer captured when the session was opened.
func (in *Instrument) Identity() Identity { return in.id }

func (in *Instrument) Channels() int { return in.dialect.Channels }

func (in *Instrument) Properties(channel int) []provider.Property {
	table := in.table(channel)
	out := make([]provider.Property, 0, len(table))
	for name, cmd := range table {
		out = append(out, provider.Property{Name: name, Kind: cmd.Kind, Unit: cmd.Unit, Options: cmd.Options})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (in *Instrument) table(channel int) map[string]Command {
	switch {
	case channel == 0:
		return in.dialect.Device
	case channel >= 1 && channel <= in.dialect.Channels:
		return in.dialect.Channel
	default:
		return nil
	}
}

func (in *Instrument) command(channel int, name string) (Command, string, error) {
	cmd, ok := in.table(channel)[name]
	if !ok {
		return Command{}, "", fmt.Errorf("%s on channel %d: %w", name, channel, provider.ErrUnsupported)
	}
	header := cmd.Header
	if channel > 0 && strings.Contains(header, "%d") {
		header = fmt.Sprintf(header, channel)
	}
	return cmd, header, nil
}

func (in *Instrument) checkOpen() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return provider.ErrClosed
	}
	return nil
}

func (in *Instrument) Property(channel int, name string) (string, error) {
	if err := in.checkOpen(); err != nil {
		return "", err
	}
	cmd, header, err := in.command(channel, name)
	if err != nil {
		return "", err
	}
	if header == "" {
		in.mu.Lock()
		defer in.mu.Unlock()
		v, ok := in.local[localKey(channel, name)]
		if !ok && cmd.Kind == provider.Bool {
			v = "false"
		}
		return v, nil
	}
	resp, err := in.conn.Query(header + "?")
	if err != nil {
		return "", err
	}
	if cmd.Kind == provider.Bool {
		return strconv.FormatBool(parseBool(resp)), nil
	}
	return resp, nil
}

func (in *Instrument) SetProperty(channel int, name, value string) error {
	if err := in.checkOpen(); err != nil {
		return err
	}
	cmd, header, err := in.command(channel, name)
	if err != nil {
		return err
	}
	if cmd.Kind == provider.Bool {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		value = "OFF"
		if b {
			value = "ON"
		}
		if header == "" {
			in.mu.Lock()
			in.local[localKey(channel, name)] = strconv.FormatBool(b)
			in.mu.Unlock()
			return nil
		}
	}
	if header == "" {
		in.mu.Lock()
		in.local[localKey(channel, name)] = value
		in.mu.Unlock()
		return nil
	}
	return in.conn.Write(header + " " + value)
}

func (in *Instrument) ReadSamples(channel int) ([]float64, []float64, error) {
	if err := in.checkOpen(); err != nil {
		return nil, nil, err
	}
	d := in.dialect
	if !d.Oscilloscope() || channel < 1 || channel > d.Channels {
		return nil, nil, fmt.Errorf("read channel %d: %w", channel, provider.ErrUnsupported)
	}
	if err := in.conn.Write(fmt.Sprintf(d.WaveSource, channel)); err != nil {
		return nil, nil, err
	}
	for _, c := range d.WaveSetup {
		if err := in.conn.Write(c); err != nil {
			return nil, nil, err
		}
	}
	incResp, err := in.conn.Query(d.WaveXInc)
	if err != nil {
		return nil, nil, err
	}
	inc, err := strconv.ParseFloat(strings.TrimSpace(incResp), 64)
	if err != nil {
		return nil, nil, fmt.Errorf("parse x increment %q: %w", incResp, err)
	}
	data, err := in.conn.Query(d.WaveData)
	if err != nil {
		return nil, nil, err
	}
	v, err := parseASCII(stripBlockHeader(data))
	if err != nil {
		return nil, nil, err
	}
	t := make([]float64, len(v))
	for i := range t {
		t[i] = float64(i) * inc
	}
	return t, v, nil
}

func (in *Instrument) Start() error {
	if err := in.checkOpen(); err != nil {
		return err
	}
	if in.dialect.Oscilloscope() {
		if err := in.conn.Write(in.dialect.Run); err != nil {
			return err
		}
	} else if err := in.gate(true); err != nil {
		return err
	}
	in.mu.Lock()
	in.running = true
	in.mu.Unlock()
	return nil
}

func (in *Instrument) Stop() error {
	if err := in.checkOpen(); err != nil {
		return err
	}
	if in.dialect.Oscilloscope() {
		if err := in.conn.Write(in.dialect.Halt); err != nil {
			return err
		}
	} else if err := in.gate(false); err != nil {
		return err
	}
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()
	return nil
}

// gate switches the outputs of every locally enabled channel.
func (in *Instrument) gate(on bool) error {
	if in.dialect.OutputGate == "" {
		return nil
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	for ch := 1; ch <= in.dialect.Channels; ch++ {
		in.mu.Lock()
		enabled := in.local[localKey(ch, provider.Enabled)] == "true"
		in.mu.Unlock()
		if on && !enabled {
			continue
		}
		if err := in.conn.Write(fmt.Sprintf(in.dialect.OutputGate, ch) + " " + state); err != nil {
			return err
		}
	}
	return nil
}

func (in *Instrument) IsRunning() (bool, error) {
	if err := in.checkOpen(); err != nil {
		return false, err
	}
	if in.dialect.RunQuery == "" {
		in.mu.Lock()
		defer in.mu.Unlock()
		return in.running, nil
	}
	resp, err := in.conn.Query(in.dialect.RunQuery)
	if err != nil {
		return false, err
	}
	reg, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return false, fmt.Errorf("parse run register %q: %w", resp, err)
	}
	return reg&(1<<in.dialect.RunBit) != 0, nil
}

func (in *Instrument) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()
	return in.conn.Close()
}

func localKey(channel int, name string) string {
	return strconv.Itoa(channel) + "/" + name
}

func parseBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON", "TRUE":
		return true
	default:
		return false
	}
}

func parseASCII(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parse waveform value %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}
