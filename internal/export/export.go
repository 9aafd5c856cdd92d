// Package export writes the latest acquisitions to disk as CSV tables and
// PNG charts, and reads sample lists for arbitrary waveforms.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// TimeLayout prefixes every exported file name.
const TimeLayout = "2006-01-02_15-04-05"

// ErrNothing is returned when no oscilloscope had data to export.
var ErrNothing = errors.New("export: no data")

const allowedChars = " &()=+~#,;-_"

// Sanitize replaces every rune that is neither a letter, a digit nor one of
// " &()=+~#,;-_" with '_'.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(allowedChars, r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// DeviceID renders id for use in file names.
func DeviceID(id instrument.ID) string {
	return Sanitize(id.Vendor + "_" + id.Name + "_" + id.SerialNumber)
}

// Source is an oscilloscope whose latest snapshot can be exported.
type Source interface {
	ID() instrument.ID
	Retrieve(dismiss bool) instrument.Snapshot
}

// Exporter writes into one directory.
type Exporter struct {
	dir string
	now func() time.Time
	log logging.Logger

	mu sync.Mutex // serialises directory creation
}

// New returns an Exporter writing below dir.
func New(dir string, logger logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Exporter{
		dir: dir,
		now: time.Now,
		log: logger.With(logging.Field{Key: "subsystem", Value: "export"}),
	}
}

// Dir returns the export directory.
func (e *Exporter) Dir() string { return e.dir }

func (e *Exporter) prefix() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	return filepath.Join(e.dir, e.now().Format(TimeLayout)), nil
}

// CSV writes two files per published channel of every source, one for the
// normalised trace and one for the spectrum. It returns the files written.
func (e *Exporter) CSV(sources []Source) ([]string, error) {
	prefix, err := e.prefix()
	if err != nil {
		return nil, err
	}
	var files []string
	for _, src := range sources {
		snap := src.Retrieve(false)
		dev := DeviceID(src.ID())
		for _, no := range snap.Channels() {
			tr := snap.Points[no]
			graphs := []struct {
				kind string
				x, y []float64
			}{
				{"Norm", tr.Time, tr.Volts},
				{"FFT", tr.Freq, tr.Mag},
			}
			for _, g := range graphs {
				name := fmt.Sprintf("%s_%s_%d_%s.csv", prefix, dev, no, g.kind)
				if err := writeFile(name, g.x, g.y); err != nil {
					return files, err
				}
				files = append(files, name)
			}
		}
	}
	if len(files) == 0 {
		return nil, ErrNothing
	}
	e.log.Info("csv export written", logging.Field{Key: "files", Value: len(files)}, logging.Field{Key: "dir", Value: e.dir})
	return files, nil
}

func writeFile(name string, x, y []float64) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := WriteXY(f, x, y); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

// WriteXY writes x and y as a two column table with header X,Y.
func WriteXY(w io.Writer, x, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("%d x values for %d y values", len(x), len(y))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"X", "Y"}); err != nil {
		return err
	}
	for i := range x {
		row := []string{strconv.FormatFloat(x[i], 'g', -1, 64), strconv.FormatFloat(y[i], 'g', -1, 64)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadSamples reads a sample list for an arbitrary waveform. A first row
// with more than one field is taken as the whole list; otherwise the first
// column is read and its first row dropped as a header. Unparsable fields
// read as 0.
func ReadSamples(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	if len(first) > 1 {
		out := make([]float64, len(first))
		for i, f := range first {
			out[i] = parseOrZero(f)
		}
		return out, nil
	}

	var out []float64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read samples: %w", err)
		}
		if len(rec) == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, parseOrZero(rec[0]))
	}
}

func parseOrZero(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// JoinSamples renders samples in the comma separated form generators take
// as arbitrary data.
func JoinSamples(samples []float64) string {
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = strconv.FormatFloat(s, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
