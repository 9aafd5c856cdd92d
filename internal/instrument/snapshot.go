package instrument

import "sort"

// Trace is one channel's frame: the normalised time/voltage samples and
// the amplitude spectrum.
type Trace struct {
	Time  []float64 `json:"time"`
	Volts []float64 `json:"volts"`
	Freq  []float64 `json:"freq"`
	Mag   []float64 `json:"mag"`
}

// Limits is the bounding box of a set of traces.
type Limits struct {
	XMin float64 `json:"xMin"`
	XMax float64 `json:"xMax"`
	YMin float64 `json:"yMin"`
	YMax float64 `json:"yMax"`
}

// Union returns the smallest box covering l and o.
func (l Limits) Union(o Limits) Limits {
	return Limits{
		XMin: min(l.XMin, o.XMin),
		XMax: max(l.XMax, o.XMax),
		YMin: min(l.YMin, o.YMin),
		YMax: max(l.YMax, o.YMax),
	}
}

// Snapshot is the latest acquisition of an oscilloscope. Points and the
// traces in it are never modified after publication.
type Snapshot struct {
	IsNew  bool          `json:"isNew"`
	Points map[int]Trace `json:"points"`
	Norm   Limits        `json:"normLimits"`
	FFT    Limits        `json:"fftLimits"`
}

// Channels returns the channel numbers present, in ascending order.
func (s Snapshot) Channels() []int {
	out := make([]int, 0, len(s.Points))
	for no := range s.Points {
		out = append(out, no)
	}
	sort.Ints(out)
	return out
}
