package telemetry

import "github.com/rjboer/labscope/internal/instrument"

// Axis smooths the limits of successive frames. A bound moves outwards at
// once and moves inwards only when it would shrink the range by more than
// Tolerance of the current span.
type Axis struct {
	Tolerance float64

	cur instrument.Limits
	set bool
}

// Update folds l into the axis and returns the limits to display.
func (a *Axis) Update(l instrument.Limits) instrument.Limits {
	if !a.set {
		a.cur, a.set = l, true
		return a.cur
	}
	a.cur.XMin, a.cur.XMax = follow(a.cur.XMin, a.cur.XMax, l.XMin, l.XMax, a.Tolerance)
	a.cur.YMin, a.cur.YMax = follow(a.cur.YMin, a.cur.YMax, l.YMin, l.YMax, a.Tolerance)
	return a.cur
}

// Current returns the displayed limits.
func (a *Axis) Current() (instrument.Limits, bool) {
	return a.cur, a.set
}

func follow(lo, hi, newLo, newHi, tol float64) (float64, float64) {
	slack := tol * (hi - lo)
	switch {
	case newLo < lo:
		lo = newLo
	case newLo-lo > slack:
		lo = newLo
	}
	switch {
	case newHi > hi:
		hi = newHi
	case hi-newHi > slack:
		hi = newHi
	}
	return lo, hi
}
