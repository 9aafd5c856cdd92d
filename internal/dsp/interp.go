package dsp

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/interp"
)

// Union returns the sorted, duplicate-free union of a and b.
func Union(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Interp evaluates the piecewise-linear function through (xp, fp) at every
// x. Points outside [xp[0], xp[len-1]] evaluate to 0. xp must be strictly
// increasing.
func Interp(x, xp, fp []float64) ([]float64, error) {
	if len(xp) != len(fp) {
		return nil, fmt.Errorf("interp: %d abscissae for %d ordinates", len(xp), len(fp))
	}
	out := make([]float64, len(x))
	switch len(xp) {
	case 0:
		return out, nil
	case 1:
		for i, xi := range x {
			if xi == xp[0] {
				out[i] = fp[0]
			}
		}
		return out, nil
	}

	for i := 1; i < len(xp); i++ {
		if xp[i] <= xp[i-1] {
			return nil, fmt.Errorf("interp: abscissae not strictly increasing at %d", i)
		}
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xp, fp); err != nil {
		return nil, fmt.Errorf("interp: %w", err)
	}
	lo, hi := xp[0], xp[len(xp)-1]
	for i, xi := range x {
		if xi < lo || xi > hi {
			continue
		}
		out[i] = pl.Predict(xi)
	}
	return out, nil
}

// Shift returns a copy of t with offset added to every element.
func Shift(t []float64, offset float64) []float64 {
	out := make([]float64, len(t))
	for i, v := range t {
		out[i] = v + offset
	}
	return out
}
