package dsp

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Spectrum computes the single-sided amplitude spectrum of a real trace
// sampled at the instants in t. Only the first N/2 bins are returned and
// magnitudes are scaled by 2/N, so a sine of amplitude A peaks near A.
func Spectrum(t, v []float64) (freq, mag []float64) {
	n := len(v)
	if n < 2 {
		return []float64{}, []float64{}
	}
	win := Rectangular(n)
	return spectrum(fourier.NewFFT(n), win, floats.Sum(win), t, v)
}

// Frequencies returns the first n/2 DFT bin frequencies for a record of n
// samples spaced by spacing seconds. A non-positive spacing yields bin indices.
func Frequencies(n int, spacing float64) []float64 {
	half := n / 2
	out := make([]float64, half)
	for k := range out {
		if spacing > 0 {
			out[k] = float64(k) / (float64(n) * spacing)
		} else {
			out[k] = float64(k)
		}
	}
	return out
}

// SampleSpacing estimates the sample spacing as max(t)/n.
func SampleSpacing(t []float64, n int) float64 {
	if len(t) == 0 || n == 0 {
		return 0
	}
	return floats.Max(t) / float64(n)
}

func spectrum(fft *fourier.FFT, win []float64, winSum float64, t, v []float64) ([]float64, []float64) {
	n := len(v)
	coeffs := fft.Coefficients(nil, ApplyWindow(v, win))
	half := n / 2
	mag := make([]float64, half)
	scale := 0.0
	if winSum != 0 {
		scale = 2 / winSum
	}
	for k := 0; k < half; k++ {
		mag[k] = scale * cmplx.Abs(coeffs[k])
	}
	return Frequencies(n, SampleSpacing(t, n)), mag
}
