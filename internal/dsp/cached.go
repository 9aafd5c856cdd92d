package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Analyzer caches the FFT plan and window for a record length so the
// acquisition loop does not rebuild them on every frame.
type Analyzer struct {
	mu        sync.Mutex
	window    Window
	coeffs    []float64
	windowSum float64 // normalisation denominator
	size      int
	fft       *fourier.FFT
}

// NewAnalyzer creates an analyzer for records of the given size.
func NewAnalyzer(size int, window Window) *Analyzer {
	a := &Analyzer{window: window}
	a.resize(size)
	return a
}

// Spectrum returns the single-sided amplitude spectrum of v sampled at t.
// A record of a different length than the cached one rebuilds the plan.
func (a *Analyzer) Spectrum(t, v []float64) (freq, mag []float64) {
	if len(v) < 2 {
		return []float64{}, []float64{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(v) != a.size {
		a.resize(len(v))
	}
	return spectrum(a.fft, a.coeffs, a.windowSum, t, v)
}

// UpdateSize recreates cached resources for a new record length.
func (a *Analyzer) UpdateSize(size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resize(size)
}

// Size returns the current cached record length.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Window returns the analysis window in use.
func (a *Analyzer) Window() Window {
	return a.window
}

func (a *Analyzer) resize(size int) {
	a.size = size
	a.coeffs = a.window.Coefficients(size)
	a.windowSum = floats.Sum(a.coeffs)
	if size > 0 {
		a.fft = fourier.NewFFT(size)
	} else {
		a.fft = nil
	}
}
