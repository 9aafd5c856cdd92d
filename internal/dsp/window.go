package dsp

import (
	"fmt"
	"math"
	"strings"
)

// Window names an analysis window applied before the FFT.
type Window string

const (
	WindowNone    Window = "none"
	WindowHamming Window = "hamming"
)

// ParseWindow converts a configuration string to a Window.
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "rect", "rectangular":
		return WindowNone, nil
	case "hamming":
		return WindowHamming, nil
	default:
		return "", fmt.Errorf("unsupported fft window %q", s)
	}
}

// Coefficients returns the window of length n.
func (w Window) Coefficients(n int) []float64 {
	if w == WindowHamming {
		return Hamming(n)
	}
	return Rectangular(n)
}

// Rectangular returns a window of n ones.
func Rectangular(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}
	return win
}

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies the input samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []float64, window []float64) []float64 {
	if len(samples) != len(window) {
		return []float64{}
	}
	out := make([]float64, len(samples))
	for i, v := range samples {
		out[i] = v * window[i]
	}
	return out
}
