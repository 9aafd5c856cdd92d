package dsp

import (
	"math"
	"testing"
)

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	if len(win) != len(expected) {
		t.Fatalf("unexpected length: %d", len(win))
	}
	for i := range expected {
		if math.Abs(win[i]-expected[i]) > 1e-6 {
			t.Fatalf("index %d expected %.2f got %.6f", i, expected[i], win[i])
		}
	}
	if got := Hamming(1); len(got) != 1 || got[0] != 1 {
		t.Fatalf("single point window: %v", got)
	}
}

func TestApplyWindow(t *testing.T) {
	out := ApplyWindow([]float64{2, 4}, []float64{0.5, 0.25})
	if len(out) != 2 || out[0] != 1 || out[1] != 1 {
		t.Fatalf("unexpected windowed samples %v", out)
	}
	if len(ApplyWindow([]float64{1, 2}, []float64{1})) != 0 {
		t.Fatalf("expected empty slice when lengths differ")
	}
}

func TestParseWindow(t *testing.T) {
	for in, want := range map[string]Window{"": WindowNone, "Hamming": WindowHamming, "rect": WindowNone} {
		got, err := ParseWindow(in)
		if err != nil || got != want {
			t.Fatalf("ParseWindow(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseWindow("kaiser"); err == nil {
		t.Fatal("expected error for unsupported window")
	}
}
