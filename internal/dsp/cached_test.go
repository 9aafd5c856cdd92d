package dsp

import (
	"math"
	"testing"
)

func TestAnalyzerMatchesSpectrum(t *testing.T) {
	tv, v := sine(512, 1, 32, 512)
	a := NewAnalyzer(512, WindowNone)

	f1, m1 := a.Spectrum(tv, v)
	f2, m2 := Spectrum(tv, v)
	if len(m1) != len(m2) || len(f1) != len(f2) {
		t.Fatalf("length mismatch: %d vs %d", len(m1), len(m2))
	}
	for i := range m1 {
		if math.Abs(m1[i]-m2[i]) > 1e-12 || f1[i] != f2[i] {
			t.Fatalf("bin %d differs: %g vs %g", i, m1[i], m2[i])
		}
	}
}

func TestAnalyzerResizesOnNewLength(t *testing.T) {
	a := NewAnalyzer(256, WindowNone)
	if a.Size() != 256 {
		t.Fatalf("initial size %d", a.Size())
	}
	tv, v := sine(128, 1, 8, 128)
	_, mag := a.Spectrum(tv, v)
	if len(mag) != 64 {
		t.Fatalf("expected 64 bins, got %d", len(mag))
	}
	if a.Size() != 128 {
		t.Fatalf("expected analyzer to adopt record length 128, got %d", a.Size())
	}
	a.UpdateSize(512)
	if a.Size() != 512 {
		t.Fatalf("UpdateSize did not apply: %d", a.Size())
	}
}

func TestAnalyzerHammingKeepsAmplitudeScale(t *testing.T) {
	tv, v := sine(2048, 2, 128, 2048)
	_, mag := NewAnalyzer(2048, WindowHamming).Spectrum(tv, v)
	peak := 0.0
	for _, m := range mag {
		peak = math.Max(peak, m)
	}
	if math.Abs(peak-2) > 0.05 {
		t.Fatalf("hamming peak %.4f, want about 2", peak)
	}
}

func BenchmarkAnalyzer(b *testing.B) {
	tv, v := sine(4096, 1, 100, 4096)
	a := NewAnalyzer(4096, WindowNone)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Spectrum(tv, v)
	}
}

func BenchmarkSpectrum(b *testing.B) {
	tv, v := sine(4096, 1, 100, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Spectrum(tv, v)
	}
}
