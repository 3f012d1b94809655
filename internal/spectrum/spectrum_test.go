package spectrum

import (
	"math"
	"testing"
)

// feedSine pushes n samples of a sine at freq Hz and amplitude amp.
func feedSine(a *Analyzer, freq float64, amp float64, n int, sampleRate float64) {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	a.Feed(buf)
}

func TestBinsNotReadyBeforeWindowFilled(t *testing.T) {
	a := NewAnalyzer(48000)
	feedSine(a, 1000, 1.0, fftSize/2, 48000)
	if _, ok := a.Bins(); ok {
		t.Fatal("Bins reported ready with a half-filled window")
	}
}

func TestSinePeaksInExpectedBin(t *testing.T) {
	const sampleRate = 48000.0
	a := NewAnalyzer(sampleRate)
	feedSine(a, 1000, 1.0, fftSize*2, sampleRate)

	bins, ok := a.Bins()
	if !ok {
		t.Fatal("Bins not ready after two full windows")
	}

	peak := 0
	for i := range bins {
		if bins[i] > bins[peak] {
			peak = i
		}
	}
	want := a.binFor(1000)
	if peak != want {
		t.Errorf("1 kHz peak landed in bin %d, want %d", peak, want)
	}
	if bins[peak] < 0.1 {
		t.Errorf("1 kHz full-scale sine peak magnitude %f, want >= 0.1", bins[peak])
	}
}

func TestSilenceYieldsNearZeroBins(t *testing.T) {
	a := NewAnalyzer(48000)
	a.Feed(make([]float32, fftSize))
	bins, ok := a.Bins()
	if !ok {
		t.Fatal("Bins not ready after a full window of silence")
	}
	for i, b := range bins {
		if b > 1e-9 {
			t.Errorf("bin %d nonzero for silence: %g", i, b)
		}
	}
}

func TestBinEdgesSpanAudibleRange(t *testing.T) {
	a := NewAnalyzer(48000)
	if got := a.binFor(MinFreq); got != 0 {
		t.Errorf("binFor(MinFreq) = %d, want 0", got)
	}
	if got := a.binFor(MaxFreq - 1); got != NumBins-1 {
		t.Errorf("binFor(just under MaxFreq) = %d, want %d", got, NumBins-1)
	}
	// Bins must be monotonic in frequency.
	prev := -1
	for f := MinFreq; f < MaxFreq; f *= 1.2 {
		b := a.binFor(f)
		if b < prev {
			t.Fatalf("bin index decreased: %d after %d at %f Hz", b, prev, f)
		}
		prev = b
	}
}
