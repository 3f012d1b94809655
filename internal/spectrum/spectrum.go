// Package spectrum turns the engine's mono down-mix samples into the 32
// logarithmically spaced frequency bins reported to the UI. Analysis runs
// on the control thread, pulling whatever the output callback has pushed
// into the spectrum ring since the last poll; it is never on an audio
// callback's path.
package spectrum

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// NumBins is the number of output bins, spaced logarithmically over
// [MinFreq, MaxFreq].
const NumBins = 32

// MinFreq and MaxFreq bound the displayed spectrum in Hz.
const (
	MinFreq = 20.0
	MaxFreq = 20000.0
)

// fftSize is the analysis window length in samples. 2048 at 48 kHz gives
// ~23 Hz resolution. The lowest logarithmic bins are narrower than that,
// so some of them (below ~90 Hz at 48 kHz) receive no FFT line and stay 0.
const fftSize = 2048

// Analyzer accumulates mono samples and computes binned magnitudes on
// demand. Not safe for concurrent use; the control thread owns it.
type Analyzer struct {
	sampleRate float64

	// history holds the most recent fftSize samples, oldest first. New
	// samples shift it left so an analysis window is always available
	// even when a poll delivers fewer than fftSize fresh samples.
	history [fftSize]float64
	filled  int

	window  [fftSize]float64
	input   [fftSize]float64
	binEdge [NumBins + 1]float64
}

// NewAnalyzer returns an analyzer for the given sample rate.
func NewAnalyzer(sampleRate float64) *Analyzer {
	a := &Analyzer{sampleRate: sampleRate}
	for i := range a.window {
		a.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	// Precompute logarithmic bin edges: edge[i] = MinFreq * ratio^i with
	// edge[NumBins] = MaxFreq.
	ratio := math.Pow(MaxFreq/MinFreq, 1.0/float64(NumBins))
	edge := MinFreq
	for i := 0; i <= NumBins; i++ {
		a.binEdge[i] = edge
		edge *= ratio
	}
	return a
}

// Feed appends freshly drained mono samples to the analysis history.
func (a *Analyzer) Feed(samples []float32) {
	for _, s := range samples {
		if a.filled < fftSize {
			a.history[a.filled] = float64(s)
			a.filled++
			continue
		}
		copy(a.history[:], a.history[1:])
		a.history[fftSize-1] = float64(s)
	}
}

// Bins computes the current 32-bin magnitude spectrum from the analysis
// history. Magnitudes are normalized to roughly [0, 1] for a full-scale
// sinusoid. Returns ok=false when too little audio has been fed to fill
// an analysis window.
func (a *Analyzer) Bins() ([NumBins]float64, bool) {
	var bins [NumBins]float64
	if a.filled < fftSize {
		return bins, false
	}

	// Remove DC offset so bin 0 energy doesn't leak into the low bands.
	var mean float64
	for _, s := range a.history {
		mean += s
	}
	mean /= fftSize

	for i := range a.input {
		a.input[i] = (a.history[i] - mean) * a.window[i]
	}

	out := fft.FFTReal(a.input[:])

	// Hann window coherent gain is 0.5; dividing by fftSize/4 maps a
	// full-scale sinusoid's peak bin magnitude to ~1.0.
	norm := 4.0 / float64(fftSize)
	binWidth := a.sampleRate / float64(fftSize)

	counts := [NumBins]int{}
	for k := 1; k < fftSize/2; k++ {
		freq := float64(k) * binWidth
		if freq < MinFreq || freq >= MaxFreq {
			continue
		}
		b := a.binFor(freq)
		mag := math.Hypot(real(out[k]), imag(out[k])) * norm
		bins[b] += mag
		counts[b]++
	}
	for i := range bins {
		if counts[i] > 1 {
			bins[i] /= float64(counts[i])
		}
	}
	return bins, true
}

// binFor maps a frequency to its logarithmic bin index.
func (a *Analyzer) binFor(freq float64) int {
	b := int(math.Log(freq/MinFreq) / math.Log(a.binEdge[1]/a.binEdge[0]))
	if b < 0 {
		return 0
	}
	if b >= NumBins {
		return NumBins - 1
	}
	return b
}
