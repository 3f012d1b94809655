package processor

import (
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/ring"
)

// MasterEQState is the minimal read/write side of state.SharedState that
// MasterProcessor needs.
type MasterEQState interface {
	MasterEQGeneration() uint64
	MasterEQGain(band int) float64
	MasterBypassed() bool
	MasterVolume() float32
	SoftClipEnabled() bool
	SetPeakLevels(l, r float32)
}

// MasterProcessor finalizes the mixed bus: master EQ, master
// volume, soft-clip limiting, peak metering, and mono down-mix into the
// spectrum ring for the control thread's FFT polling.
type MasterProcessor struct {
	cascade *dsp.BiquadCascade
	gain    *dsp.VolumeGain
	limiter *dsp.SoftLimiter
	eq      eqGenerationTracker

	// monoScratch backs the down-mix pushed to the spectrum ring. Sized
	// once at construction from the configured block size; a larger
	// block is folded through it in chunks, so the audio callback never
	// grows it.
	monoScratch []float32
}

// NewMasterProcessor returns a processor at identity configuration for the
// given sample rate and output block size in frames.
func NewMasterProcessor(sampleRate float64, framesPerBuffer int) *MasterProcessor {
	if framesPerBuffer < 1 {
		framesPerBuffer = 1
	}
	return &MasterProcessor{
		cascade:     dsp.NewBiquadCascade(sampleRate),
		gain:        dsp.NewVolumeGain(),
		limiter:     dsp.NewSoftLimiter(),
		monoScratch: make([]float32, framesPerBuffer),
	}
}

// Reset clears the master cascade's filter memory.
func (m *MasterProcessor) Reset() {
	m.cascade.Reset()
}

// ProcessBlock runs the mixed interleaved stereo buffer through the master
// chain, writing peak levels into shared and appending a mono down-mix
// into spectrum.
func (m *MasterProcessor) ProcessBlock(interleaved []float32, shared MasterEQState, spectrum *ring.SPSCFloatRing) {
	if !shared.MasterBypassed() {
		m.eq.refresh(shared.MasterEQGeneration(), m.cascade, shared.MasterEQGain)
		m.cascade.ProcessBlock(interleaved)
	}

	m.gain.Set(shared.MasterVolume())
	m.gain.ProcessBlock(interleaved)

	if shared.SoftClipEnabled() {
		m.limiter.ProcessBlock(interleaved)
	}

	peakL, peakR := peakMagnitudes(interleaved)
	shared.SetPeakLevels(peakL, peakR)

	if spectrum != nil {
		m.pushMonoDownmix(spectrum, interleaved)
	}
}

// peakMagnitudes returns the per-channel peak absolute sample value over
// an interleaved stereo buffer.
func peakMagnitudes(interleaved []float32) (float32, float32) {
	var peakL, peakR float32
	for i := 0; i+1 < len(interleaved); i += 2 {
		l := interleaved[i]
		if l < 0 {
			l = -l
		}
		r := interleaved[i+1]
		if r < 0 {
			r = -r
		}
		if l > peakL {
			peakL = l
		}
		if r > peakR {
			peakR = r
		}
	}
	return peakL, peakR
}

// pushMonoDownmix appends (L+R)/2 per frame to the spectrum ring, folding
// the block through the fixed scratch buffer one chunk at a time. The ring
// drops the oldest samples on overflow, which is an acceptable loss for a
// UI-facing spectrum display.
func (m *MasterProcessor) pushMonoDownmix(spectrum *ring.SPSCFloatRing, interleaved []float32) {
	frames := len(interleaved) / 2
	for start := 0; start < frames; start += len(m.monoScratch) {
		n := frames - start
		if n > len(m.monoScratch) {
			n = len(m.monoScratch)
		}
		mono := m.monoScratch[:n]
		for i := 0; i < n; i++ {
			f := start + i
			mono[i] = (interleaved[2*f] + interleaved[2*f+1]) * 0.5
		}
		spectrum.PushSlice(mono)
	}
}
