// Package processor turns raw per-app and mixed-bus audio into finished
// output: per-app EQ/volume, additive mixing, and master EQ/volume/limiting
// plus metering. Every ProcessBlock here runs on an OS audio callback
// thread and must not allocate, lock, or block. Stages always run in the
// same fixed order: per-app EQ, per-app volume, mix, master EQ, master
// volume, limiter.
package processor

import "github.com/enscrypted/gecko/internal/dsp"

// eqGenerationTracker is embedded by both PerAppProcessor and
// MasterProcessor: it caches the last-seen generation counter and the last
// applied gain per band, so a coefficient recompute only happens for bands
// that actually changed.
type eqGenerationTracker struct {
	cachedGen   uint64
	cachedGains [dsp.NumBands]float64
	primed      bool
}

// refresh compares gen against the cached generation. If different, it
// calls readGain for every band and reconfigures the cascade for any band
// whose gain actually moved, then updates the cache. Returns true if any
// band changed.
func (t *eqGenerationTracker) refresh(gen uint64, cascade *dsp.BiquadCascade, readGain func(band int) float64) bool {
	if t.primed && gen == t.cachedGen {
		return false
	}
	changed := false
	for b := 0; b < dsp.NumBands; b++ {
		g := readGain(b)
		if !t.primed || g != t.cachedGains[b] {
			cascade.Reconfigure(b, g)
			t.cachedGains[b] = g
			changed = true
		}
	}
	t.cachedGen = gen
	t.primed = true
	return changed
}

// AppEQState is the minimal read side of a state.AppSlot that
// PerAppProcessor needs, kept as an interface so tests don't have to pull
// in the full state package.
type AppEQState interface {
	EQGeneration() uint64
	EQGain(band int) float64
	Bypassed() bool
	Volume() float32
}

// PerAppProcessor turns one app's raw stereo buffer into a processed
// buffer ready for mixing: per-band EQ (unless bypassed) then linear
// volume. Zero value is not usable; use NewPerAppProcessor.
type PerAppProcessor struct {
	cascade *dsp.BiquadCascade
	gain    *dsp.VolumeGain
	eq      eqGenerationTracker
}

// NewPerAppProcessor returns a processor at identity configuration for the
// given sample rate.
func NewPerAppProcessor(sampleRate float64) *PerAppProcessor {
	return &PerAppProcessor{
		cascade: dsp.NewBiquadCascade(sampleRate),
		gain:    dsp.NewVolumeGain(),
	}
}

// Reset clears the cascade's filter memory, used when an app's capture
// first starts.
func (p *PerAppProcessor) Reset() {
	p.cascade.Reset()
}

// ProcessBlock lazily resyncs EQ coefficients against the slot's
// generation counter, applies the cascade unless bypassed, then applies
// volume. samples may be shorter than a full block (ring underrun);
// that is processed as-is, not an error.
func (p *PerAppProcessor) ProcessBlock(samples []float32, slot AppEQState) {
	p.eq.refresh(slot.EQGeneration(), p.cascade, slot.EQGain)

	if !slot.Bypassed() {
		p.cascade.ProcessBlock(samples)
	}

	p.gain.Set(slot.Volume())
	p.gain.ProcessBlock(samples)
}
