package dsp

import "math"

// DefaultLimiterThreshold is the soft-clip threshold (~-3 dBFS).
const DefaultLimiterThreshold = float32(0.707)

// SoftLimiter applies tanh saturation to prevent hard clipping. It is
// stateless across blocks: Process only needs the current samples and the
// configured threshold, no history.
type SoftLimiter struct {
	threshold float32
	enabled   bool
}

// NewSoftLimiter returns a SoftLimiter with DefaultLimiterThreshold, enabled.
func NewSoftLimiter() *SoftLimiter {
	return &SoftLimiter{threshold: DefaultLimiterThreshold, enabled: true}
}

// SetEnabled enables or disables the limiter. When disabled, ProcessBlock
// is a no-op (hard clipping, if any, is left to downstream device behavior).
func (l *SoftLimiter) SetEnabled(enabled bool) {
	l.enabled = enabled
}

// Enabled reports whether the limiter is currently engaged.
func (l *SoftLimiter) Enabled() bool {
	return l.enabled
}

// SetThreshold sets the saturation threshold in linear amplitude (0, 1].
func (l *SoftLimiter) SetThreshold(threshold float32) {
	if threshold <= 0 {
		threshold = DefaultLimiterThreshold
	}
	l.threshold = threshold
}

// ProcessBlock applies y = threshold*tanh(x/threshold) sample-wise when
// enabled, else passes through unchanged. O(n), zero allocation.
func (l *SoftLimiter) ProcessBlock(samples []float32) {
	if !l.enabled {
		return
	}
	t := float64(l.threshold)
	for i, x := range samples {
		samples[i] = float32(t * math.Tanh(float64(x)/t))
	}
}

// VolumeGain multiplies samples by a clamped linear gain. It has no internal
// state beyond the scalar itself, so it is safe to read/write the field
// value directly from an atomic snapshot without a wrapper type; the helper
// exists so DSP code reads uniformly with BiquadCascade/SoftLimiter.
type VolumeGain struct {
	linear float32
}

// MinVolumeLinear and MaxVolumeLinear bound every volume control.
const (
	MinVolumeLinear = float32(0.0)
	MaxVolumeLinear = float32(2.0)
)

// ClampVolume clamps a linear volume multiplier to [MinVolumeLinear, MaxVolumeLinear].
func ClampVolume(v float32) float32 {
	if v < MinVolumeLinear {
		return MinVolumeLinear
	}
	if v > MaxVolumeLinear {
		return MaxVolumeLinear
	}
	return v
}

// NewVolumeGain returns a VolumeGain at unity.
func NewVolumeGain() *VolumeGain {
	return &VolumeGain{linear: 1.0}
}

// Set updates the linear gain, clamping to [MinVolumeLinear, MaxVolumeLinear].
func (g *VolumeGain) Set(linear float32) {
	g.linear = ClampVolume(linear)
}

// Linear returns the current linear gain.
func (g *VolumeGain) Linear() float32 {
	return g.linear
}

// ProcessBlock multiplies every sample by the current linear gain in place.
func (g *VolumeGain) ProcessBlock(samples []float32) {
	gain := g.linear
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = s * gain
	}
}
