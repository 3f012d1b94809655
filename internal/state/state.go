// Package state holds the single source of truth that every audio callback
// thread reads and the control thread writes: a block of atomic scalars plus
// a fixed-size per-app table. Nothing here ever takes a lock or allocates;
// every field is either an atomic primitive or a fixed-size array of them.
//
// The readers run on OS audio callback threads, so a mutex-guarded map is
// off the table: the per-app table is a fixed array of slots, and every
// field a callback touches is a sync/atomic primitive. Maps are avoided in
// the callback path both for their hidden allocations and because they
// offer no wait-free read guarantee.
package state

import (
	"math"
	"sync/atomic"

	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/ring"
)

// MaxApps bounds the number of concurrently tracked per-app slots. A fixed
// ceiling means the table is a plain array, so acquiring a slot never
// allocates and every slot's address is stable for the table's lifetime.
const MaxApps = 64

// MaxIdentityBytes bounds the stored app identity, matching the ring's
// frame-count budget granularity used elsewhere in the engine.
const MaxIdentityBytes = 64

// AppSlot is one app's control-plane state: identity, bypass, volume, and
// its own 10-band EQ gains with a generation counter so an audio thread can
// cheaply tell whether it needs to recompute filter coefficients.
//
// identity is a plain string, not an atomic type: it is written once by
// AcquireAppSlot and read only by the control thread (FindAppSlot, event
// snapshots), never by an audio callback, so it needs no atomic visibility
// guarantee. Every other field here is read by an audio callback and is
// therefore atomic.
type AppSlot struct {
	inUse      atomic.Bool
	identity   string
	bypassed   atomic.Bool
	volumeBits atomic.Uint32
	eqGainBits [dsp.NumBands]atomic.Uint32
	eqGen      atomic.Uint64
	framesDrop atomic.Uint64 // cumulative dropped-frame counter, for metrics
	rmsBits    atomic.Uint32 // pre-EQ input level, informational only
}

func (s *AppSlot) reset(identity string) {
	if len(identity) > MaxIdentityBytes {
		identity = identity[:MaxIdentityBytes]
	}
	s.identity = identity
	s.bypassed.Store(false)
	s.volumeBits.Store(math.Float32bits(1.0))
	for i := range s.eqGainBits {
		s.eqGainBits[i].Store(0)
	}
	s.eqGen.Store(0)
	s.framesDrop.Store(0)
	s.rmsBits.Store(0)
	s.inUse.Store(true)
}

// InUse reports whether this slot currently holds a live app.
func (s *AppSlot) InUse() bool { return s.inUse.Load() }

// Identity returns the slot's app identity. Control-thread only.
func (s *AppSlot) Identity() string { return s.identity }

// SetBypassed sets the app's bypass flag.
func (s *AppSlot) SetBypassed(b bool) { s.bypassed.Store(b) }

// Bypassed reports the app's bypass flag.
func (s *AppSlot) Bypassed() bool { return s.bypassed.Load() }

// SetVolume sets the app's linear volume gain, clamped per dsp.ClampVolume.
func (s *AppSlot) SetVolume(linear float32) {
	s.volumeBits.Store(math.Float32bits(dsp.ClampVolume(linear)))
}

// Volume returns the app's linear volume gain.
func (s *AppSlot) Volume() float32 {
	return math.Float32frombits(s.volumeBits.Load())
}

// SetEQGain sets one band's gain in dB and bumps the generation counter so
// a stale audio-thread cache knows to recompute coefficients. Release
// ordering on the generation store (via atomic.Uint64.Add, which is always
// sequentially consistent in the Go memory model) ensures a reader that
// observes the new generation also observes the new gain.
func (s *AppSlot) SetEQGain(band int, db float64) {
	if band < 0 || band >= dsp.NumBands {
		return
	}
	s.eqGainBits[band].Store(math.Float32bits(float32(dsp.ClampGainDB(db))))
	s.eqGen.Add(1)
}

// EQGain returns one band's last-set gain in dB.
func (s *AppSlot) EQGain(band int) float64 {
	if band < 0 || band >= dsp.NumBands {
		return 0
	}
	return float64(math.Float32frombits(s.eqGainBits[band].Load()))
}

// EQGeneration returns the current EQ generation counter.
func (s *AppSlot) EQGeneration() uint64 { return s.eqGen.Load() }

// SetInputRMS records the app's most recent pre-EQ RMS level, written by
// the output callback after draining the app's ring. Informational only;
// no DSP decision reads it.
func (s *AppSlot) SetInputRMS(rms float32) { s.rmsBits.Store(math.Float32bits(rms)) }

// InputRMS returns the app's last-measured pre-EQ RMS level.
func (s *AppSlot) InputRMS() float32 { return math.Float32frombits(s.rmsBits.Load()) }

// AddDroppedFrames accumulates the dropped-frame counter for metrics.
func (s *AppSlot) AddDroppedFrames(n uint64) { s.framesDrop.Add(n) }

// DroppedFrames returns the cumulative dropped-frame count.
func (s *AppSlot) DroppedFrames() uint64 { return s.framesDrop.Load() }

// SharedState is the process-wide control surface. The control thread is
// the sole writer of every field except AppSlot's input RMS level and the
// master peak levels, both written by the output callback. Every
// audio-thread read is a single atomic load.
type SharedState struct {
	running         atomic.Bool
	masterBypassed  atomic.Bool
	softClipEnabled atomic.Bool
	masterVolBits   atomic.Uint32
	masterEQBits    [dsp.NumBands]atomic.Uint32
	masterEQGen     atomic.Uint64
	peakLBits       atomic.Uint32
	peakRBits       atomic.Uint32

	apps [MaxApps]AppSlot

	// Spectrum is a mono down-mix ring the output callback feeds and the
	// control thread drains for FFT-based spectrum polling. Lock-free by
	// construction (ring.SPSCFloatRing), so feeding it from the audio
	// callback is real-time safe.
	Spectrum *ring.SPSCFloatRing
}

// NewSharedState returns a fresh SharedState at identity defaults: unity
// master/app volume, 0 dB on every band, soft clip enabled, not running.
func NewSharedState() *SharedState {
	s := &SharedState{
		Spectrum: ring.NewSPSCFloatRing(4096),
	}
	s.masterVolBits.Store(math.Float32bits(1.0))
	s.softClipEnabled.Store(true)
	for i := range s.apps {
		s.apps[i].volumeBits.Store(math.Float32bits(1.0))
	}
	return s
}

// SetRunning and Running report/toggle whether the engine is accepting audio.
func (s *SharedState) SetRunning(v bool) { s.running.Store(v) }
func (s *SharedState) Running() bool     { return s.running.Load() }

// SetMasterBypassed and MasterBypassed report/toggle master EQ bypass.
func (s *SharedState) SetMasterBypassed(v bool) { s.masterBypassed.Store(v) }
func (s *SharedState) MasterBypassed() bool     { return s.masterBypassed.Load() }

// SetSoftClipEnabled and SoftClipEnabled report/toggle the master limiter.
func (s *SharedState) SetSoftClipEnabled(v bool) { s.softClipEnabled.Store(v) }
func (s *SharedState) SoftClipEnabled() bool     { return s.softClipEnabled.Load() }

// SetMasterVolume and MasterVolume report/set the master linear gain.
func (s *SharedState) SetMasterVolume(linear float32) {
	s.masterVolBits.Store(math.Float32bits(dsp.ClampVolume(linear)))
}
func (s *SharedState) MasterVolume() float32 {
	return math.Float32frombits(s.masterVolBits.Load())
}

// SetMasterEQGain and MasterEQGain report/set one master band's gain in dB.
func (s *SharedState) SetMasterEQGain(band int, db float64) {
	if band < 0 || band >= dsp.NumBands {
		return
	}
	s.masterEQBits[band].Store(math.Float32bits(float32(dsp.ClampGainDB(db))))
	s.masterEQGen.Add(1)
}
func (s *SharedState) MasterEQGain(band int) float64 {
	if band < 0 || band >= dsp.NumBands {
		return 0
	}
	return float64(math.Float32frombits(s.masterEQBits[band].Load()))
}

// MasterEQGeneration returns the current master EQ generation counter.
func (s *SharedState) MasterEQGeneration() uint64 { return s.masterEQGen.Load() }

// SetPeakLevels and PeakLevels report/set the last-measured master output
// peaks, written by the output callback and read by the control thread for
// metering/metrics.
func (s *SharedState) SetPeakLevels(l, r float32) {
	s.peakLBits.Store(math.Float32bits(l))
	s.peakRBits.Store(math.Float32bits(r))
}
func (s *SharedState) PeakLevels() (float32, float32) {
	return math.Float32frombits(s.peakLBits.Load()), math.Float32frombits(s.peakRBits.Load())
}

// AcquireAppSlot claims the first free slot for identity and returns its
// index. Control-thread only. Returns ok=false if the table is full.
func (s *SharedState) AcquireAppSlot(identity string) (int, bool) {
	for i := range s.apps {
		if !s.apps[i].inUse.Load() {
			s.apps[i].reset(identity)
			return i, true
		}
	}
	return -1, false
}

// ReleaseAppSlot frees slot idx. Control-thread only. An audio thread
// mid-read of a slot being released sees a racy but harmless snapshot: the
// slot is never reused within the same control-loop tick that released it.
func (s *SharedState) ReleaseAppSlot(idx int) {
	if idx < 0 || idx >= MaxApps {
		return
	}
	s.apps[idx].inUse.Store(false)
}

// FindAppSlot returns the index of the in-use slot with the given identity.
func (s *SharedState) FindAppSlot(identity string) (int, bool) {
	for i := range s.apps {
		if s.apps[i].inUse.Load() && s.apps[i].identity == identity {
			return i, true
		}
	}
	return -1, false
}

// Slot returns a pointer to app slot idx, or nil if out of range. Callers on
// the audio thread are expected to check InUse() themselves since a slot's
// liveness can change between the lookup and the read.
func (s *SharedState) Slot(idx int) *AppSlot {
	if idx < 0 || idx >= MaxApps {
		return nil
	}
	return &s.apps[idx]
}

// EachInUse calls fn for every currently in-use slot index. Control-thread
// only; used for snapshotting state to publish as events or metrics.
func (s *SharedState) EachInUse(fn func(idx int, slot *AppSlot)) {
	for i := range s.apps {
		if s.apps[i].inUse.Load() {
			fn(i, &s.apps[i])
		}
	}
}
