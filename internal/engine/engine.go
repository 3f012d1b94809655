// Package engine coordinates the whole audio path: it owns the platform
// backend, the per-app capture table, the master processor and the shared
// control state, and runs the single control thread that consumes UI
// commands and backend notifications.
//
// Two worlds meet here and must never share a lock. The render callback
// (an OS audio thread) drains per-app rings, runs DSP and fills the
// output buffer using only atomics and a copy-on-write snapshot of the
// capture table. The control loop (one ordinary goroutine) mutates the
// table, talks to the backend, and publishes events; it is the only
// writer of engine state.
package engine

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/metrics"
	"github.com/enscrypted/gecko/internal/processor"
	"github.com/enscrypted/gecko/internal/ring"
	"github.com/enscrypted/gecko/internal/spectrum"
	"github.com/enscrypted/gecko/internal/state"
	"github.com/enscrypted/gecko/internal/transport"
)

// Config fixes the engine's audio format and policies at construction.
type Config struct {
	// SampleRate is the engine-wide rate in Hz. 48000 is canonical;
	// 44100 is permitted.
	SampleRate float64

	// FramesPerBuffer is the output block size in frames.
	FramesPerBuffer int

	// OutputDevice is the stable name of the render device; empty means
	// the platform default.
	OutputDevice string

	// AutoCapture starts capture for every capturable app found at
	// engine start and for apps that appear while running.
	AutoCapture bool
}

// DefaultConfig returns the canonical engine configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		FramesPerBuffer: 480,
		AutoCapture:     true,
	}
}

// Retry policy for captures whose target node vanished transiently: one
// attempt per housekeeping tick until the budget runs out.
const (
	houseTickInterval = 100 * time.Millisecond
	meterInterval     = 33 * time.Millisecond
	retryBudgetTicks  = 50 // ~5 s at the housekeeping cadence

	// stopSettleDelay gives the OS time to migrate app streams off any
	// virtual objects between stopping captures and tearing the backend
	// down.
	stopSettleDelay = 250 * time.Millisecond
)

// appCapture is one live per-app capture: the backend handle, the SPSC
// ring its callback feeds, the processor the render callback runs, and
// the shared-state slot its parameters live in.
type appCapture struct {
	identity string
	slotIdx  int
	ring     *ring.SPSCFloatRing
	proc     *processor.PerAppProcessor
	handle   backend.CaptureHandle

	// buf is the render callback's scratch for this app's block. Sized
	// once at capture start; never grown on the audio thread.
	buf []float32

	// lastDrops is the ring's drop total, in frames, at the previous
	// housekeeping scrape, so only the delta is pushed into the slot counter.
	lastDrops uint64
}

// pendingCapture is an app whose capture target vanished and is being
// relinked. DSP state (slot, processor, ring) is retained so EQ settings
// and filter memory survive handle churn.
type pendingCapture struct {
	ac        *appCapture
	pidHint   int32
	ticksLeft int
}

// Engine is the audio engine state machine. Construct with New, then run
// the control loop with Run; everything else happens through the command
// queue.
type Engine struct {
	cfg      Config
	shared   *state.SharedState
	commands *transport.CommandQueue
	events   *transport.EventQueue
	factory  func() (backend.CaptureSource, error)
	met      *metrics.EngineMetrics
	analyzer *spectrum.Analyzer

	// Control-thread state. Only the control loop touches these.
	backend  backend.CaptureSource
	output   backend.OutputStream
	captures map[string]*appCapture
	pending  map[string]*pendingCapture
	master   *processor.MasterProcessor

	// active is the copy-on-write capture snapshot the render callback
	// iterates. The control loop publishes a fresh slice on every
	// membership change; the callback only ever loads it.
	active atomic.Pointer[[]*appCapture]

	underruns      atomic.Uint64
	lastUnderruns  uint64
	spectrumScrape []float32
}

// Options carries the engine's optional collaborators.
type Options struct {
	// Metrics receives engine health observations; nil disables them.
	Metrics *metrics.EngineMetrics
}

// New builds an Idle engine. factory constructs the platform backend on
// each Start so a failed backend can be rebuilt cleanly on the next one.
func New(cfg Config, shared *state.SharedState, commands *transport.CommandQueue, events *transport.EventQueue, factory func() (backend.CaptureSource, error), opts Options) *Engine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.FramesPerBuffer == 0 {
		cfg.FramesPerBuffer = 480
	}
	return &Engine{
		cfg:            cfg,
		shared:         shared,
		commands:       commands,
		events:         events,
		factory:        factory,
		met:            opts.Metrics,
		analyzer:       spectrum.NewAnalyzer(cfg.SampleRate),
		captures:       make(map[string]*appCapture),
		pending:        make(map[string]*pendingCapture),
		master:         processor.NewMasterProcessor(cfg.SampleRate, cfg.FramesPerBuffer),
		spectrumScrape: make([]float32, 4096),
	}
}

// Running reports whether the engine is currently rendering audio.
func (e *Engine) Running() bool { return e.shared.Running() }

// render is the output callback. It runs on an OS audio thread with a
// hard deadline: no allocation, no lock, no syscall, every loop bounded
// by the block size or the snapshot length.
func (e *Engine) render(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
	if !e.shared.Running() {
		return
	}
	appsPtr := e.active.Load()
	if appsPtr == nil {
		return
	}

	sawUnderrun := false
	for _, ac := range *appsPtr {
		chunk := ac.buf
		if len(chunk) > len(buf) {
			chunk = chunk[:len(buf)]
		}
		n := ac.ring.PopSlice(chunk)
		if n < len(chunk) {
			sawUnderrun = true
		}

		slot := e.shared.Slot(ac.slotIdx)
		if slot == nil || !slot.InUse() {
			continue
		}
		slot.SetInputRMS(rms(chunk))
		ac.proc.ProcessBlock(chunk, slot)
		processor.MixInto(buf, chunk)
	}
	if sawUnderrun {
		e.underruns.Add(1)
	}

	e.master.ProcessBlock(buf, e.shared, e.shared.Spectrum)
}

// rms returns the root-mean-square level of an interleaved block.
func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// publishActive rebuilds the render callback's capture snapshot. Control
// thread only; called after every membership change.
func (e *Engine) publishActive() {
	apps := make([]*appCapture, 0, len(e.captures))
	for _, ac := range e.captures {
		apps = append(apps, ac)
	}
	e.active.Store(&apps)
	if e.met != nil {
		e.met.ActiveApps.Set(float64(len(apps)))
	}
}

// Underruns returns the cumulative count of output blocks in which at
// least one app's ring ran dry.
func (e *Engine) Underruns() uint64 { return e.underruns.Load() }
