package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/processor"
	"github.com/enscrypted/gecko/internal/ring"
	"github.com/enscrypted/gecko/internal/state"
	"github.com/enscrypted/gecko/internal/transport"
)

// captureStartTimeout bounds how long a single backend StartCapture may
// block the control thread.
const captureStartTimeout = 2 * time.Second

// startCapture begins (or resumes) capture for identity. DSP state is
// keyed by identity and reused when present: a slot that already exists
// keeps its EQ/volume settings, and a pending relink keeps its processor
// and ring so filter memory survives handle churn.
func (e *Engine) startCapture(ctx context.Context, identity string, pidHint int32) error {
	if _, live := e.captures[identity]; live {
		return nil
	}

	ac := e.adoptOrCreate(identity)
	if ac == nil {
		return fmt.Errorf("per-app table is full (max %d apps)", state.MaxApps)
	}

	cctx, cancel := context.WithTimeout(ctx, captureStartTimeout)
	defer cancel()
	handle, err := e.backend.StartCapture(cctx, identity, pidHint, ac.ring)
	if err != nil {
		return err
	}
	ac.handle = handle

	e.captures[identity] = ac
	delete(e.pending, identity)
	e.publishActive()

	slog.Info("capture started", "app", identity, "pid_hint", pidHint)
	e.events.Push(transport.Event{
		Type: transport.EvtStreamDiscovered, ID: uuid.NewString(),
		Identity: identity, PID: pidHint, Capturable: true,
	})
	return nil
}

// adoptOrCreate returns the appCapture to (re)attach for identity: the
// retained one from a pending relink, or a fresh one bound to the
// identity's existing slot, or a fully new one. Returns nil only when the
// per-app table is exhausted.
func (e *Engine) adoptOrCreate(identity string) *appCapture {
	if p, ok := e.pending[identity]; ok {
		return p.ac
	}

	slotIdx, ok := e.shared.FindAppSlot(identity)
	if !ok {
		slotIdx, ok = e.shared.AcquireAppSlot(identity)
		if !ok {
			return nil
		}
	}

	ac := &appCapture{
		identity: identity,
		slotIdx:  slotIdx,
		ring:     ring.NewSPSCFloatRing(int(e.cfg.SampleRate) * 2), // ~1 s of stereo
		proc:     processor.NewPerAppProcessor(e.cfg.SampleRate),
		buf:      make([]float32, e.cfg.FramesPerBuffer*2),
	}
	ac.proc.Reset()
	return ac
}

// stopCapture releases identity's capture. When releaseSlot is true the
// shared-state slot is freed too (a UI-initiated stop); otherwise the
// slot and its settings stay for a later re-capture.
func (e *Engine) stopCapture(identity string, releaseSlot bool) {
	ac, ok := e.captures[identity]
	if !ok {
		if p, pok := e.pending[identity]; pok && releaseSlot {
			delete(e.pending, identity)
			e.shared.ReleaseAppSlot(p.ac.slotIdx)
			if e.met != nil {
				e.met.ForgetApp(identity)
			}
		}
		return
	}

	delete(e.captures, identity)
	e.publishActive()

	if ac.handle != nil {
		if err := e.backend.StopCapture(ac.handle); err != nil {
			slog.Warn("stop capture failed", "app", identity, "err", err)
		}
		ac.handle = nil
	}

	if releaseSlot {
		e.shared.ReleaseAppSlot(ac.slotIdx)
		if e.met != nil {
			e.met.ForgetApp(identity)
		}
	}
	slog.Info("capture stopped", "app", identity, "slot_released", releaseSlot)
}

// handleCaptureError maps a failed StartCapture to policy: transient
// failures enter the bounded retry set, everything else is surfaced to
// the UI as an error (with a remediation hint where one exists).
func (e *Engine) handleCaptureError(identity string, pidHint int32, err error) {
	switch {
	case errors.Is(err, backend.ErrBackendTransient):
		e.deferCapture(identity, pidHint)
	case errors.Is(err, backend.ErrPermissionDenied):
		e.emitError(fmt.Sprintf("capture %s: permission denied — grant the system audio capture permission in OS settings and retry", identity))
	case errors.Is(err, backend.ErrAppProtected):
		e.emitError(fmt.Sprintf("capture %s: this app is protected by the OS and cannot be captured", identity))
	case errors.Is(err, backend.ErrAppNotFound):
		e.emitError(fmt.Sprintf("capture %s: app has no active audio stream", identity))
	case errors.Is(err, backend.ErrBackendFatal):
		e.emitError(fmt.Sprintf("capture %s: %v", identity, err))
		e.stopEngine()
		e.events.Push(transport.Event{Type: transport.EvtStopped, ID: uuid.NewString()})
	default:
		e.emitError(fmt.Sprintf("capture %s: %v", identity, err))
	}
}

// deferCapture adds identity to the pending relink set with a fresh
// retry budget, retaining any existing DSP state.
func (e *Engine) deferCapture(identity string, pidHint int32) {
	if p, ok := e.pending[identity]; ok {
		p.pidHint = pidHint
		return
	}
	ac := e.adoptOrCreate(identity)
	if ac == nil {
		e.emitError(fmt.Sprintf("capture %s: per-app table is full", identity))
		return
	}
	e.pending[identity] = &pendingCapture{ac: ac, pidHint: pidHint, ticksLeft: retryBudgetTicks}
	slog.Debug("capture deferred", "app", identity, "budget_ticks", retryBudgetTicks)
}

// retryPending re-attempts each deferred capture once per housekeeping
// tick. An entry whose budget runs out is dropped: its slot is freed and
// StreamRemoved tells the UI the app is gone.
func (e *Engine) retryPending(ctx context.Context) {
	for identity, p := range e.pending {
		if e.met != nil {
			e.met.CaptureRetries.Inc()
		}
		err := e.startCapture(ctx, identity, p.pidHint)
		if err == nil {
			continue // startCapture removed the pending entry
		}
		if !errors.Is(err, backend.ErrBackendTransient) && !errors.Is(err, backend.ErrAppNotFound) {
			delete(e.pending, identity)
			e.shared.ReleaseAppSlot(p.ac.slotIdx)
			e.handleCaptureError(identity, p.pidHint, err)
			continue
		}
		p.ticksLeft--
		if p.ticksLeft > 0 {
			continue
		}
		delete(e.pending, identity)
		e.shared.ReleaseAppSlot(p.ac.slotIdx)
		if e.met != nil {
			e.met.CaptureGivenUp.Inc()
			e.met.ForgetApp(identity)
		}
		slog.Info("capture abandoned after retry budget", "app", identity)
		e.events.Push(transport.Event{Type: transport.EvtStreamRemoved, ID: uuid.NewString(), Identity: identity})
	}
}

// handleBackendEvent maps backend notifications onto capture lifecycle.
func (e *Engine) handleBackendEvent(ctx context.Context, evt backend.Event) {
	switch evt.Kind {
	case backend.AppAppeared:
		if !e.cfg.AutoCapture {
			if _, pending := e.pending[evt.Name]; !pending {
				return
			}
		}
		if err := e.startCapture(ctx, evt.Name, 0); err != nil {
			e.handleCaptureError(evt.Name, 0, err)
		}

	case backend.AppDisappeared:
		// The node may be a transient replacement (scrubbing, stream
		// format change); keep the DSP state and try to relink before
		// declaring the app gone.
		ac, ok := e.captures[evt.Name]
		if !ok {
			return
		}
		delete(e.captures, evt.Name)
		e.publishActive()
		if ac.handle != nil {
			if err := e.backend.StopCapture(ac.handle); err != nil {
				slog.Debug("stop vanished capture", "app", evt.Name, "err", err)
			}
			ac.handle = nil
		}
		e.pending[evt.Name] = &pendingCapture{ac: ac, ticksLeft: retryBudgetTicks}
		slog.Debug("capture node vanished, relinking", "app", evt.Name)

	case backend.DefaultDeviceChanged:
		slog.Info("default output device changed", "device", evt.Name)
		e.cmdSwitchOutput(evt.Name)
	}
}
