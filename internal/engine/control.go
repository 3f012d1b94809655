package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/state"
	"github.com/enscrypted/gecko/internal/transport"
)

// Run executes the control loop until ctx is canceled. It is the single
// consumer of the command queue and the single writer of engine state;
// callers run it on a dedicated goroutine.
func (e *Engine) Run(ctx context.Context) {
	meterTicker := time.NewTicker(meterInterval)
	defer meterTicker.Stop()
	houseTicker := time.NewTicker(houseTickInterval)
	defer houseTicker.Stop()

	for {
		// The backend event channel is nil while Idle, which parks that
		// select arm until a Start succeeds.
		var backendEvents <-chan backend.Event
		if e.backend != nil {
			backendEvents = e.backend.Events()
		}

		select {
		case <-ctx.Done():
			if e.shared.Running() {
				e.stopEngine()
			}
			return

		case cmd := <-e.commands.Chan():
			e.handleCommand(ctx, cmd)

		case evt, ok := <-backendEvents:
			if !ok {
				continue
			}
			e.handleBackendEvent(ctx, evt)

		case <-meterTicker.C:
			e.publishMeters()

		case <-houseTicker.C:
			start := time.Now()
			e.housekeeping(ctx)
			if e.met != nil {
				e.met.ControlTickTime.Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd transport.Command) {
	if err := cmd.Validate(); err != nil {
		e.emitError(err.Error())
		return
	}
	if e.met != nil {
		e.met.CommandsHandled.WithLabelValues(cmd.Type).Inc()
	}

	switch cmd.Type {
	case transport.CmdStart:
		e.cmdStart(ctx)
	case transport.CmdStop:
		e.cmdStop()

	case transport.CmdSetMasterVolume:
		e.shared.SetMasterVolume(cmd.Volume)
	case transport.CmdSetMasterBandGain:
		e.shared.SetMasterEQGain(cmd.Band, cmd.GainDB)
	case transport.CmdSetMasterBypass:
		e.shared.SetMasterBypassed(cmd.Enabled)
	case transport.CmdSetSoftClipEnabled:
		e.shared.SetSoftClipEnabled(cmd.Enabled)

	case transport.CmdSetAppVolume:
		e.withAppSlot(cmd.Identity, func(idx int) { e.shared.Slot(idx).SetVolume(cmd.Volume) })
	case transport.CmdSetAppBandGain:
		e.withAppSlot(cmd.Identity, func(idx int) { e.shared.Slot(idx).SetEQGain(cmd.Band, cmd.GainDB) })
	case transport.CmdSetAppBypass:
		e.withAppSlot(cmd.Identity, func(idx int) { e.shared.Slot(idx).SetBypassed(cmd.Enabled) })

	case transport.CmdStartAppCapture:
		if !e.requireRunning(cmd.Type) {
			return
		}
		if err := e.startCapture(ctx, cmd.Identity, cmd.PIDHint); err != nil {
			e.handleCaptureError(cmd.Identity, cmd.PIDHint, err)
		}
	case transport.CmdStopAppCapture:
		if !e.requireRunning(cmd.Type) {
			return
		}
		e.stopCapture(cmd.Identity, true)

	case transport.CmdListApps:
		if !e.requireRunning(cmd.Type) {
			return
		}
		e.cmdListApps(ctx)

	case transport.CmdSwitchOutput:
		if !e.requireRunning(cmd.Type) {
			return
		}
		e.cmdSwitchOutput(cmd.DeviceName)

	case transport.CmdPollSpectrum:
		e.publishSpectrum(true)
	case transport.CmdPollState:
		e.events.Push(transport.Event{Type: transport.EvtStateSnapshot, ID: uuid.NewString(), State: e.snapshot()})
	}
}

// withAppSlot runs fn against identity's slot, or reports an error event
// if no such app is tracked.
func (e *Engine) withAppSlot(identity string, fn func(idx int)) {
	idx, ok := e.shared.FindAppSlot(identity)
	if !ok {
		e.emitError(fmt.Sprintf("no such app: %s", identity))
		return
	}
	fn(idx)
}

func (e *Engine) requireRunning(cmdType string) bool {
	if !e.shared.Running() {
		e.emitError(fmt.Sprintf("%s requires a running engine", cmdType))
		return false
	}
	return true
}

func (e *Engine) cmdStart(ctx context.Context) {
	if e.shared.Running() {
		e.events.Push(transport.Event{Type: transport.EvtStarted, ID: uuid.NewString()})
		return
	}

	be, err := e.factory()
	if err != nil {
		e.emitError(fmt.Sprintf("backend unavailable: %v", err))
		return
	}

	out, err := be.StartOutput(ctx, e.cfg.OutputDevice, e.cfg.SampleRate, e.cfg.FramesPerBuffer, e.render)
	if err != nil {
		_ = be.Close()
		e.emitError(fmt.Sprintf("open output %q: %v", e.cfg.OutputDevice, err))
		return
	}

	e.backend = be
	e.output = out
	e.master.Reset()
	e.shared.SetPeakLevels(0, 0)
	e.shared.SetRunning(true)
	e.publishActive()

	slog.Info("engine started", "device", out.DeviceName(), "sample_rate", e.cfg.SampleRate, "block_frames", e.cfg.FramesPerBuffer)
	e.events.Push(transport.Event{Type: transport.EvtStarted, ID: uuid.NewString()})

	if e.cfg.AutoCapture {
		e.autoCaptureAll(ctx)
	}
}

// autoCaptureAll enumerates audio apps and starts capture for each
// capturable one.
func (e *Engine) autoCaptureAll(ctx context.Context) {
	apps, err := e.backend.ListAudioApps(ctx)
	if err != nil {
		e.emitError(fmt.Sprintf("enumerate apps: %v", err))
		return
	}
	for _, app := range apps {
		if !app.Capturable {
			e.events.Push(transport.Event{
				Type: transport.EvtStreamDiscovered, ID: uuid.NewString(),
				Identity: app.Identity, PID: app.PID, Capturable: false,
			})
			continue
		}
		if err := e.startCapture(ctx, app.Identity, app.PID); err != nil {
			e.handleCaptureError(app.Identity, app.PID, err)
		}
	}
}

func (e *Engine) cmdStop() {
	if !e.shared.Running() {
		e.events.Push(transport.Event{Type: transport.EvtStopped, ID: uuid.NewString()})
		return
	}
	e.stopEngine()
	e.events.Push(transport.Event{Type: transport.EvtStopped, ID: uuid.NewString()})
}

// stopEngine tears the audio path down: captures first (in parallel),
// then a settle delay so the OS can migrate app streams off any backend
// virtual objects, then the output stream and the backend itself.
func (e *Engine) stopEngine() {
	e.shared.SetRunning(false)

	done := make(chan struct{}, len(e.captures))
	n := 0
	for _, ac := range e.captures {
		if ac.handle == nil {
			continue
		}
		n++
		go func(h backend.CaptureHandle) {
			if err := e.backend.StopCapture(h); err != nil {
				slog.Warn("stop capture failed", "app", h.AppIdentity(), "err", err)
			}
			done <- struct{}{}
		}(ac.handle)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	time.Sleep(stopSettleDelay)

	if e.output != nil {
		if err := e.backend.StopOutput(e.output); err != nil {
			slog.Warn("stop output failed", "err", err)
		}
		e.output = nil
	}
	if err := e.backend.Close(); err != nil {
		slog.Warn("backend close failed", "err", err)
	}
	e.backend = nil

	// Captures are gone but their slots stay in use: EQ and volume
	// settings survive a stop/start cycle, keyed by identity.
	e.captures = make(map[string]*appCapture)
	e.pending = make(map[string]*pendingCapture)
	e.active.Store(nil)
	if e.met != nil {
		e.met.ActiveApps.Set(0)
	}
	slog.Info("engine stopped")
}

func (e *Engine) cmdListApps(ctx context.Context) {
	apps, err := e.backend.ListAudioApps(ctx)
	if err != nil {
		e.emitError(fmt.Sprintf("enumerate apps: %v", err))
		return
	}
	entries := make([]transport.AppEntry, 0, len(apps))
	for _, app := range apps {
		entries = append(entries, transport.AppEntry{Identity: app.Identity, PID: app.PID, Capturable: app.Capturable})
	}
	e.events.Push(transport.Event{Type: transport.EvtAppList, ID: uuid.NewString(), Apps: entries})
}

func (e *Engine) cmdSwitchOutput(deviceName string) {
	newOut, err := e.backend.SwitchOutput(e.output, deviceName, e.cfg.SampleRate, e.cfg.FramesPerBuffer, e.render)
	if err != nil {
		if errors.Is(err, backend.ErrBackendFatal) {
			e.emitError(fmt.Sprintf("switch output: %v", err))
			e.stopEngine()
			e.events.Push(transport.Event{Type: transport.EvtStopped, ID: uuid.NewString()})
			return
		}
		e.emitError(fmt.Sprintf("switch output to %q: %v", deviceName, err))
		return
	}
	e.output = newOut
	if e.met != nil {
		e.met.OutputDeviceSwaps.Inc()
	}
	slog.Info("output switched", "device", newOut.DeviceName())
}

// publishMeters pushes level and spectrum telemetry at the meter cadence.
func (e *Engine) publishMeters() {
	if !e.shared.Running() {
		return
	}
	l, r := e.shared.PeakLevels()
	e.events.Push(transport.Event{Type: transport.EvtLevelUpdate, PeakL: l, PeakR: r})
	if e.met != nil {
		e.met.SetPeaks(l, r)
	}
	e.publishSpectrum(false)
}

// publishSpectrum drains the spectrum ring into the analyzer and pushes a
// binned update. When forced (an explicit poll) an event is pushed even
// if the analysis window isn't full yet, so the caller always gets a
// reply.
func (e *Engine) publishSpectrum(force bool) {
	for {
		n := e.shared.Spectrum.PopSlice(e.spectrumScrape)
		if n == 0 {
			break
		}
		e.analyzer.Feed(e.spectrumScrape[:n])
		if n < len(e.spectrumScrape) {
			break
		}
	}
	bins, ok := e.analyzer.Bins()
	if !ok && !force {
		return
	}
	out := make([]float64, len(bins))
	copy(out, bins[:])
	e.events.Push(transport.Event{Type: transport.EvtSpectrumUpdate, Bins: out})
}

// housekeeping runs once per control tick: capture retries and metric
// scrapes.
func (e *Engine) housekeeping(ctx context.Context) {
	if !e.shared.Running() {
		return
	}
	e.retryPending(ctx)
	e.scrapeDrops()
	if e.met != nil {
		if total := e.underruns.Load(); total > e.lastUnderruns {
			e.met.OutputUnderruns.Add(float64(total - e.lastUnderruns))
			e.lastUnderruns = total
		}
	}
}

// scrapeDrops folds each capture ring's overflow total into its slot's
// cumulative counter and samples it into the metrics layer.
func (e *Engine) scrapeDrops() {
	for identity, ac := range e.captures {
		slot := e.shared.Slot(ac.slotIdx)
		if slot == nil {
			continue
		}
		drops := ac.ring.Dropped() / 2 // the ring counts samples; a stereo frame is two
		if drops > ac.lastDrops {
			slot.AddDroppedFrames(drops - ac.lastDrops)
			ac.lastDrops = drops
		}
		if e.met != nil {
			e.met.ObserveDropped(identity, slot.DroppedFrames())
		}
	}
}

// snapshot builds the full control-plane state for a PollState reply.
func (e *Engine) snapshot() *transport.StateSnapshot {
	snap := &transport.StateSnapshot{
		Running:         e.shared.Running(),
		MasterVolume:    e.shared.MasterVolume(),
		MasterBypassed:  e.shared.MasterBypassed(),
		SoftClipEnabled: e.shared.SoftClipEnabled(),
	}
	for b := 0; b < dsp.NumBands; b++ {
		snap.MasterEQGains[b] = e.shared.MasterEQGain(b)
	}
	e.shared.EachInUse(func(_ int, slot *state.AppSlot) {
		app := transport.AppState{
			Identity:      slot.Identity(),
			Volume:        slot.Volume(),
			Bypassed:      slot.Bypassed(),
			DroppedFrames: slot.DroppedFrames(),
			InputRMS:      slot.InputRMS(),
		}
		for b := 0; b < dsp.NumBands; b++ {
			app.EQGains[b] = slot.EQGain(b)
		}
		snap.Apps = append(snap.Apps, app)
	})
	return snap
}

func (e *Engine) emitError(msg string) {
	slog.Warn("engine error", "msg", msg)
	e.events.Push(transport.Event{Type: transport.EvtError, ID: uuid.NewString(), Message: msg})
}
