//go:build windows

// WASAPI-backed CaptureSource with true per-process capture. Each app is
// tapped through a process-loopback audio client (activated against the
// virtual process-loopback device with the target PID and tree-inclusion
// mode), so one app's samples never include another's. Output renders
// through a shared-mode IAudioRenderClient on a device resolved by
// friendly name.
//
// Per-process loopback activation needs ActivateAudioInterfaceAsync with
// an AUDIOCLIENT_ACTIVATION_PARAMS blob, which go-wca does not wrap; that
// one call (and its completion handler) is done over raw COM vtables.
// Everything else goes through github.com/moutend/go-wca.
package backend

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"

	"github.com/enscrypted/gecko/internal/appinfo"
)

// Process loopback is available from Windows 10 2004 (build 19041).
const minProcessLoopbackBuild = 19041

const (
	refTimesPerSec    = 10000000 // REFERENCE_TIME units per second
	capturePollPeriod = 5 * time.Millisecond
	sessionPollPeriod = time.Second

	// AudioSessionStateExpired from the AudioSessionState enumeration.
	audioSessionStateExpired = 2
)

// WASAPIBackend implements CaptureSource on Windows.
type WASAPIBackend struct {
	sampleRate float64
	events     chan Event

	mu       sync.Mutex
	closed   bool
	watchWG  sync.WaitGroup
	watchCtx context.Context
	stopFn   context.CancelFunc
}

// NewWASAPIBackend returns a backend ready to create per-process taps, or
// ErrUnsupportedPlatform when the OS build predates process loopback.
func NewWASAPIBackend(sampleRate float64) (*WASAPIBackend, error) {
	if build := windowsBuildNumber(); build > 0 && build < minProcessLoopbackBuild {
		return nil, fmt.Errorf("%w: process loopback requires Windows build %d, running %d",
			ErrUnsupportedPlatform, minProcessLoopbackBuild, build)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &WASAPIBackend{
		sampleRate: sampleRate,
		events:     make(chan Event, 32),
		watchCtx:   ctx,
		stopFn:     cancel,
	}
	b.watchWG.Add(1)
	go b.watchLoop()
	return b, nil
}

func windowsBuildNumber() int {
	ver, err := syscall.GetVersion()
	if err != nil {
		return 0
	}
	return int(ver >> 16)
}

// Events implements CaptureSource.
func (b *WASAPIBackend) Events() <-chan Event { return b.events }

// Close implements CaptureSource.
func (b *WASAPIBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stopFn()
	b.watchWG.Wait()
	close(b.events)
	return nil
}

func (b *WASAPIBackend) pushEvent(e Event) {
	select {
	case b.events <- e:
	default:
	}
}

// watchLoop polls the default render device and the audio session set,
// translating changes into backend events. Polling sidesteps the COM
// callback registration that IMMNotificationClient/IAudioSessionNotification
// would need. The 1 s poll period is coarser than the engine's 100 ms
// housekeeping tick but well inside its ~5 s relink retry budget.
func (b *WASAPIBackend) watchLoop() {
	defer b.watchWG.Done()
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return
	}
	defer ole.CoUninitialize()

	ticker := time.NewTicker(sessionPollPeriod)
	defer ticker.Stop()

	lastDevice := ""
	lastApps := map[string]bool{}

	for {
		select {
		case <-b.watchCtx.Done():
			return
		case <-ticker.C:
		}

		if name, err := defaultRenderDeviceName(); err == nil && name != lastDevice {
			if lastDevice != "" {
				b.pushEvent(Event{Kind: DefaultDeviceChanged, Name: name})
			}
			lastDevice = name
		}

		apps, err := enumerateAudioSessions(b.watchCtx)
		if err != nil {
			continue
		}
		current := make(map[string]bool, len(apps))
		for _, app := range apps {
			current[app.Identity] = true
			if !lastApps[app.Identity] {
				b.pushEvent(Event{Kind: AppAppeared, Name: app.Identity})
			}
		}
		for identity := range lastApps {
			if !current[identity] {
				b.pushEvent(Event{Kind: AppDisappeared, Name: identity})
			}
		}
		lastApps = current
	}
}

// ListAudioApps implements CaptureSource: apps with a live audio session
// on the default render device.
func (b *WASAPIBackend) ListAudioApps(ctx context.Context) ([]AppInfo, error) {
	return enumerateAudioSessions(ctx)
}

// enumerateAudioSessions walks the default render device's session list
// and resolves each session's PID to a stable identity.
func enumerateAudioSessions(ctx context.Context) ([]AppInfo, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil && !isAlreadyInitialized(err) {
		return nil, fmt.Errorf("%w: CoInitializeEx: %v", ErrBackendFatal, err)
	}
	defer ole.CoUninitialize()

	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return nil, fmt.Errorf("%w: device enumerator: %v", ErrBackendFatal, err)
	}
	defer mmde.Release()

	var mmd *wca.IMMDevice
	if err := mmde.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
		return nil, fmt.Errorf("%w: default render endpoint: %v", ErrDeviceNotFound, err)
	}
	defer mmd.Release()

	var asm2 *wca.IAudioSessionManager2
	if err := mmd.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &asm2); err != nil {
		return nil, fmt.Errorf("%w: session manager: %v", ErrBackendTransient, err)
	}
	defer asm2.Release()

	var sessions *wca.IAudioSessionEnumerator
	if err := asm2.GetSessionEnumerator(&sessions); err != nil {
		return nil, fmt.Errorf("%w: session enumerator: %v", ErrBackendTransient, err)
	}
	defer sessions.Release()

	var count int
	if err := sessions.GetCount(&count); err != nil {
		return nil, fmt.Errorf("%w: session count: %v", ErrBackendTransient, err)
	}

	candidates, err := appinfo.ListAudioCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: process enumeration: %v", ErrBackendTransient, err)
	}
	byPID := make(map[int32]appinfo.Entry, len(candidates))
	for _, c := range candidates {
		byPID[c.PID] = c
	}

	seen := make(map[string]bool)
	var out []AppInfo
	for i := 0; i < count; i++ {
		var asc *wca.IAudioSessionControl
		if err := sessions.GetSession(i, &asc); err != nil {
			continue
		}
		pid, state, ok := sessionPIDAndState(asc)
		asc.Release()
		if !ok || pid == 0 || state == audioSessionStateExpired {
			continue
		}
		entry, known := byPID[int32(pid)]
		if !known || seen[entry.Identity] {
			continue
		}
		seen[entry.Identity] = true
		out = append(out, AppInfo{Identity: entry.Identity, PID: entry.PID, Capturable: entry.Capturable})
	}
	return out, nil
}

// sessionPIDAndState pulls the owning process id and state out of one
// session via IAudioSessionControl2.
func sessionPIDAndState(asc *wca.IAudioSessionControl) (uint32, uint32, bool) {
	dispatch, err := asc.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return 0, 0, false
	}
	asc2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))
	defer asc2.Release()

	var state uint32
	if err := asc2.GetState(&state); err != nil {
		return 0, 0, false
	}
	var pid uint32
	if err := asc2.GetProcessId(&pid); err != nil {
		// AUDCLNT_S_NO_SINGLE_PROCESS: a cross-process session; skip it.
		return 0, 0, false
	}
	return pid, state, true
}

func isAlreadyInitialized(err error) bool {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		// S_FALSE / RPC_E_CHANGED_MODE both mean COM is usable here.
		return oleErr.Code() == 1 || oleErr.Code() == 0x80010106
	}
	return false
}
