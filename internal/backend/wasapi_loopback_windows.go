//go:build windows

// Per-process loopback capture: activating an IAudioClient against the
// virtual process-loopback device with a target PID and tree-inclusion
// mode. ActivateAudioInterfaceAsync and its completion handler are not
// wrapped by go-wca, so this file builds the activation blob and the
// handler's COM vtable by hand; once the IAudioClient exists, the rest is
// ordinary go-wca capture.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/moutend/go-wca/pkg/wca"
)

var (
	modMmdevapi                     = syscall.NewLazyDLL("mmdevapi.dll")
	procActivateAudioInterfaceAsync = modMmdevapi.NewProc("ActivateAudioInterfaceAsync")
)

const (
	// VIRTUAL_AUDIO_DEVICE_PROCESS_LOOPBACK
	virtualLoopbackDeviceID = `VAD\Process_Loopback`

	// AUDIOCLIENT_ACTIVATION_TYPE_PROCESS_LOOPBACK
	activationTypeProcessLoopback = 1

	// PROCESS_LOOPBACK_MODE_INCLUDE_TARGET_PROCESS_TREE
	loopbackModeIncludeTree = 0

	audclntStreamFlagsLoopback = 0x00020000

	// VT_BLOB for the PROPVARIANT wrapping the activation params.
	vtBlob = 65
)

// audioclientActivationParams mirrors AUDIOCLIENT_ACTIVATION_PARAMS for
// the process-loopback activation type.
type audioclientActivationParams struct {
	ActivationType uint32
	TargetPID      uint32
	LoopbackMode   uint32
}

// blobPropVariant mirrors a PROPVARIANT carrying a VT_BLOB payload.
type blobPropVariant struct {
	Vt       uint16
	_        [3]uint16
	BlobSize uint32
	BlobData *byte
}

// activationHandler is a minimal COM object implementing
// IActivateAudioInterfaceCompletionHandler. The vtable is process-wide;
// per-activation state hangs off the instance.
type activationHandler struct {
	vtbl *activationHandlerVtbl
	done chan struct{}
	op   uintptr // IActivateAudioInterfaceAsyncOperation captured for the waiter
}

type activationHandlerVtbl struct {
	QueryInterface    uintptr
	AddRef            uintptr
	Release           uintptr
	ActivateCompleted uintptr
}

var handlerVtbl = activationHandlerVtbl{
	QueryInterface: syscall.NewCallback(func(this, riid, ppv uintptr) uintptr {
		*(*uintptr)(unsafe.Pointer(ppv)) = this
		return 0 // S_OK; the handler outlives the activation regardless
	}),
	AddRef:  syscall.NewCallback(func(this uintptr) uintptr { return 1 }),
	Release: syscall.NewCallback(func(this uintptr) uintptr { return 1 }),
	ActivateCompleted: syscall.NewCallback(func(this, op uintptr) uintptr {
		h := (*activationHandler)(unsafe.Pointer(this))
		h.op = op
		close(h.done)
		return 0
	}),
}

// activateProcessLoopbackClient synchronously activates an IAudioClient
// bound to pid's process tree, or times out.
func activateProcessLoopbackClient(ctx context.Context, pid uint32) (*wca.IAudioClient, error) {
	deviceID, err := syscall.UTF16PtrFromString(virtualLoopbackDeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device id: %v", ErrBackendFatal, err)
	}

	params := audioclientActivationParams{
		ActivationType: activationTypeProcessLoopback,
		TargetPID:      pid,
		LoopbackMode:   loopbackModeIncludeTree,
	}
	prop := blobPropVariant{
		Vt:       vtBlob,
		BlobSize: uint32(unsafe.Sizeof(params)),
		BlobData: (*byte)(unsafe.Pointer(&params)),
	}

	handler := &activationHandler{vtbl: &handlerVtbl, done: make(chan struct{})}

	var op uintptr
	hr, _, _ := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(deviceID)),
		uintptr(unsafe.Pointer(wca.IID_IAudioClient)),
		uintptr(unsafe.Pointer(&prop)),
		uintptr(unsafe.Pointer(handler)),
		uintptr(unsafe.Pointer(&op)),
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("%w: ActivateAudioInterfaceAsync: 0x%08X", ErrBackendTransient, uint32(hr))
	}

	select {
	case <-handler.done:
	case <-ctx.Done():
		// The completion handler may still fire after this return; an
		// abandoned activation's operation object is left to the OS
		// rather than raced against the late callback.
		return nil, fmt.Errorf("%w: activation timed out", ErrBackendTransient)
	}

	client, err := activationResult(handler.op)
	releaseUnknown(handler.op)
	runtime.KeepAlive(&params)
	runtime.KeepAlive(handler)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// releaseUnknown drops one reference on a raw COM object through its
// IUnknown vtable (slot 2). The activated client extracted from the
// operation holds its own reference and is unaffected.
func releaseUnknown(obj uintptr) {
	if obj == 0 {
		return
	}
	vtbl := *(**[3]uintptr)(unsafe.Pointer(obj))
	_, _, _ = syscall.SyscallN(vtbl[2], obj)
}

// activationResult extracts the activated interface from the async
// operation via IActivateAudioInterfaceAsyncOperation::GetActivateResult
// (vtable slot 3 after IUnknown).
func activationResult(op uintptr) (*wca.IAudioClient, error) {
	if op == 0 {
		return nil, fmt.Errorf("%w: activation produced no operation object", ErrBackendTransient)
	}
	vtbl := *(**[4]uintptr)(unsafe.Pointer(op))
	var activateHR int32
	var unknown uintptr
	hr, _, _ := syscall.SyscallN(vtbl[3], op,
		uintptr(unsafe.Pointer(&activateHR)),
		uintptr(unsafe.Pointer(&unknown)))
	if int32(hr) < 0 {
		return nil, fmt.Errorf("%w: GetActivateResult: 0x%08X", ErrBackendTransient, uint32(hr))
	}
	if activateHR < 0 {
		const errorNotFound = -2147023728 // E_NOTFOUND: process has no audio
		if activateHR == errorNotFound {
			return nil, ErrAppNotFound
		}
		return nil, fmt.Errorf("%w: activation result: 0x%08X", ErrPermissionDenied, uint32(activateHR))
	}
	return (*wca.IAudioClient)(unsafe.Pointer(unknown)), nil
}

// wasapiCaptureHandle is one live per-process tap.
type wasapiCaptureHandle struct {
	identity      string
	audioClient   *wca.IAudioClient
	captureClient *wca.IAudioCaptureClient
	running       atomic.Bool
	wg            sync.WaitGroup
}

func (h *wasapiCaptureHandle) AppIdentity() string { return h.identity }

// StartCapture implements CaptureSource. The capture format is pinned to
// the engine's interleaved float32 stereo at the backend's sample rate;
// the process-loopback virtual device accepts a caller-supplied format
// rather than exposing a mix format of its own.
func (b *WASAPIBackend) StartCapture(ctx context.Context, identity string, pidHint int32, ring CaptureRingWriter) (CaptureHandle, error) {
	pid := uint32(pidHint)
	if pid == 0 {
		apps, err := b.ListAudioApps(ctx)
		if err != nil {
			return nil, err
		}
		for _, app := range apps {
			if app.Identity == identity {
				pid = uint32(app.PID)
				break
			}
		}
		if pid == 0 {
			return nil, ErrAppNotFound
		}
	}

	actCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	client, err := activateProcessLoopbackClient(actCtx, pid)
	if err != nil {
		return nil, err
	}

	wfx := float32StereoFormat(uint32(b.sampleRate))
	bufferDuration := wca.REFERENCE_TIME(refTimesPerSec / 5) // 200 ms device buffer
	if err := client.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, audclntStreamFlagsLoopback, bufferDuration, 0, wfx, nil); err != nil {
		client.Release()
		return nil, fmt.Errorf("%w: initialize loopback client: %v", ErrBackendTransient, err)
	}

	var captureClient *wca.IAudioCaptureClient
	if err := client.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		client.Release()
		return nil, fmt.Errorf("%w: capture client: %v", ErrBackendTransient, err)
	}

	if err := client.Start(); err != nil {
		captureClient.Release()
		client.Release()
		return nil, fmt.Errorf("%w: start capture: %v", ErrBackendTransient, err)
	}

	h := &wasapiCaptureHandle{identity: identity, audioClient: client, captureClient: captureClient}
	h.running.Store(true)
	h.wg.Add(1)
	go h.captureLoop(ring)
	return h, nil
}

// captureLoop drains capture packets into the ring until stopped. It runs
// on an ordinary goroutine polling at capturePollPeriod, well under the
// 200 ms device buffer.
func (h *wasapiCaptureHandle) captureLoop(ring CaptureRingWriter) {
	defer h.wg.Done()
	runtime.LockOSThread()

	for h.running.Load() {
		for {
			var data *byte
			var frames uint32
			var flags uint32
			if err := h.captureClient.GetBuffer(&data, &frames, &flags, nil, nil); err != nil {
				break
			}
			if frames == 0 {
				_ = h.captureClient.ReleaseBuffer(0)
				break
			}
			samples := unsafe.Slice((*float32)(unsafe.Pointer(data)), int(frames)*2)
			ring.PushSlice(samples)
			_ = h.captureClient.ReleaseBuffer(frames)
		}
		time.Sleep(capturePollPeriod)
	}
}

// StopCapture implements CaptureSource. Idempotent; blocks until the
// capture loop has drained so no callback touches the ring afterwards.
func (b *WASAPIBackend) StopCapture(handle CaptureHandle) error {
	h, ok := handle.(*wasapiCaptureHandle)
	if !ok || !h.running.CompareAndSwap(true, false) {
		return nil
	}
	h.wg.Wait()
	_ = h.audioClient.Stop()
	h.captureClient.Release()
	h.audioClient.Release()
	return nil
}

// float32StereoFormat builds the engine's wire format as a WAVEFORMATEX.
func float32StereoFormat(sampleRate uint32) *wca.WAVEFORMATEX {
	const waveFormatIEEEFloat = 0x0003
	const channels = 2
	const bitsPerSample = 32
	blockAlign := uint16(channels * bitsPerSample / 8)
	return &wca.WAVEFORMATEX{
		WFormatTag:      waveFormatIEEEFloat,
		NChannels:       channels,
		NSamplesPerSec:  sampleRate,
		NAvgBytesPerSec: sampleRate * uint32(blockAlign),
		NBlockAlign:     blockAlign,
		WBitsPerSample:  bitsPerSample,
		CbSize:          0,
	}
}
