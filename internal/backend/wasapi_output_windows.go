//go:build windows

// Output rendering over a shared-mode IAudioRenderClient. Devices are
// addressed by friendly name so the target survives endpoint-id churn
// across unplug/replug cycles.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// wasapiOutputStream is the single render path to the chosen device.
type wasapiOutputStream struct {
	device       string
	audioClient  *wca.IAudioClient
	renderClient *wca.IAudioRenderClient
	bufferFrames uint32
	running      atomic.Bool
	wg           sync.WaitGroup
}

func (s *wasapiOutputStream) DeviceName() string { return s.device }

// StartOutput implements CaptureSource. The stream is pinned to the
// engine's float32 stereo format at the requested rate; a device that
// rejects the rate fails the start rather than resampling.
func (b *WASAPIBackend) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil && !isAlreadyInitialized(err) {
		return nil, fmt.Errorf("%w: CoInitializeEx: %v", ErrBackendFatal, err)
	}
	defer ole.CoUninitialize()

	mmd, name, err := resolveRenderDevice(deviceTarget)
	if err != nil {
		return nil, err
	}
	defer mmd.Release()

	var client *wca.IAudioClient
	if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &client); err != nil {
		return nil, fmt.Errorf("%w: activate render client: %v", ErrBackendTransient, err)
	}

	wfx := float32StereoFormat(uint32(sampleRate))
	bufferDuration := wca.REFERENCE_TIME(refTimesPerSec / 10) // 100 ms device buffer
	if err := client.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, 0, bufferDuration, 0, wfx, nil); err != nil {
		client.Release()
		return nil, fmt.Errorf("%w: device %q rejected %d Hz float stereo: %v", ErrBackendFatal, name, int(sampleRate), err)
	}

	var bufferFrames uint32
	if err := client.GetBufferSize(&bufferFrames); err != nil {
		client.Release()
		return nil, fmt.Errorf("%w: buffer size: %v", ErrBackendTransient, err)
	}

	var renderClient *wca.IAudioRenderClient
	if err := client.GetService(wca.IID_IAudioRenderClient, &renderClient); err != nil {
		client.Release()
		return nil, fmt.Errorf("%w: render service: %v", ErrBackendTransient, err)
	}

	if err := client.Start(); err != nil {
		renderClient.Release()
		client.Release()
		return nil, fmt.Errorf("%w: start render: %v", ErrBackendTransient, err)
	}

	s := &wasapiOutputStream{
		device:       name,
		audioClient:  client,
		renderClient: renderClient,
		bufferFrames: bufferFrames,
	}
	s.running.Store(true)
	s.wg.Add(1)
	go s.renderLoop(framesPerBuffer, sampleRate, render)
	return s, nil
}

// renderLoop feeds the device buffer one engine block at a time, pacing
// itself on the device's current padding.
func (s *wasapiOutputStream) renderLoop(framesPerBuffer int, sampleRate float64, render RenderCallback) {
	defer s.wg.Done()
	runtime.LockOSThread()

	block := make([]float32, framesPerBuffer*2)
	blockPeriod := time.Duration(float64(framesPerBuffer) / sampleRate * float64(time.Second))
	if blockPeriod <= 0 {
		blockPeriod = 10 * time.Millisecond
	}

	for s.running.Load() {
		var padding uint32
		if err := s.audioClient.GetCurrentPadding(&padding); err != nil {
			return
		}
		free := s.bufferFrames - padding
		if int(free) < framesPerBuffer {
			time.Sleep(blockPeriod / 2)
			continue
		}

		var data *byte
		if err := s.renderClient.GetBuffer(uint32(framesPerBuffer), &data); err != nil {
			return
		}
		render(block)
		dst := unsafe.Slice((*float32)(unsafe.Pointer(data)), len(block))
		copy(dst, block)
		if err := s.renderClient.ReleaseBuffer(uint32(framesPerBuffer), 0); err != nil {
			return
		}
	}
}

// SwitchOutput implements CaptureSource: tear the old stream down and
// open a new one on newDeviceTarget with the same render callback.
func (b *WASAPIBackend) SwitchOutput(stream OutputStream, newDeviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error) {
	if err := b.StopOutput(stream); err != nil {
		return nil, err
	}
	return b.StartOutput(context.Background(), newDeviceTarget, sampleRate, framesPerBuffer, render)
}

// StopOutput implements CaptureSource. Idempotent; blocks until the
// render loop has exited.
func (b *WASAPIBackend) StopOutput(stream OutputStream) error {
	s, ok := stream.(*wasapiOutputStream)
	if !ok || !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.wg.Wait()
	_ = s.audioClient.Stop()
	s.renderClient.Release()
	s.audioClient.Release()
	return nil
}

// resolveRenderDevice finds an active render endpoint by friendly name,
// or the default endpoint for an empty target. The caller releases the
// returned device.
func resolveRenderDevice(target string) (*wca.IMMDevice, string, error) {
	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return nil, "", fmt.Errorf("%w: device enumerator: %v", ErrBackendFatal, err)
	}
	defer mmde.Release()

	if target == "" {
		var mmd *wca.IMMDevice
		if err := mmde.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
			return nil, "", fmt.Errorf("%w: no default render device: %v", ErrDeviceNotFound, err)
		}
		name, err := deviceFriendlyName(mmd)
		if err != nil {
			name = "Default Output"
		}
		return mmd, name, nil
	}

	var mmdc *wca.IMMDeviceCollection
	if err := mmde.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &mmdc); err != nil {
		return nil, "", fmt.Errorf("%w: enumerate endpoints: %v", ErrBackendTransient, err)
	}
	defer mmdc.Release()

	var count uint32
	if err := mmdc.GetCount(&count); err != nil {
		return nil, "", fmt.Errorf("%w: endpoint count: %v", ErrBackendTransient, err)
	}
	for i := uint32(0); i < count; i++ {
		var mmd *wca.IMMDevice
		if err := mmdc.Item(i, &mmd); err != nil {
			continue
		}
		name, err := deviceFriendlyName(mmd)
		if err == nil && name == target {
			return mmd, name, nil
		}
		mmd.Release()
	}
	return nil, "", fmt.Errorf("%w: %q", ErrDeviceNotFound, target)
}

// defaultRenderDeviceName returns the default endpoint's friendly name.
func defaultRenderDeviceName() (string, error) {
	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
		return "", err
	}
	defer mmde.Release()

	var mmd *wca.IMMDevice
	if err := mmde.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
		return "", err
	}
	defer mmd.Release()
	return deviceFriendlyName(mmd)
}

// deviceFriendlyName reads PKEY_Device_FriendlyName from an endpoint's
// property store.
func deviceFriendlyName(mmd *wca.IMMDevice) (string, error) {
	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err != nil {
		return "", err
	}
	defer ps.Release()

	var pv wca.PROPVARIANT
	if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err != nil {
		return "", err
	}
	return pv.String(), nil
}
