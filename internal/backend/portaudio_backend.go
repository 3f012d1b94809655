// PortAudio-backed CaptureSource. PortAudio has no notion of per-process
// capture, so this backend exposes the machine's default input device as a
// single synthetic app ("System Input") — it exists for development and
// for platforms/tests where a native per-app tap isn't available, not as a
// production per-app backend (see wasapi_windows.go for one of those).
// Streams use a blocking Read/Write-loop goroutine per stream rather than
// a native callback function.
package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// SystemInputIdentity is the synthetic AppInfo.Identity this backend
// reports from ListAudioApps.
const SystemInputIdentity = "System Input"

// FramesPerBuffer is the block size used for both capture and output
// streams opened by this backend.
const FramesPerBuffer = 480 // 10ms at 48kHz

// paStream is the subset of *portaudio.Stream this backend depends on. The
// real type satisfies it structurally; tests substitute a mock so stream
// lifecycle can be exercised without real hardware.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// PortAudioBackend implements CaptureSource over the PortAudio library.
type PortAudioBackend struct {
	events chan Event
}

// NewPortAudioBackend initializes PortAudio and returns a ready backend.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", ErrBackendFatal, err)
	}
	return &PortAudioBackend{events: make(chan Event, 16)}, nil
}

// Events implements CaptureSource.
func (b *PortAudioBackend) Events() <-chan Event { return b.events }

// Close implements CaptureSource.
func (b *PortAudioBackend) Close() error {
	close(b.events)
	return portaudio.Terminate()
}

// ListAudioApps implements CaptureSource: a single synthetic entry for the
// default input device, if one is present.
func (b *PortAudioBackend) ListAudioApps(ctx context.Context) ([]AppInfo, error) {
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return nil, nil
	}
	return []AppInfo{{Identity: SystemInputIdentity, PID: 0, Capturable: true}}, nil
}

type paCaptureHandle struct {
	identity string
	stream   paStream
	running  atomic.Bool
	wg       sync.WaitGroup
}

func (h *paCaptureHandle) AppIdentity() string { return h.identity }

// StartCapture implements CaptureSource. identity must be SystemInputIdentity;
// anything else is ErrAppNotFound since this backend only ever enumerates
// one capturable app.
func (b *PortAudioBackend) StartCapture(ctx context.Context, identity string, pidHint int32, ring CaptureRingWriter) (CaptureHandle, error) {
	if identity != SystemInputIdentity {
		return nil, ErrAppNotFound
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}

	buf := make([]float32, FramesPerBuffer*2)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 2,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      48000,
		FramesPerBuffer: FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture stream: %v", ErrBackendTransient, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start capture stream: %v", ErrBackendTransient, err)
	}

	h := &paCaptureHandle{identity: identity, stream: stream}
	h.start(b, buf, ring)
	return h, nil
}

// start launches the capture goroutine. Split out from StartCapture so
// tests can drive it against a mock stream without opening real hardware.
func (h *paCaptureHandle) start(b *PortAudioBackend, buf []float32, ring CaptureRingWriter) {
	h.running.Store(true)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for h.running.Load() {
			if err := h.stream.Read(); err != nil {
				if h.running.Load() {
					b.pushEvent(Event{Kind: AppDisappeared, Name: h.identity})
				}
				return
			}
			ring.PushSlice(buf)
		}
	}()
}

// StopCapture implements CaptureSource. Idempotent.
func (b *PortAudioBackend) StopCapture(handle CaptureHandle) error {
	h, ok := handle.(*paCaptureHandle)
	if !ok || !h.running.CompareAndSwap(true, false) {
		return nil
	}
	h.stream.Stop()
	h.wg.Wait()
	return h.stream.Close()
}

type paOutputStream struct {
	device  string
	stream  paStream
	running atomic.Bool
	wg      sync.WaitGroup
}

func (s *paOutputStream) DeviceName() string { return s.device }

// StartOutput implements CaptureSource. deviceTarget is matched by name
// against portaudio.Devices(); empty string uses the platform default.
func (b *PortAudioBackend) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error) {
	dev, err := resolveOutputDevice(deviceTarget)
	if err != nil {
		return nil, err
	}

	buf := make([]float32, framesPerBuffer*2)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 2,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open output stream: %v", ErrBackendTransient, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start output stream: %v", ErrBackendTransient, err)
	}

	out := &paOutputStream{device: dev.Name, stream: stream}
	out.start(buf, render)
	return out, nil
}

// start launches the render goroutine. Split out from StartOutput so tests
// can drive it against a mock stream without opening real hardware.
func (s *paOutputStream) start(buf []float32, render RenderCallback) {
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for s.running.Load() {
			render(buf)
			if err := s.stream.Write(); err != nil {
				return
			}
		}
	}()
}

// SwitchOutput implements CaptureSource: stop the old stream and open a new
// one on newDeviceTarget with the same render callback and block size.
func (b *PortAudioBackend) SwitchOutput(stream OutputStream, newDeviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error) {
	if err := b.StopOutput(stream); err != nil {
		return nil, err
	}
	return b.StartOutput(context.Background(), newDeviceTarget, sampleRate, framesPerBuffer, render)
}

// StopOutput implements CaptureSource. Idempotent.
func (b *PortAudioBackend) StopOutput(stream OutputStream) error {
	s, ok := stream.(*paOutputStream)
	if !ok || !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stream.Stop()
	s.wg.Wait()
	return s.stream.Close()
}

func (b *PortAudioBackend) pushEvent(e Event) {
	select {
	case b.events <- e:
	default:
	}
}

func resolveOutputDevice(target string) (*portaudio.DeviceInfo, error) {
	if target == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendTransient, err)
	}
	for _, d := range devices {
		if d.Name == target && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, ErrDeviceNotFound
}
