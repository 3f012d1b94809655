//go:build windows

package backend

import "fmt"

// NewPlatformBackend returns the per-process capture backend for this OS,
// honoring an explicit kind override ("wasapi" or "portaudio"; empty or
// "auto" picks the native one).
func NewPlatformBackend(kind string, sampleRate float64) (CaptureSource, error) {
	switch kind {
	case "", "auto", "wasapi":
		return NewWASAPIBackend(sampleRate)
	case "portaudio":
		return NewPortAudioBackend()
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnsupportedPlatform, kind)
	}
}
