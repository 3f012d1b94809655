//go:build !windows

package backend

import "fmt"

// NewPlatformBackend returns the capture backend for this OS. Platforms
// without a native per-app tap fall back to the PortAudio backend and its
// single synthetic app.
func NewPlatformBackend(kind string, sampleRate float64) (CaptureSource, error) {
	switch kind {
	case "", "auto", "portaudio":
		return NewPortAudioBackend()
	case "wasapi":
		return nil, fmt.Errorf("%w: wasapi backend is Windows-only", ErrUnsupportedPlatform)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnsupportedPlatform, kind)
	}
}
