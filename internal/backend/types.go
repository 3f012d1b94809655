package backend

import "context"

// AppInfo describes one currently running app with an audio stream, as
// enumerated by ListAudioApps.
type AppInfo struct {
	Identity   string // stable display name, used as the SharedState key
	PID        int32  // transient OS process id, a hint only
	Capturable bool   // false for apps the OS sandboxes from capture
}

// CaptureHandle is an opaque backend-owned reference to one live per-app
// capture, returned by StartCapture and passed back to StopCapture.
type CaptureHandle interface {
	// AppIdentity returns the identity this handle was opened for.
	AppIdentity() string
}

// OutputStream is an opaque backend-owned reference to the render stream
// opened by StartOutput.
type OutputStream interface {
	// DeviceName returns the stable device target name this stream was
	// opened against.
	DeviceName() string
}

// EventKind discriminates the notifications a backend pushes to the
// engine through its event channel.
type EventKind int

const (
	DefaultDeviceChanged EventKind = iota
	AppAppeared
	AppDisappeared
)

// Event is one backend-sourced notification. Name carries the device name
// for DefaultDeviceChanged or the app identity for AppAppeared/AppDisappeared.
type Event struct {
	Kind EventKind
	Name string
}

// CaptureSource is the platform-abstract contract the engine drives; each
// platform backend (the Windows WASAPI loopback variant, or the generic
// portaudio fallback used for development and tests) implements it. The
// engine's control loop only ever sees this interface, so no build tag
// leaks above the backend package.
type CaptureSource interface {
	// StartCapture begins delivering identity's audio into ring. Blocking
	// permitted on the control thread; should complete within a few
	// hundred milliseconds. pidHint, if nonzero, may speed resolution on
	// backends that need a PID to attach (not authoritative: identity is
	// the key of record). Returns ErrAppProtected, ErrAppNotFound,
	// ErrPermissionDenied, or a wrapped ErrBackendTransient/ErrBackendFatal.
	StartCapture(ctx context.Context, identity string, pidHint int32, ring CaptureRingWriter) (CaptureHandle, error)

	// StopCapture releases OS resources for handle. Idempotent.
	StopCapture(handle CaptureHandle) error

	// ListAudioApps enumerates currently running apps with audio.
	ListAudioApps(ctx context.Context) ([]AppInfo, error)

	// StartOutput opens a render stream on the named device. deviceTarget
	// is a stable device name, not a transient OS identifier. Empty string
	// requests the platform default output.
	StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error)

	// SwitchOutput atomically changes the output device; mixer/master
	// state and per-app rings are preserved across the call. render is
	// reused unchanged for the new stream.
	SwitchOutput(stream OutputStream, newDeviceTarget string, sampleRate float64, framesPerBuffer int, render RenderCallback) (OutputStream, error)

	// StopOutput releases the render stream's OS resources.
	StopOutput(stream OutputStream) error

	// Events returns a channel of backend notifications. The channel is
	// closed when the backend is torn down (engine Stop).
	Events() <-chan Event

	// Close releases any backend-wide resources (e.g. a native audio
	// library's global init). Called once, on engine Stop after every
	// capture and the output stream have already been stopped.
	Close() error
}

// CaptureRingWriter is the narrow producer-side contract a backend's
// capture callback needs: push newly captured interleaved samples. It is
// satisfied by *ring.SPSCFloatRing; kept as an interface here so this
// package does not need to import ring's concrete type in the exported
// contract.
type CaptureRingWriter interface {
	PushSlice(samples []float32)
}

// RenderCallback is invoked by the backend's output stream once per block
// to fill buf with the next block of interleaved samples. It must not
// block, allocate, or call back into the engine's command queue.
type RenderCallback func(buf []float32)
