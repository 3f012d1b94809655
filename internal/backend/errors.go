// Package backend defines the platform-abstract capture/output contract
// the engine drives, plus the sentinel errors every platform variant must
// report through. The engine branches on error kind (not just message),
// so these are errors.New sentinels checked with errors.Is.
package backend

import "errors"

var (
	// ErrEngineNotRunning names the failure of an operation that requires
	// a started engine while it is Idle. The engine itself reports that
	// case as an error event and does not return this value.
	ErrEngineNotRunning = errors.New("backend: engine is not running")

	// ErrUnsupportedPlatform is returned at backend construction time when
	// the running OS/OS-version has no capture implementation.
	ErrUnsupportedPlatform = errors.New("backend: unsupported platform")

	// ErrPermissionDenied is returned when the OS denies the capture
	// permission needed to tap an app's audio (e.g. macOS TCC, Windows
	// loopback consent).
	ErrPermissionDenied = errors.New("backend: permission denied")

	// ErrAppProtected is returned by StartCapture for an app the platform
	// refuses to let any other process capture (DRM-protected playback,
	// OS sandboxing). Not retried.
	ErrAppProtected = errors.New("backend: app is protected from capture")

	// ErrAppNotFound is returned when the identity passed to StartCapture
	// no longer corresponds to a running app.
	ErrAppNotFound = errors.New("backend: app not found")

	// ErrDeviceNotFound is returned when a device_target name does not
	// match any currently present output device.
	ErrDeviceNotFound = errors.New("backend: device not found")

	// ErrBackendTransient marks a failure the engine should retry within
	// its pending-relink retry budget.
	ErrBackendTransient = errors.New("backend: transient failure")

	// ErrBackendFatal marks a failure that forces the engine back to Idle;
	// retrying is pointless (e.g. the backend's native library crashed).
	ErrBackendFatal = errors.New("backend: fatal failure")
)
