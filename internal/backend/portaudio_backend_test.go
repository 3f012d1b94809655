package backend

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// mockPAStream implements paStream for testing: the first three Read()/Write()
// calls return at once, later ones block until unblockCh is closed, and
// Stop() closes it so the blocked call returns,
// simulating Pa_AbortStream unblocking a pending Pa_ReadStream/WriteStream.
type mockPAStream struct {
	unblockCh chan struct{}
	stopped   atomic.Bool
	closed    atomic.Bool
	reads     atomic.Int32
	writes    atomic.Int32
}

func newMockPAStream() *mockPAStream {
	return &mockPAStream{unblockCh: make(chan struct{})}
}

func (m *mockPAStream) Start() error { return nil }

func (m *mockPAStream) Stop() error {
	m.stopped.Store(true)
	select {
	case <-m.unblockCh:
	default:
		close(m.unblockCh)
	}
	return nil
}

func (m *mockPAStream) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockPAStream) Read() error {
	if m.reads.Add(1) > 3 {
		<-m.unblockCh
		return fmt.Errorf("stream stopped")
	}
	return nil
}

func (m *mockPAStream) Write() error {
	if m.writes.Add(1) > 3 {
		<-m.unblockCh
		return fmt.Errorf("stream stopped")
	}
	return nil
}

type fakeRing struct {
	pushes atomic.Int32
}

func (f *fakeRing) PushSlice(samples []float32) { f.pushes.Add(1) }

func TestCaptureHandleStopIsIdempotentAndUnblocksReader(t *testing.T) {
	stream := newMockPAStream()
	h := &paCaptureHandle{identity: SystemInputIdentity, stream: stream}
	b := &PortAudioBackend{events: make(chan Event, 4)}
	ring := &fakeRing{}

	h.start(b, make([]float32, 16), ring)

	done := make(chan struct{})
	go func() {
		stream.Stop()
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop did not exit after Stop()")
	}

	if ring.pushes.Load() == 0 {
		t.Error("expected at least one PushSlice call before stop")
	}

	// Calling Stop a second time must not hang or panic.
	stream.Stop()
}

func TestOutputStreamStopUnblocksWriter(t *testing.T) {
	stream := newMockPAStream()
	out := &paOutputStream{device: "Test Output", stream: stream}

	var rendered atomic.Int32
	out.start(make([]float32, 16), func(buf []float32) { rendered.Add(1) })

	done := make(chan struct{})
	go func() {
		stream.Stop()
		out.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("output loop did not exit after Stop()")
	}

	if rendered.Load() == 0 {
		t.Error("expected render callback to be invoked at least once")
	}
}

func TestStopCaptureIdempotent(t *testing.T) {
	stream := newMockPAStream()
	h := &paCaptureHandle{identity: SystemInputIdentity, stream: stream}
	b := &PortAudioBackend{events: make(chan Event, 4)}
	h.start(b, make([]float32, 16), &fakeRing{})

	if err := b.StopCapture(h); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := b.StopCapture(h); err != nil {
		t.Fatalf("second StopCapture should be a no-op, got: %v", err)
	}
	if !stream.closed.Load() {
		t.Error("expected stream to be closed")
	}
}

func TestStartCaptureRejectsUnknownIdentity(t *testing.T) {
	b := &PortAudioBackend{events: make(chan Event, 4)}
	_, err := b.StartCapture(nil, "some-other-app", 0, &fakeRing{})
	if err != ErrAppNotFound {
		t.Errorf("got %v, want ErrAppNotFound", err)
	}
}
