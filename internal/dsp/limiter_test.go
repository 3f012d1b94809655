package dsp

import "testing"

func TestSoftLimiterSaturation(t *testing.T) {
	l := NewSoftLimiter()

	loud := make([]float32, 100)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 1.0
		} else {
			loud[i] = -1.0
		}
	}
	l.ProcessBlock(loud)
	for _, s := range loud {
		if s >= 1.0 || s <= -1.0 {
			t.Errorf("limiter failed to saturate input of magnitude 1.0: got %f", s)
		}
	}
}

func TestSoftLimiterPassesQuietSignalUnchanged(t *testing.T) {
	l := NewSoftLimiter()
	quiet := make([]float32, 10)
	half := DefaultLimiterThreshold * 0.5
	for i := range quiet {
		quiet[i] = half
	}
	orig := half
	l.ProcessBlock(quiet)
	for _, s := range quiet {
		d := s - orig
		if d < 0 {
			d = -d
		}
		if float64(d) > float64(orig)*0.005 {
			t.Errorf("limiter altered quiet signal beyond 0.5%%: got %f, want ~%f", s, orig)
		}
	}
}

func TestSoftLimiterDisabledPassthrough(t *testing.T) {
	l := NewSoftLimiter()
	l.SetEnabled(false)
	in := []float32{2.0, -2.0, 0.3}
	want := []float32{2.0, -2.0, 0.3}
	l.ProcessBlock(in)
	for i := range in {
		if in[i] != want[i] {
			t.Errorf("disabled limiter modified sample %d: got %f, want %f", i, in[i], want[i])
		}
	}
}

func TestVolumeGainClamping(t *testing.T) {
	g := NewVolumeGain()
	g.Set(5.0)
	if g.Linear() != MaxVolumeLinear {
		t.Errorf("got %f, want %f", g.Linear(), MaxVolumeLinear)
	}
	g.Set(-1.0)
	if g.Linear() != MinVolumeLinear {
		t.Errorf("got %f, want %f", g.Linear(), MinVolumeLinear)
	}
}

func TestVolumeGainProcessBlock(t *testing.T) {
	g := NewVolumeGain()
	g.Set(2.0)
	in := []float32{0.1, 0.2, 0.3}
	g.ProcessBlock(in)
	want := []float32{0.2, 0.4, 0.6}
	for i := range in {
		d := in[i] - want[i]
		if d < 0 {
			d = -d
		}
		if d > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, in[i], want[i])
		}
	}
}
