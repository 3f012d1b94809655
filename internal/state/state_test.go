package state

import "testing"

func TestNewSharedStateDefaults(t *testing.T) {
	s := NewSharedState()
	if s.Running() {
		t.Error("new state should not be running")
	}
	if s.MasterVolume() != 1.0 {
		t.Errorf("got master volume %f, want 1.0", s.MasterVolume())
	}
	if !s.SoftClipEnabled() {
		t.Error("soft clip should default to enabled")
	}
	for b := 0; b < 10; b++ {
		if s.MasterEQGain(b) != 0 {
			t.Errorf("band %d: got %f, want 0", b, s.MasterEQGain(b))
		}
	}
}

func TestMasterVolumeClamps(t *testing.T) {
	s := NewSharedState()
	s.SetMasterVolume(5.0)
	if s.MasterVolume() != 2.0 {
		t.Errorf("got %f, want 2.0", s.MasterVolume())
	}
	s.SetMasterVolume(-1.0)
	if s.MasterVolume() != 0.0 {
		t.Errorf("got %f, want 0.0", s.MasterVolume())
	}
}

// TestMasterEQGenerationBumpsOnChange exercises property #9: a reader that
// caches the generation counter only needs to recompute when it changes.
func TestMasterEQGenerationBumpsOnChange(t *testing.T) {
	s := NewSharedState()
	g0 := s.MasterEQGeneration()
	s.SetMasterEQGain(2, 6.0)
	g1 := s.MasterEQGeneration()
	if g1 == g0 {
		t.Error("generation counter did not advance after SetMasterEQGain")
	}
	g2 := s.MasterEQGeneration()
	if g2 != g1 {
		t.Error("generation counter advanced without a write")
	}
}

func TestAcquireAndReleaseAppSlot(t *testing.T) {
	s := NewSharedState()
	idx, ok := s.AcquireAppSlot("Spotify")
	if !ok {
		t.Fatal("expected slot acquisition to succeed")
	}
	slot := s.Slot(idx)
	if !slot.InUse() || slot.Identity() != "Spotify" {
		t.Fatalf("slot not initialized correctly: inUse=%v identity=%q", slot.InUse(), slot.Identity())
	}
	if slot.Volume() != 1.0 {
		t.Errorf("new slot volume: got %f, want 1.0", slot.Volume())
	}

	found, ok := s.FindAppSlot("Spotify")
	if !ok || found != idx {
		t.Fatalf("FindAppSlot: got (%d, %v), want (%d, true)", found, ok, idx)
	}

	s.ReleaseAppSlot(idx)
	if slot.InUse() {
		t.Error("slot still reports in-use after release")
	}
	if _, ok := s.FindAppSlot("Spotify"); ok {
		t.Error("released slot should no longer be found")
	}
}

func TestAppSlotTableExhaustion(t *testing.T) {
	s := NewSharedState()
	for i := 0; i < MaxApps; i++ {
		if _, ok := s.AcquireAppSlot(string(rune('a' + i%26))); !ok {
			t.Fatalf("slot %d: expected acquisition to succeed", i)
		}
	}
	if _, ok := s.AcquireAppSlot("overflow"); ok {
		t.Error("expected table-full acquisition to fail")
	}
}

func TestAppSlotEQGenerationIsolatedPerApp(t *testing.T) {
	s := NewSharedState()
	i1, _ := s.AcquireAppSlot("App1")
	i2, _ := s.AcquireAppSlot("App2")

	s.Slot(i1).SetEQGain(0, 6.0)
	if g := s.Slot(i2).EQGeneration(); g != 0 {
		t.Errorf("app 2 generation should be untouched by app 1's write, got %d", g)
	}
	if s.Slot(i2).EQGain(0) != 0 {
		t.Error("app 2 gain should be untouched by app 1's write")
	}
}

func TestEachInUseVisitsOnlyLiveSlots(t *testing.T) {
	s := NewSharedState()
	i1, _ := s.AcquireAppSlot("App1")
	_, _ = s.AcquireAppSlot("App2")
	s.ReleaseAppSlot(i1)

	seen := map[string]bool{}
	s.EachInUse(func(idx int, slot *AppSlot) {
		seen[slot.Identity()] = true
	})
	if seen["App1"] {
		t.Error("released app 1 should not be visited")
	}
	if !seen["App2"] {
		t.Error("app 2 should be visited")
	}
}
