package appinfo

import (
	"context"
	"testing"
)

func TestDisplayNameStripsPlatformSuffix(t *testing.T) {
	cases := map[string]string{
		"Spotify.exe": "Spotify",
		"Music.app":   "Music",
		"firefox":     "firefox",
	}
	for in, want := range cases {
		if got := displayName(in); got != want {
			t.Errorf("displayName(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestProtectedNamesLowercaseLookup(t *testing.T) {
	if !ProtectedNames["audiodg.exe"] {
		t.Error("audiodg.exe should be marked protected")
	}
	if ProtectedNames["spotify.exe"] {
		t.Error("spotify.exe should not be marked protected")
	}
}

func TestListAudioCandidatesRunsWithoutError(t *testing.T) {
	// ProcessesWithContext enumerates the real host's processes; this
	// just verifies the call wiring and sort stability, not specific
	// process contents, since the test host's process list is not fixed.
	entries, err := ListAudioCandidates(context.Background())
	if err != nil {
		t.Fatalf("ListAudioCandidates: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Identity > entries[i].Identity {
			t.Fatalf("entries not sorted: %q > %q", entries[i-1].Identity, entries[i].Identity)
		}
	}
}
