// Package appinfo provides process enumeration shared by the platform
// capture backends: turning a running process into a stable AppIdentity
// and a capturable/protected judgement, independent of any one backend's
// native audio API.
package appinfo

import (
	"context"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProtectedNames lists process names the OS is known to sandbox from
// third-party audio capture (DRM-gated playback, OS system sounds). This
// is a denylist of best-effort heuristics, not an authoritative source —
// a real backend should prefer the platform's own permission error.
var ProtectedNames = map[string]bool{
	"audiodg.exe":    true, // Windows audio device graph isolation host
	"coreaudiod":     true, // macOS core audio daemon
	"systemsettings": true,
}

// Entry is one running process considered as an audio app.
type Entry struct {
	Identity   string
	PID        int32
	Capturable bool
}

// ListAudioCandidates enumerates running processes and returns one Entry
// per distinct executable name, sorted by identity for stable ordering.
// It does not itself know which processes are actively producing audio —
// platform backends are expected to intersect this list with their own
// audio-session enumeration (WASAPI sessions, PipeWire nodes, CoreAudio
// taps) to get the live set.
func ListAudioCandidates(ctx context.Context) ([]Entry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]*Entry)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		identity := displayName(name)
		if existing, ok := seen[identity]; ok {
			existing.PID = p.Pid
			continue
		}
		seen[identity] = &Entry{
			Identity:   identity,
			PID:        p.Pid,
			Capturable: !ProtectedNames[strings.ToLower(name)],
		}
	}

	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// displayName strips a platform executable suffix so the same app has a
// stable identity across process restarts.
func displayName(execName string) string {
	name := strings.TrimSuffix(execName, ".exe")
	name = strings.TrimSuffix(name, ".app")
	return name
}
