// Package metrics exposes engine health as Prometheus collectors. Every
// observation is recorded from the control thread by sampling atomics the
// engine already maintains; nothing here ever runs on, or adds a lock to,
// an audio callback path.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics holds the engine's Prometheus collectors, registered
// against an injectable registry so tests can use a private one.
type EngineMetrics struct {
	ActiveApps        prometheus.Gauge
	CaptureDropped    *prometheus.CounterVec
	OutputUnderruns   prometheus.Counter
	ControlTickTime   prometheus.Histogram
	PeakLevel         *prometheus.GaugeVec
	CommandsHandled   *prometheus.CounterVec
	CaptureRetries    prometheus.Counter
	CaptureGivenUp    prometheus.Counter
	OutputDeviceSwaps prometheus.Counter

	// droppedSeen tracks each app's last-sampled cumulative drop count
	// so the counter only ever advances by the delta.
	droppedSeen map[string]uint64
}

// NewEngineMetrics creates and registers the engine's collectors against
// registry.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{
		ActiveApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gecko_active_apps",
			Help: "Number of apps currently being captured.",
		}),
		CaptureDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gecko_capture_frames_dropped_total",
			Help: "Capture ring overflow drops, per app.",
		}, []string{"app"}),
		OutputUnderruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gecko_output_underruns_total",
			Help: "Output blocks where at least one app's ring ran dry.",
		}),
		ControlTickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gecko_control_loop_tick_seconds",
			Help:    "Control loop housekeeping tick duration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		PeakLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gecko_peak_level",
			Help: "Last measured master output peak, linear amplitude.",
		}, []string{"channel"}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gecko_commands_handled_total",
			Help: "Commands consumed by the control loop, per type.",
		}, []string{"command"}),
		CaptureRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gecko_capture_retries_total",
			Help: "Capture relink attempts for transiently missing apps.",
		}),
		CaptureGivenUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gecko_capture_given_up_total",
			Help: "Captures abandoned after the retry budget was exhausted.",
		}),
		OutputDeviceSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gecko_output_device_swaps_total",
			Help: "Output stream recreations due to device switches.",
		}),
		droppedSeen: make(map[string]uint64),
	}

	collectors := []prometheus.Collector{
		m.ActiveApps, m.CaptureDropped, m.OutputUnderruns, m.ControlTickTime,
		m.PeakLevel, m.CommandsHandled, m.CaptureRetries, m.CaptureGivenUp,
		m.OutputDeviceSwaps,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveDropped advances the per-app dropped-frame counter to the given
// cumulative total. The engine samples each slot's atomic counter on its
// housekeeping tick; this converts the sampled total into a delta.
func (m *EngineMetrics) ObserveDropped(app string, total uint64) {
	seen := m.droppedSeen[app]
	if total > seen {
		m.CaptureDropped.WithLabelValues(app).Add(float64(total - seen))
		m.droppedSeen[app] = total
	}
}

// ForgetApp clears the drop-delta baseline for an app whose capture was
// released, so a later re-capture starts from zero again.
func (m *EngineMetrics) ForgetApp(app string) {
	delete(m.droppedSeen, app)
}

// SetPeaks records the last-sampled master output peaks.
func (m *EngineMetrics) SetPeaks(l, r float32) {
	m.PeakLevel.WithLabelValues("left").Set(float64(l))
	m.PeakLevel.WithLabelValues("right").Set(float64(r))
}
