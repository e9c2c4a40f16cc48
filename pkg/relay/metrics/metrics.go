// Package metrics declares the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Currently connected device sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total device sessions accepted",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Device session lifetime",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	AudioBlocksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_blocks_in_total",
		Help: "Filtered PCM blocks forwarded upstream",
	})

	AudioFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_frames_out_total",
		Help: "Compressed audio frames sent to devices",
	})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_reconnects_total",
		Help: "Upstream link reconnect attempts",
	})

	KeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_key_rotations_total",
		Help: "API key rotations triggered by quota closes",
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tool_calls_total",
		Help: "Tool invocations by name and outcome",
	}, []string{"tool", "outcome"})

	VisionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_vision_requests_total",
		Help: "Image capture requests by outcome",
	}, []string{"outcome"})

	VisionAssemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_vision_assembly_duration_seconds",
		Help:    "Time from first chunk to decoded image",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ResumedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_resumed_sessions_total",
		Help: "Sessions resumed from a prior failure record",
	})
)
