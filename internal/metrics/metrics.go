// Package metrics defines the Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus collectors exported by voicebridge.
type Metrics struct {
	// Call lifecycle
	ActiveCalls  prometheus.Gauge
	CallsStarted prometheus.Counter
	CallsFailed  prometheus.Counter
	CallDuration prometheus.Histogram

	// Audio flow
	FramesInbound  prometheus.Counter
	FramesOutbound prometheus.Counter
	FramesDropped  *prometheus.CounterVec // labelled by reason

	// Upstream session
	CommitsSent    prometheus.Counter
	BargeIns       prometheus.Counter
	UpstreamErrors prometheus.Counter
}

// New creates and registers all collectors on reg. Passing
// prometheus.DefaultRegisterer wires them into the default /metrics handler;
// tests pass a private registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_calls",
			Help: "Number of phone calls currently bridged.",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_calls_started_total",
			Help: "Total telephony streams accepted.",
		}),
		CallsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_calls_failed_total",
			Help: "Calls that ended due to a fatal error rather than hangup.",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_call_duration_seconds",
			Help:    "Bridged call duration from stream accept to teardown.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FramesInbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_frames_inbound_total",
			Help: "Caller media frames forwarded to the AI session.",
		}),
		FramesOutbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_frames_outbound_total",
			Help: "AI audio chunks returned to the caller.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_frames_dropped_total",
			Help: "Frames dropped instead of forwarded.",
		}, []string{"reason"}),
		CommitsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_commits_total",
			Help: "input_audio_buffer.commit directives issued upstream.",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_barge_ins_total",
			Help: "Response cancellations triggered by caller speech.",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_upstream_errors_total",
			Help: "Non-fatal error events reported by the AI session.",
		}),
	}
}

// Drop reasons used with FramesDropped.
const (
	DropMalformed  = "malformed"
	DropEmpty      = "empty"
	DropNoStream   = "no_stream"
	DropWriteError = "write_error"
)
