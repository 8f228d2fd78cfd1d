// Package observe provides application-wide observability primitives for
// Lingo: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lingo metrics.
const meterName = "github.com/lingobotics/lingo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TurnDuration tracks full conversational turn latency, from the end of
	// utterance capture until the reply finishes playing.
	TurnDuration metric.Float64Histogram

	// CaptureDuration tracks how long utterance capture ran before the
	// silence or hard-cap cutoff. Use with attribute:
	//   attribute.String("reason", ...), "silence" or "max_duration"
	CaptureDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// FirstFragmentLatency tracks time from race start until the winning
	// candidate produced its first text fragment. Use with attribute:
	//   attribute.String("candidate", ...)
	FirstFragmentLatency metric.Float64Histogram

	// DrainWait tracks time spent at commit waiting for synthesized audio to
	// finish playing.
	DrainWait metric.Float64Histogram

	// --- Counters ---

	// RaceOutcomes counts per-candidate results of the completion race. Use
	// with attributes:
	//   attribute.String("candidate", ...), attribute.String("outcome", ...)
	// where outcome is one of "won", "lost", or "error".
	RaceOutcomes metric.Int64Counter

	// WatchdogActivations counts how often the first-token watchdog had to
	// start a backup candidate.
	WatchdogActivations metric.Int64Counter

	// DedupDrops counts streamed fragments discarded as repeats of recently
	// emitted text. Use with attribute:
	//   attribute.String("candidate", ...)
	DedupDrops metric.Int64Counter

	// SynthRestarts counts text-to-speech subprocess restarts.
	SynthRestarts metric.Int64Counter

	// GestureSends counts gesture commands written to the head controller.
	// Use with attribute:
	//   attribute.String("gesture", ...)
	GestureSends metric.Int64Counter

	// --- Gauges ---

	// StateOccupancy tracks how many turns currently occupy each pipeline
	// state. Use with attribute:
	//   attribute.String("state", ...)
	StateOccupancy metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline stage latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets defines histogram bucket boundaries (in seconds) for whole-turn
// and capture spans, which run much longer than a single stage.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("lingo.turn.duration",
		metric.WithDescription("Latency of a full conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("lingo.capture.duration",
		metric.WithDescription("Length of utterance capture by cutoff reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("lingo.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstFragmentLatency, err = m.Float64Histogram("lingo.llm.first_fragment.latency",
		metric.WithDescription("Time from race start until the winner's first fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DrainWait, err = m.Float64Histogram("lingo.tts.drain_wait.duration",
		metric.WithDescription("Time spent at commit waiting for audio playback to drain."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RaceOutcomes, err = m.Int64Counter("lingo.llm.race.outcomes",
		metric.WithDescription("Completion race results by candidate and outcome."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogActivations, err = m.Int64Counter("lingo.llm.race.watchdog_activations",
		metric.WithDescription("Backup candidates started by the first-token watchdog."),
	); err != nil {
		return nil, err
	}
	if met.DedupDrops, err = m.Int64Counter("lingo.llm.race.dedup_drops",
		metric.WithDescription("Streamed fragments dropped as repeats by candidate."),
	); err != nil {
		return nil, err
	}
	if met.SynthRestarts, err = m.Int64Counter("lingo.tts.restarts",
		metric.WithDescription("Text-to-speech subprocess restarts."),
	); err != nil {
		return nil, err
	}
	if met.GestureSends, err = m.Int64Counter("lingo.head.gestures",
		metric.WithDescription("Gesture commands sent to the head controller by gesture."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.StateOccupancy, err = m.Int64UpDownCounter("lingo.pipeline.state_occupancy",
		metric.WithDescription("Turns currently occupying each pipeline state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRaceOutcome is a convenience method that records a completion race
// result for one candidate.
func (m *Metrics) RecordRaceOutcome(ctx context.Context, candidate, outcome string) {
	m.RaceOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("candidate", candidate),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordWatchdogActivation is a convenience method that records one watchdog
// backup start.
func (m *Metrics) RecordWatchdogActivation(ctx context.Context) {
	m.WatchdogActivations.Add(ctx, 1)
}

// RecordDedupDrop is a convenience method that records one discarded repeat
// fragment.
func (m *Metrics) RecordDedupDrop(ctx context.Context, candidate string) {
	m.DedupDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("candidate", candidate)),
	)
}

// RecordSynthRestarts is a convenience method that records n synthesizer
// subprocess restarts.
func (m *Metrics) RecordSynthRestarts(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	m.SynthRestarts.Add(ctx, n)
}

// RecordGestureSend is a convenience method that records one gesture command
// written to the head controller.
func (m *Metrics) RecordGestureSend(ctx context.Context, gesture string) {
	m.GestureSends.Add(ctx, 1,
		metric.WithAttributes(attribute.String("gesture", gesture)),
	)
}

// RecordStateTransition moves one unit of state occupancy from the old state
// to the new one. Either side may be empty to record entering the first state
// or leaving the last.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	if from != "" {
		m.StateOccupancy.Add(ctx, -1,
			metric.WithAttributes(attribute.String("state", from)),
		)
	}
	if to != "" {
		m.StateOccupancy.Add(ctx, 1,
			metric.WithAttributes(attribute.String("state", to)),
		)
	}
}
