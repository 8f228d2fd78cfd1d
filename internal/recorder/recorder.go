// Package recorder captures one utterance at a time from a capture source.
//
// Every recording starts with a calibration window: the first frames only
// measure the ambient noise floor, and the energy threshold becomes the
// median frame RMS of that window times a margin, clamped to a configured
// range. After calibration a frame counts as voiced only when the VAD
// classifier votes speech and the frame's RMS clears the threshold. The
// double gate keeps fan and servo noise from holding a recording open in
// rooms the classifier alone misjudges.
//
// Recording stops once a voiced stretch is followed by enough trailing
// silence, or at the hard duration cap. Silence before the first voiced
// frame never stops the recording; only the cap does. The returned utterance
// holds every buffered frame, calibration window and trailing silence
// included, so the transcriber hears exactly what the microphone heard.
package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/lingobotics/lingo/internal/observe"
	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/vad"
)

// Defaults for zero Config fields.
const (
	DefaultFrameDuration     = 30 * time.Millisecond
	DefaultAggressiveness    = 3
	DefaultTrailingSilence   = 1200 * time.Millisecond
	DefaultMaxDuration       = 10 * time.Second
	DefaultEnergyMargin      = 2.0
	DefaultEnergyMin         = 2200.0
	DefaultEnergyMax         = 6000.0
	DefaultCalibrationWindow = 500 * time.Millisecond
)

// Cutoff reasons recorded on the capture duration metric.
const (
	reasonSilence     = "silence"
	reasonMaxDuration = "max_duration"
)

// SourceFactory opens a fresh capture source. Sources are single-use: Record
// opens one per call, drains it, and closes it before returning.
type SourceFactory func() (audio.Source, error)

// Config configures a Recorder. Zero fields take the package defaults.
type Config struct {
	// Format is the capture format. Zero means [audio.DefaultCaptureFormat].
	Format audio.Format

	// FrameDuration is the length of one capture frame. The VAD classifier
	// and the energy gate both work at frame granularity.
	FrameDuration time.Duration

	// Aggressiveness tunes the VAD classifier, 0 (permissive) to 3 (strict).
	// Zero means the default of 3.
	Aggressiveness int

	// TrailingSilence is how much continuous silence after speech ends the
	// recording.
	TrailingSilence time.Duration

	// MaxDuration caps a recording regardless of voice activity.
	MaxDuration time.Duration

	// EnergyMargin scales the calibrated noise floor into the threshold.
	EnergyMargin float64

	// EnergyMin and EnergyMax clamp the calibrated threshold, in RMS units
	// of int16 samples. The floor stops a dead-quiet calibration from letting
	// breath noise through; the cap stops a noisy calibration from gating
	// out normal speech.
	EnergyMin float64
	EnergyMax float64

	// CalibrationWindow is how much leading audio is spent measuring the
	// noise floor before classification starts.
	CalibrationWindow time.Duration

	// Metrics receives capture instrumentation. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Recorder turns microphone input into single utterances. Each Record call
// opens its own source and VAD session, so no detection state leaks between
// recordings.
type Recorder struct {
	newSource SourceFactory
	engine    vad.Engine
	cfg       Config
	metrics   *observe.Metrics
}

// New validates cfg and returns a Recorder.
func New(newSource SourceFactory, engine vad.Engine, cfg Config) (*Recorder, error) {
	if newSource == nil {
		return nil, errors.New("recorder: a source factory is required")
	}
	if engine == nil {
		return nil, errors.New("recorder: a vad engine is required")
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultCaptureFormat
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.Aggressiveness == 0 {
		cfg.Aggressiveness = DefaultAggressiveness
	}
	if cfg.TrailingSilence <= 0 {
		cfg.TrailingSilence = DefaultTrailingSilence
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.EnergyMargin <= 0 {
		cfg.EnergyMargin = DefaultEnergyMargin
	}
	if cfg.EnergyMin <= 0 {
		cfg.EnergyMin = DefaultEnergyMin
	}
	if cfg.EnergyMax <= 0 {
		cfg.EnergyMax = DefaultEnergyMax
	}
	if cfg.EnergyMax < cfg.EnergyMin {
		return nil, fmt.Errorf("recorder: energy clamp inverted: min %.0f > max %.0f", cfg.EnergyMin, cfg.EnergyMax)
	}
	if cfg.CalibrationWindow <= 0 {
		cfg.CalibrationWindow = DefaultCalibrationWindow
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Recorder{newSource: newSource, engine: engine, cfg: cfg, metrics: m}, nil
}

// Record captures one utterance, blocking until the silence cutoff, the
// duration cap, or ctx cancellation. The returned error wraps
// [audio.ErrDeviceUnavailable] when the capture device cannot be opened or
// disappears mid-recording.
func (r *Recorder) Record(ctx context.Context) (audio.Utterance, error) {
	src, err := r.newSource()
	if err != nil {
		return audio.Utterance{}, fmt.Errorf("recorder: open capture source: %w", err)
	}
	defer src.Close()

	session, err := r.engine.NewSession(vad.Config{
		SampleRate:     r.cfg.Format.SampleRate,
		FrameSizeMs:    int(r.cfg.FrameDuration / time.Millisecond),
		Aggressiveness: r.cfg.Aggressiveness,
	})
	if err != nil {
		return audio.Utterance{}, fmt.Errorf("recorder: open vad session: %w", err)
	}
	defer session.Close()

	if err := src.Start(ctx); err != nil {
		return audio.Utterance{}, fmt.Errorf("recorder: start capture: %w", err)
	}

	var (
		frameBytes    = r.cfg.Format.FrameBytes(r.cfg.FrameDuration)
		silenceNeeded = max(1, int(r.cfg.TrailingSilence/r.cfg.FrameDuration))
		maxFrames     = int(r.cfg.MaxDuration / r.cfg.FrameDuration)
		calibFrames   = max(1, int(r.cfg.CalibrationWindow/r.cfg.FrameDuration))
	)

	slog.Debug("recorder: capture started",
		"sampleRate", r.cfg.Format.SampleRate,
		"frame", r.cfg.FrameDuration,
		"stopAfter", r.cfg.TrailingSilence)

	var (
		pcm        []byte
		calib      []float64
		threshold  float64
		calibrated bool
		voiced     bool
		trailing   int
		total      int
		reason     string
	)
	start := time.Now()

	for reason == "" {
		var frame audio.AudioFrame
		select {
		case <-ctx.Done():
			return audio.Utterance{}, fmt.Errorf("recorder: %w", ctx.Err())
		case f, ok := <-src.Frames():
			if !ok {
				// Sources close the frame channel on cancellation too;
				// report that as cancellation, not device loss.
				if ctx.Err() != nil {
					return audio.Utterance{}, fmt.Errorf("recorder: %w", ctx.Err())
				}
				err := src.Err()
				if err == nil {
					err = audio.ErrDeviceUnavailable
				}
				return audio.Utterance{}, fmt.Errorf("recorder: capture ended early: %w", err)
			}
			frame = f
		}

		// Short reads happen when a device stops mid-frame; they carry no
		// classifiable audio.
		if len(frame.Data) < frameBytes {
			continue
		}

		pcm = append(pcm, frame.Data...)
		total++

		if !calibrated {
			calib = append(calib, rmsInt16(frame.Data))
			if len(calib) == calibFrames {
				threshold = r.calibrate(calib)
				calibrated = true
			}
		} else {
			rms := rmsInt16(frame.Data)
			speech, verr := session.ProcessFrame(frame.Data)
			if verr != nil {
				// An errored frame counts as not-speech.
				speech = false
			}
			if rms < threshold {
				speech = false
			}
			if speech {
				voiced = true
				trailing = 0
			} else if voiced {
				trailing = min(silenceNeeded, trailing+1)
			}
		}

		switch {
		case total >= maxFrames:
			reason = reasonMaxDuration
		case voiced && trailing >= silenceNeeded:
			reason = reasonSilence
		}
	}

	r.metrics.CaptureDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("reason", reason)))

	utt := audio.Utterance{
		PCM:      pcm,
		Format:   r.cfg.Format,
		Duration: r.cfg.Format.BufferDuration(len(pcm)),
		Voiced:   voiced,
	}
	slog.Info("recorder: capture finished",
		"reason", reason,
		"audio", utt.Duration,
		"voiced", voiced)
	return utt, nil
}

// calibrate turns the calibration window's RMS values into the energy
// threshold: the median times the margin, clamped to [EnergyMin, EnergyMax].
func (r *Recorder) calibrate(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	slices.Sort(sorted)
	base := sorted[len(sorted)/2]
	threshold := math.Max(r.cfg.EnergyMin, math.Min(r.cfg.EnergyMax, base*r.cfg.EnergyMargin))
	slog.Debug("recorder: energy gate calibrated",
		"noiseFloor", int(base), "threshold", int(threshold))
	return threshold
}

// rmsInt16 computes the root mean square of little-endian int16 samples.
func rmsInt16(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
