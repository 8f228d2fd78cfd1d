// Package audio defines the frame types and device interfaces shared by the
// capture, recording, and playback stages of the pipeline.
//
// All PCM in this package is 16-bit little-endian. Capture runs mono at the
// recorder's sample rate (16 kHz by default); playback runs at whatever rate
// the synthesizer voice dictates. Conversion between the two never happens —
// the capture and playback paths are independent devices.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when a capture or playback device cannot
// be opened. The error is fatal to the current turn; callers surface it
// rather than retry.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// AudioFrame represents a single fixed-duration frame of capture audio.
// Frames are the atomic unit of the capture path: emitted by a Source,
// classified by VAD, and accumulated by the recorder.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (16000 for the STT capture path).
	SampleRate int

	// Channels: 1 for mono capture. Sources that read stereo devices downmix
	// before emitting.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the PCM layout of a stream or buffer.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 = mono, 2 = stereo.
	Channels int
}

// DefaultCaptureFormat is the format the recorder and STT providers expect.
var DefaultCaptureFormat = Format{SampleRate: 16000, Channels: 1}

// FrameBytes returns the byte length of one frame of duration d in this
// format, assuming 16-bit samples.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// BufferDuration returns the play length of a buffer of n PCM bytes in this
// format, assuming 16-bit samples.
func (f Format) BufferDuration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (f.Channels * 2)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Utterance is one finalized recording: every frame the recorder buffered,
// concatenated, including the calibration window and trailing silence.
type Utterance struct {
	// PCM is the full 16-bit little-endian sample buffer.
	PCM []byte

	// Format is the capture format of PCM.
	Format Format

	// Duration is the play length of PCM.
	Duration time.Duration

	// Voiced reports whether any frame cleared both speech gates. A
	// recording that ran to the duration cap without a single voiced frame
	// is silence; callers skip transcription for it.
	Voiced bool
}

// Source delivers fixed-size PCM frames from a capture device.
//
// After Start, frames arrive on the Frames channel until Close is called or
// the device fails. The channel is closed in both cases; Err reports the
// first fatal device error, or nil after a clean Close. Implementations own
// the channel and must never let a slow consumer wedge the device read loop
// (drop and count instead).
type Source interface {
	// Start opens the device and begins capture. Returns
	// ErrDeviceUnavailable (wrapped) if the device cannot be opened.
	Start(ctx context.Context) error

	// Frames returns the capture channel. It is valid to call before Start;
	// the channel only carries data between Start and Close.
	Frames() <-chan AudioFrame

	// Err returns the first fatal capture error after the Frames channel is
	// closed, or nil.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once.
	Close() error
}

// Sink plays raw PCM on an output device. Write blocks until the device has
// accepted the buffer, which is what the synthesizer's drain tracking relies
// on: a returned Write means the bytes are queued on real hardware.
type Sink interface {
	// Start opens the playback device.
	Start(ctx context.Context) error

	// Write blocks until pcm is handed to the device.
	Write(pcm []byte) error

	// Close stops playback and releases the device. Safe to call more than
	// once.
	Close() error
}
