package pipeline

import (
	"errors"
	"fmt"

	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/tts"
)

// ErrBusy is returned when a turn is requested while another is still
// running. Turns are strictly sequential; callers should drop the trigger
// rather than queue it, since the user has moved on by the time a stale
// trigger would fire.
var ErrBusy = errors.New("pipeline: turn already in progress")

// ErrNoSpeech reports a spoken turn whose capture carried no usable speech:
// the recorder never saw a voiced frame, or the transcript came back blank.
// The turn has already returned to IDLE cleanly. Entry loops should idle past
// the settle window before listening again, so the scheduled tracker resume
// can actually fire instead of being cancelled by the next turn's start.
var ErrNoSpeech = errors.New("pipeline: no speech captured")

// DeviceError reports that an audio device the turn depends on is gone.
// It is fatal to the current turn and never retried automatically; the
// operator has to fix the hardware.
type DeviceError struct {
	// Stage is the pipeline stage that hit the device, such as "capture".
	Stage string

	// Err is the underlying device failure.
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("pipeline: %s device unavailable: %v", e.Stage, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SynthesisPipeError reports that the synthesizer pipe broke and the
// engine's single restart attempt failed too. Fatal to the current turn;
// the next turn gets a fresh attempt.
type SynthesisPipeError struct {
	// Err is the underlying pipe failure.
	Err error
}

func (e *SynthesisPipeError) Error() string {
	return fmt.Sprintf("pipeline: synthesis failed after restart: %v", e.Err)
}

func (e *SynthesisPipeError) Unwrap() error { return e.Err }

// classify wraps a stage failure in the error type callers switch on.
// Completion-candidate failures never reach this point: the hedged race
// recovers them in-stream, turning quota and auth errors into an operator
// advisory and anything else into a bracketed note, so the only errors that
// end a turn are device loss, transcription failure, a dead synthesizer,
// and cancellation.
func classify(stage string, err error) error {
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return &DeviceError{Stage: stage, Err: err}
	case errors.Is(err, tts.ErrSynthesisPipe):
		return &SynthesisPipeError{Err: err}
	}
	return fmt.Errorf("pipeline: %s: %w", stage, err)
}
