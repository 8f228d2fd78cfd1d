// Package tts defines the Engine interface for Text-to-Speech backends.
//
// A TTS engine wraps a speech synthesiser (e.g., a local Piper subprocess)
// and presents an incremental interface: the caller feeds text chunks as the
// LLM produces them and the engine pushes synthesised PCM to an audio.Sink in
// the background. This keeps the mouth moving while the tail of the reply is
// still being generated.
//
// Implementations must be safe for concurrent use: SpeakChunk and
// DrainedSince are called from different goroutines.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
)

// ErrSynthesisPipe is returned by SpeakChunk when the connection to the
// synthesiser is broken and could not be re-established. Callers should treat
// the current utterance as lost and may retry on the next turn; the engine
// attempts one transparent restart before giving up.
var ErrSynthesisPipe = errors.New("tts: synthesis pipe failed")

// Engine is the abstraction over an incremental TTS backend.
type Engine interface {
	// Start launches the synthesiser and begins pumping synthesised PCM to
	// sink. The sink must already be started and must accept audio in the
	// engine's Format. Start returns an error if the synthesiser cannot be
	// launched; it does not block for the lifetime of the engine.
	//
	// The engine stops pumping when ctx is cancelled or Close is called.
	Start(ctx context.Context, sink audio.Sink) error

	// SpeakChunk queues a fragment of text for synthesis. final marks the
	// fragment as ending a sentence, which lets the synthesiser flush rather
	// than wait for more text. Empty or whitespace-only fragments are
	// ignored.
	//
	// Returns ErrSynthesisPipe (wrapped) if the synthesiser is gone and a
	// restart attempt also failed.
	SpeakChunk(text string, final bool) error

	// DrainedSince reports whether at least d has elapsed since the engine
	// last pushed audio to the sink. It returns true when no audio has been
	// pushed at all, so a turn that produced no speech never blocks its
	// caller.
	DrainedSince(d time.Duration) bool

	// Format returns the PCM format the engine emits. Callers use it to
	// construct a matching playback sink before Start.
	Format() audio.Format

	// Close shuts down the synthesiser and releases its resources. Safe to
	// call more than once.
	Close() error
}

// RestartCounter is an optional interface for engines that supervise an
// external synthesiser process. Restarts returns the total number of restarts
// performed so far; callers can diff successive readings to detect restarts
// during one turn.
type RestartCounter interface {
	Restarts() int64
}
