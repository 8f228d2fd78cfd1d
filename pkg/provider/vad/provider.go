// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (noise floor estimate, hysteresis) so that independent recordings do not
// contaminate each other.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// decision, making it suitable for the per-frame capture loop that gates the
// recorder. The classifier's verdict is advisory — the recorder combines it
// with its own calibrated energy gate before counting a frame as voiced.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match
	// this size.
	FrameSizeMs int

	// Aggressiveness tunes how eagerly frames are classified as speech, from
	// 0 (most permissive) to 3 (most strict). Higher values reduce false
	// positives at the cost of clipping quiet speech onsets.
	Aggressiveness int
}

// SessionHandle represents an active VAD session for a single recording. It
// is an interface so that test code can supply scripted implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame. The frame must be raw
	// little-endian 16-bit PCM at the SampleRate and FrameSizeMs configured
	// when the session was created. Returns an error if the frame size is
	// wrong or the engine fails internally; callers treat an errored frame
	// as not-speech.
	//
	// Called synchronously in the capture loop; it must not block.
	ProcessFrame(frame []byte) (bool, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use between recordings so stale noise-floor state from the
	// previous utterance does not affect the next one.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// The session is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
