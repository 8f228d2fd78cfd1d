// Package mock provides a test double for the tts.Engine interface.
//
// Use Engine to verify which text chunks the pipeline hands to synthesis and
// to script how long the engine appears to keep playing audio.
//
// Example:
//
//	e := &mock.Engine{DrainedAfter: 3}
//	_ = e.Start(ctx, sink)
//	_ = e.SpeakChunk("Nice try!", true)
//	// e.DrainedSince reports false three times, then true.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/tts"
)

// SpeakChunkCall records a single invocation of Engine.SpeakChunk.
type SpeakChunkCall struct {
	// Text is the text passed to SpeakChunk.
	Text string
	// Final is the sentence-final flag passed to SpeakChunk.
	Final bool
}

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StartError, if non-nil, is returned by Start.
	StartError error

	// SpeakError, if non-nil, is returned by every SpeakChunk call.
	SpeakError error

	// CloseError, if non-nil, is returned by Close.
	CloseError error

	// DrainedAfter is how many DrainedSince calls report false before the
	// engine reports drained. Zero means drained immediately.
	DrainedAfter int

	// FormatValue is returned by Format. Zero value yields 22050 Hz mono.
	FormatValue audio.Format

	// --- Call records ---

	// Sink is the sink passed to the most recent Start call.
	Sink audio.Sink

	// SpeakCalls records every call to SpeakChunk in order.
	SpeakCalls []SpeakChunkCall

	// CallCountStart is the number of times Start was called.
	CallCountStart int

	// CallCountDrained is the number of times DrainedSince was called.
	CallCountDrained int

	// CallCountClose is the number of times Close was called.
	CallCountClose int
}

// Start records the call and returns StartError.
func (e *Engine) Start(ctx context.Context, sink audio.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStart++
	e.Sink = sink
	return e.StartError
}

// SpeakChunk records the call and returns SpeakError. Like real engines it
// ignores empty and whitespace-only text.
func (e *Engine) SpeakChunk(text string, final bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SpeakCalls = append(e.SpeakCalls, SpeakChunkCall{Text: text, Final: final})
	return e.SpeakError
}

// DrainedSince reports false for the first DrainedAfter calls, then true.
func (e *Engine) DrainedSince(d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountDrained++
	return e.CallCountDrained > e.DrainedAfter
}

// Format returns FormatValue, defaulting to 22050 Hz mono.
func (e *Engine) Format() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FormatValue.SampleRate == 0 {
		return audio.Format{SampleRate: 22050, Channels: 1}
	}
	return e.FormatValue
}

// Close records the call and returns CloseError.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// SpeakCallCount returns the number of recorded SpeakChunk calls. Thread-safe.
func (e *Engine) SpeakCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.SpeakCalls)
}

// SpokenText returns the recorded chunks joined in order, separated by a
// single space for non-final chunks and a newline for final ones. Useful for
// asserting what a whole turn sounded like.
func (e *Engine) SpokenText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out string
	for _, call := range e.SpeakCalls {
		out += call.Text
		if call.Final {
			out += "\n"
		} else {
			out += " "
		}
	}
	return out
}

// Reset clears all recorded calls and the drained counter. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SpeakCalls = nil
	e.Sink = nil
	e.CallCountStart = 0
	e.CallCountDrained = 0
	e.CallCountClose = 0
}

// Ensure Engine implements tts.Engine at compile time.
var _ tts.Engine = (*Engine)(nil)
