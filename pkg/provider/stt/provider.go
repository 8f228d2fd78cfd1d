// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The pipeline records one utterance at a time, so the interface is a single
// blocking Transcribe call: PCM in, text out. Providers that wrap streaming
// engines buffer internally and return once the engine commits.
//
// Implementations must be safe for concurrent use; the orchestrator runs one
// turn at a time, but fallback wrappers may probe several providers.
package stt

import (
	"context"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
)

// Request carries one finalized utterance to a transcription backend.
type Request struct {
	// PCM is the raw 16-bit little-endian audio buffer.
	PCM []byte

	// Format describes PCM. Most backends require 16 kHz mono.
	Format audio.Format

	// Language is the ISO-639-1 recognition language (e.g. "en").
	// Empty lets the backend auto-detect, if supported.
	Language string
}

// Result is the outcome of a Transcribe call.
type Result struct {
	// Text is the transcribed speech, whitespace-trimmed. Empty means the
	// backend heard no words; callers treat that as "no speech detected".
	Text string

	// AudioDuration is the play length of the submitted PCM.
	AudioDuration time.Duration

	// InferDuration is how long the backend took to transcribe.
	InferDuration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one utterance to text. It blocks until the
	// backend commits or ctx is cancelled. An empty-text Result with nil
	// error is a valid outcome (silence or non-speech audio).
	Transcribe(ctx context.Context, req Request) (Result, error)
}
