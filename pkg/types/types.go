// Package lingo defines the shared types used across all Lingo packages.
//
// These types form the lingua franca between providers, the turn engine, and
// the orchestrator. They are intentionally minimal: each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Exchange is one completed user/assistant round trip as committed to the
// conversation record. Spoken turns carry the recognition timing fields;
// typed turns leave them zero.
type Exchange struct {
	// TurnID is the trace ID of the turn that committed the exchange. Empty
	// when the turn ran without an active span.
	TurnID string

	// UserText is the (possibly corrected) transcript or typed input.
	UserText string

	// ReplyText is the full assistant reply as shown on the display surface.
	ReplyText string

	// Spoken indicates whether the user side arrived through the microphone.
	Spoken bool

	// AudioDuration is the length of the captured utterance, zero when typed.
	AudioDuration time.Duration

	// Timestamp is when the exchange was committed.
	Timestamp time.Time
}
