// Package chunker groups streamed text fragments into speakable chunks.
//
// The synthesiser wants sentence-sized input: too-small writes produce choppy
// prosody, waiting for the full reply wastes the streaming head start. The
// Flusher cuts the fragment stream at three boundaries:
//
//   - a fragment ending in sentence punctuation flushes the buffer as
//     sentence-final,
//   - reaching the word threshold flushes as a continuation,
//   - exceeding the flush interval since the last flush flushes as a
//     continuation, so a slow model never stalls the mouth.
//
// Whatever remains when the stream ends is flushed sentence-final. A Flusher
// is single-turn, single-goroutine state; the orchestrator creates one per
// reply.
package chunker

import (
	"strings"
	"time"
)

const (
	defaultMaxWords      = 10
	defaultFlushInterval = 900 * time.Millisecond
)

// TextChunk is one unit of text handed to the synthesiser. SentenceFinal
// selects the synthesiser's flush framing.
type TextChunk struct {
	Text          string
	SentenceFinal bool
}

// Config configures a Flusher.
type Config struct {
	// MaxWords is the word-count threshold for continuation flushes.
	// Defaults to 10.
	MaxWords int

	// FlushInterval is the elapsed-time threshold since the last flush for
	// continuation flushes. Defaults to 900ms.
	FlushInterval time.Duration
}

// Flusher accumulates fragments and emits TextChunks at flush boundaries.
// Not safe for concurrent use.
type Flusher struct {
	maxWords      int
	flushInterval time.Duration
	now           func() time.Time

	buf       strings.Builder
	words     int
	lastFlush time.Time
}

// New creates a Flusher. The flush-interval clock starts immediately.
func New(cfg Config) *Flusher {
	return newWithClock(cfg, time.Now)
}

// newWithClock lets tests drive the elapsed-time boundary deterministically.
func newWithClock(cfg Config, now func() time.Time) *Flusher {
	maxWords := cfg.MaxWords
	if maxWords <= 0 {
		maxWords = defaultMaxWords
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Flusher{
		maxWords:      maxWords,
		flushInterval: interval,
		now:           now,
		lastFlush:     now(),
	}
}

// Push adds one fragment and returns the chunk it completed, if any. A
// fragment ending in '.', '?', or '!' completes a sentence-final chunk;
// otherwise hitting the word or time threshold completes a continuation
// chunk.
func (f *Flusher) Push(fragment string) (TextChunk, bool) {
	f.buf.WriteString(fragment)
	f.words += strings.Count(fragment, " ")

	if endsSentence(fragment) {
		return f.flush(true)
	}
	if f.words >= f.maxWords || f.now().Sub(f.lastFlush) > f.flushInterval {
		return f.flush(false)
	}
	return TextChunk{}, false
}

// Finish flushes whatever remains as a sentence-final chunk. Call once, at
// end of stream.
func (f *Flusher) Finish() (TextChunk, bool) {
	if f.buf.Len() == 0 {
		return TextChunk{}, false
	}
	return f.flush(true)
}

// flush empties the buffer. Whitespace-only content is discarded but still
// resets the word count and the flush clock, mirroring that a boundary was
// reached.
func (f *Flusher) flush(final bool) (TextChunk, bool) {
	piece := strings.TrimSpace(f.buf.String())
	f.buf.Reset()
	f.words = 0
	f.lastFlush = f.now()
	if piece == "" {
		return TextChunk{}, false
	}
	return TextChunk{Text: piece, SentenceFinal: final}, true
}

// endsSentence reports whether the fragment ends in sentence punctuation.
func endsSentence(fragment string) bool {
	return strings.HasSuffix(fragment, ".") ||
		strings.HasSuffix(fragment, "?") ||
		strings.HasSuffix(fragment, "!")
}
