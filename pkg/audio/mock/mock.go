// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Script:     frames,
//	    FrameDelay: time.Millisecond,
//	}
//	_ = src.Start(ctx)
//	for frame := range src.Frames() { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] that plays back a
// scripted frame sequence. Set the exported fields before calling Start.
type Source struct {
	mu sync.Mutex

	// Script holds the frames delivered on the Frames channel, in order.
	// The channel is closed once the script is exhausted.
	Script []audio.AudioFrame

	// FrameDelay, when non-zero, is slept between consecutive frames to
	// simulate real-time capture pacing.
	FrameDelay time.Duration

	// StartError is returned by Start. When set, no frames are delivered.
	StartError error

	// ErrResult is returned by Err after the Frames channel closes.
	ErrResult error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.AudioFrame
	closed chan struct{}
	once   sync.Once
}

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source]. It launches a goroutine that feeds the
// scripted frames and then closes the channel.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	s.CallCountStart++
	if s.StartError != nil {
		err := s.StartError
		s.mu.Unlock()
		return err
	}
	s.ensureChannels()
	script := make([]audio.AudioFrame, len(s.Script))
	copy(script, s.Script)
	delay := s.FrameDelay
	s.mu.Unlock()

	go func() {
		defer close(s.frames)
		for _, frame := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				}
			}
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
	}()
	return nil
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureChannels()
	return s.frames
}

// Err implements [audio.Source]. Returns ErrResult.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close implements [audio.Source]. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.ensureChannels()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ensureChannels lazily allocates the frame and close channels. Callers must
// hold s.mu.
func (s *Source) ensureChannels() {
	if s.frames == nil {
		s.frames = make(chan audio.AudioFrame, 16)
	}
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// WriteCall records the arguments of a single [Sink.Write] invocation.
type WriteCall struct {
	// PCM is a copy of the buffer passed to Write.
	PCM []byte

	// At is when the write happened.
	At time.Time
}

// Sink is a mock implementation of [audio.Sink] that records every write.
type Sink struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// WriteError is returned by Write.
	WriteError error

	// WriteDelay, when non-zero, is slept inside Write to simulate a device
	// accepting audio at playback speed.
	WriteDelay time.Duration

	// Writes holds every recorded Write call in order.
	Writes []WriteCall

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// Start implements [audio.Sink]. Returns StartError.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Write implements [audio.Sink]. The buffer is copied before recording so
// callers may reuse it.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	if s.WriteError != nil {
		err := s.WriteError
		s.mu.Unlock()
		return err
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.Writes = append(s.Writes, WriteCall{PCM: buf, At: time.Now()})
	delay := s.WriteDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// Close implements [audio.Sink]. Safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// BytesWritten returns the total number of PCM bytes accepted so far.
func (s *Sink) BytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, w := range s.Writes {
		total += len(w.PCM)
	}
	return total
}

// Reset clears all recorded calls.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes = nil
	s.CallCountStart = 0
	s.CallCountClose = 0
}
