// Package mock provides scripted implementations of the [vad.Engine] and
// [vad.SessionHandle] interfaces for use in unit tests.
//
// The session replays a scripted decision sequence, one entry per
// ProcessFrame call, and records every frame it sees so tests can assert on
// the capture loop's behavior.
package mock

import (
	"sync"

	"github.com/lingobotics/lingo/pkg/provider/vad"
)

// Engine is a mock implementation of [vad.Engine]. Every NewSession call
// returns the configured Session (or a fresh empty one when nil).
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession when set.
	Session *Session

	// NewSessionError is returned by NewSession when set.
	NewSessionError error

	// NewSessionCalls records the configs passed to NewSession.
	NewSessionCalls []vad.Config
}

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionError != nil {
		return nil, e.NewSessionError
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of [vad.SessionHandle].
// Set Decisions before use; inspect the Call* fields after.
type Session struct {
	mu sync.Mutex

	// Decisions is replayed one entry per ProcessFrame call. Calls beyond
	// the end of the script return the zero value (not speech).
	Decisions []bool

	// Errs maps call index (0-based) to an error returned for that frame.
	Errs map[int]error

	// CallCountProcess records how many times ProcessFrame was called.
	CallCountProcess int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Compile-time interface assertion.
var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle]. It replays the scripted
// decision for the current call index.
func (s *Session) ProcessFrame(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.CallCountProcess
	s.CallCountProcess++
	if err, ok := s.Errs[idx]; ok {
		return false, err
	}
	if idx < len(s.Decisions) {
		return s.Decisions[idx], nil
	}
	return false, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReset++
}

// Close implements [vad.SessionHandle]. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}
