// Package mock provides an in-memory mock implementation of the
// [head.Controller] interface for use in unit tests.
//
// The mock records every command. Tests that run the subject concurrently
// (the face tracker, the turn pipeline) must read recordings through the
// snapshot accessors; the exported error fields may be set before the
// subject starts.
package mock

import (
	"context"
	"sync"

	"github.com/lingobotics/lingo/internal/head"
)

// GazeCall records the arguments of a single Gaze invocation.
type GazeCall struct {
	UD, LR float64
}

// Controller is a mock implementation of [head.Controller] that records
// every command.
type Controller struct {
	mu sync.Mutex

	// GestureError is returned by Gesture. The call is still recorded.
	GestureError error

	// GazeError is returned by Gaze. The call is still recorded.
	GazeError error

	// TrackingError is returned by SetTracking. The call is still recorded.
	TrackingError error

	gestures []head.Gesture
	gazes    []GazeCall
	tracking []bool
}

// Compile-time interface assertion.
var _ head.Controller = (*Controller)(nil)

// Gesture implements [head.Controller].
func (c *Controller) Gesture(ctx context.Context, g head.Gesture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gestures = append(c.gestures, g)
	return c.GestureError
}

// Gaze implements [head.Controller].
func (c *Controller) Gaze(ctx context.Context, ud, lr float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gazes = append(c.gazes, GazeCall{UD: ud, LR: lr})
	return c.GazeError
}

// SetTracking implements [head.Controller].
func (c *Controller) SetTracking(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracking = append(c.tracking, on)
	return c.TrackingError
}

// Gestures returns a snapshot of the recorded gesture calls in order.
func (c *Controller) Gestures() []head.Gesture {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]head.Gesture, len(c.gestures))
	copy(out, c.gestures)
	return out
}

// Gazes returns a snapshot of the recorded gaze calls in order.
func (c *Controller) Gazes() []GazeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GazeCall, len(c.gazes))
	copy(out, c.gazes)
	return out
}

// Tracking returns a snapshot of the recorded SetTracking arguments in order.
func (c *Controller) Tracking() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.tracking))
	copy(out, c.tracking)
	return out
}

// Reset clears all recorded calls.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gestures = nil
	c.gazes = nil
	c.tracking = nil
}
