// Package tracker points the head at whoever is in front of the robot while
// it waits for the next turn.
//
// The follow loop is active only between turns: a pause from the
// orchestrator or a false report from the configured activity gate idles it.
// Face positions come from an external detector process that owns the
// camera and streams normalised face centres; the tracker maps each centre
// onto the head's servo range, pushes the target away from the midline so
// small offsets read as a visible head turn, and rate-limits the resulting
// gaze commands with a deadband and a dwell time so the head does not
// twitch on detection noise.
//
// Pause releases the camera before it returns. Callers can therefore hand
// the device to another collaborator immediately, without racing the loop.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lingobotics/lingo/internal/head"
)

const (
	// DefaultInterval is the follow loop cadence.
	DefaultInterval = 100 * time.Millisecond

	// DefaultDeadband is the minimum angle change, in degrees on either
	// axis, before a new gaze command is sent.
	DefaultDeadband = 1.0

	// DefaultDwell is the minimum time between gaze commands.
	DefaultDwell = 1500 * time.Millisecond

	// DefaultIdleGrace is how long the tracker waits after becoming active
	// before claiming the camera.
	DefaultIdleGrace = time.Second

	// DefaultRetryBackoff is the wait before reopening the detector after a
	// failure.
	DefaultRetryBackoff = 2500 * time.Millisecond
)

// Servo midlines and push distance. The linear map alone lands most faces a
// few degrees from straight ahead, which the physical head renders as no
// movement at all, so targets are pushed a fixed amount away from the
// midline before clamping.
const (
	gazeUDMid = 150.0
	gazeLRMid = 85.0
	gazePush  = 10.0
)

// Detection is one detector observation: the centre of the dominant face,
// normalised to [0,1] on both axes. X runs left to right in the camera
// image, Y top to bottom.
type Detection struct {
	X float64
	Y float64
}

// Detector streams face detections. Implementations own the camera. The
// channel returned by Detections is closed when the detector stops, after
// which Err reports why (nil for a deliberate Close). A Detector is single
// use: once stopped it cannot be restarted.
type Detector interface {
	Start(ctx context.Context) error
	Detections() <-chan Detection
	Err() error
	Close() error
}

// DetectorFactory opens a fresh Detector. The tracker claims the camera on
// demand and releases it on every pause, so it creates one Detector per
// active stretch.
type DetectorFactory func() (Detector, error)

// Config configures a Tracker. Zero fields take the package defaults.
type Config struct {
	// Interval is the follow loop cadence.
	Interval time.Duration

	// Deadband is the minimum change in degrees, on either axis, before a
	// new gaze command is sent.
	Deadband float64

	// Dwell is the minimum time between gaze commands.
	Dwell time.Duration

	// IdleGrace is how long the tracker waits after becoming active before
	// claiming the camera, so a quick turn-around does not thrash the
	// device.
	IdleGrace time.Duration

	// RetryBackoff is the wait before reopening the detector after a start
	// failure or a dead stream.
	RetryBackoff time.Duration

	// Active optionally gates the loop on pipeline state. When set, faces
	// are followed only while it returns true and the tracker is not
	// paused. Nil gates on pause alone.
	Active func() bool
}

// Tracker runs the face-follow loop. Pause and Resume are safe to call from
// any goroutine while Run is active.
type Tracker struct {
	newDetector DetectorFactory
	head        head.Controller
	cfg         Config

	mu     sync.Mutex
	paused bool
	det    Detector
}

// New creates a Tracker. The loop does not start until Run is called.
func New(newDetector DetectorFactory, ctrl head.Controller, cfg Config) (*Tracker, error) {
	if newDetector == nil {
		return nil, errors.New("tracker: detector factory must not be nil")
	}
	if ctrl == nil {
		return nil, errors.New("tracker: head controller must not be nil")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Deadband == 0 {
		cfg.Deadband = DefaultDeadband
	}
	if cfg.Dwell == 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.IdleGrace == 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Tracker{newDetector: newDetector, head: ctrl, cfg: cfg}, nil
}

// Run drives the follow loop until ctx is cancelled, then releases the
// camera and returns nil. Detector failures are logged and retried behind
// the backoff, never propagated.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	defer t.stopDetector()

	var (
		wasActive  bool
		graceUntil time.Time
		retryAt    time.Time
		lastSent   time.Time
		lastUD     float64
		lastLR     float64
		haveSent   bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		active := t.active()
		switch {
		case active && !wasActive:
			// Waking up between turns: light the tracking indicator, look
			// straight ahead, and let the state settle before claiming the
			// camera.
			_ = t.head.SetTracking(ctx, true)
			if err := t.head.Gaze(ctx, head.GazeUDCenter, head.GazeLRCenter); err == nil {
				lastUD, lastLR = head.GazeUDCenter, head.GazeLRCenter
				lastSent, haveSent = time.Now(), true
			}
			graceUntil = time.Now().Add(t.cfg.IdleGrace)
		case !active && wasActive:
			t.stopDetector()
			// Pause switches the indicator off itself, before the caller's
			// next gesture hits the wire. Only the activity gate path needs
			// to report it from here.
			if !t.isPaused() {
				_ = t.head.SetTracking(ctx, false)
			}
		}
		wasActive = active
		if !active {
			continue
		}

		now := time.Now()
		if !t.hasDetector() {
			if now.Before(graceUntil) || now.Before(retryAt) {
				continue
			}
			if err := t.startDetector(ctx); err != nil {
				retryAt = now.Add(t.cfg.RetryBackoff)
				slog.Warn("tracker: detector start failed",
					"error", err,
					"retryIn", t.cfg.RetryBackoff,
				)
				continue
			}
		}

		d, ok, err := t.poll()
		if err != nil {
			t.stopDetector()
			if t.active() {
				retryAt = now.Add(t.cfg.RetryBackoff)
				slog.Warn("tracker: detector stopped",
					"error", err,
					"retryIn", t.cfg.RetryBackoff,
				)
			}
			continue
		}
		if !ok {
			continue
		}

		ud, lr := aim(d)
		if haveSent {
			if now.Sub(lastSent) < t.cfg.Dwell {
				continue
			}
			if math.Abs(ud-lastUD) < t.cfg.Deadband && math.Abs(lr-lastLR) < t.cfg.Deadband {
				continue
			}
		}
		if err := t.head.Gaze(ctx, ud, lr); err != nil {
			slog.Debug("tracker: gaze send failed", "error", err)
			continue
		}
		lastUD, lastLR = ud, lr
		lastSent, haveSent = now, true
	}
}

// Pause stops face following and releases the camera before returning. The
// tracking indicator is switched off in the same call so the firmware
// processes it ahead of the caller's next gesture. Safe to call when
// already paused.
func (t *Tracker) Pause(ctx context.Context) {
	t.mu.Lock()
	if t.paused {
		t.mu.Unlock()
		return
	}
	t.paused = true
	det := t.det
	t.det = nil
	t.mu.Unlock()

	if det != nil {
		_ = det.Close()
		slog.Debug("tracker: camera released")
	}
	_ = t.head.SetTracking(ctx, false)
	slog.Debug("tracker: paused")
}

// Resume lets the follow loop pick up again on its next tick. The loop
// re-sends the tracking indicator and centres the gaze itself, so resuming
// shortly before the pipeline is back between turns is harmless.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	slog.Debug("tracker: resumed")
}

func (t *Tracker) active() bool {
	if t.isPaused() {
		return false
	}
	if t.cfg.Active != nil {
		return t.cfg.Active()
	}
	return true
}

func (t *Tracker) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Tracker) hasDetector() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.det != nil
}

// startDetector opens and starts a fresh detector. The lock is held across
// the open so that a concurrent Pause cannot return while a camera claim is
// still in flight.
func (t *Tracker) startDetector(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || t.det != nil {
		return nil
	}
	det, err := t.newDetector()
	if err != nil {
		return fmt.Errorf("tracker: open detector: %w", err)
	}
	if err := det.Start(ctx); err != nil {
		_ = det.Close()
		return fmt.Errorf("tracker: start detector: %w", err)
	}
	t.det = det
	slog.Debug("tracker: camera claimed")
	return nil
}

// stopDetector releases the current detector, if any.
func (t *Tracker) stopDetector() {
	t.mu.Lock()
	det := t.det
	t.det = nil
	t.mu.Unlock()
	if det != nil {
		_ = det.Close()
		slog.Debug("tracker: camera released")
	}
}

// poll drains pending detections and returns the freshest one. A non-nil
// error means the detector's stream has ended and the instance must be
// replaced.
func (t *Tracker) poll() (Detection, bool, error) {
	t.mu.Lock()
	det := t.det
	t.mu.Unlock()
	if det == nil {
		// A pause raced this tick. Nothing to follow.
		return Detection{}, false, nil
	}

	var (
		d  Detection
		ok bool
	)
	for {
		select {
		case dd, open := <-det.Detections():
			if !open {
				err := det.Err()
				if err == nil {
					err = errors.New("tracker: detection stream ended")
				}
				return Detection{}, false, err
			}
			d, ok = dd, true
		default:
			return d, ok, nil
		}
	}
}

// aim maps a normalised face centre onto servo angles. Targets off the
// midline are pushed gazePush degrees further out and clamped to the servo
// range, so the deadband comparison always works on the angles that would
// actually be sent.
func aim(d Detection) (ud, lr float64) {
	ud = head.GazeUDMin + (head.GazeUDMax-head.GazeUDMin)*d.Y
	lr = head.GazeLRMin + (head.GazeLRMax-head.GazeLRMin)*d.X
	switch {
	case ud > gazeUDMid:
		ud = min(ud+gazePush, head.GazeUDMax)
	case ud < gazeUDMid:
		ud = max(ud-gazePush, head.GazeUDMin)
	}
	switch {
	case lr > gazeLRMid:
		lr = min(lr+gazePush, head.GazeLRMax)
	case lr < gazeLRMid:
		lr = max(lr-gazePush, head.GazeLRMin)
	}
	return ud, lr
}
