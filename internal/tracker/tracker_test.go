package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	headmock "github.com/lingobotics/lingo/internal/head/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

// fakeDetector is a scripted Detector. feed delivers detections; die ends
// the stream as a crash would, leaving Err to report errResult.
type fakeDetector struct {
	out       chan Detection
	startErr  error
	errResult error

	mu        sync.Mutex
	starts    int
	closes    int
	closeOnce sync.Once
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{out: make(chan Detection, 32)}
}

func (f *fakeDetector) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeDetector) Detections() <-chan Detection { return f.out }

func (f *fakeDetector) Err() error { return f.errResult }

func (f *fakeDetector) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.out) })
	return nil
}

func (f *fakeDetector) feed(d Detection) { f.out <- d }

func (f *fakeDetector) die() { f.closeOnce.Do(func() { close(f.out) }) }

func (f *fakeDetector) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// detectorScript hands out detectors in order and records when the factory
// was called. When the prepared queue is empty it mints plain fakes.
type detectorScript struct {
	mu    sync.Mutex
	next  []*fakeDetector
	made  []*fakeDetector
	calls []time.Time
}

func (s *detectorScript) factory() (Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	var det *fakeDetector
	if len(s.next) > 0 {
		det = s.next[0]
		s.next = s.next[1:]
	} else {
		det = newFakeDetector()
	}
	s.made = append(s.made, det)
	return det, nil
}

func (s *detectorScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.made)
}

func (s *detectorScript) at(i int) *fakeDetector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.made[i]
}

func (s *detectorScript) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.calls))
	copy(out, s.calls)
	return out
}

// fastConfig keeps loop timing tight enough for tests.
func fastConfig() Config {
	return Config{
		Interval:     2 * time.Millisecond,
		Deadband:     1.0,
		Dwell:        time.Millisecond,
		IdleGrace:    time.Millisecond,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// runTracker starts Run on its own goroutine and stops it on test cleanup.
func runTracker(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tr.Run(ctx); err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Run did not stop after cancellation")
		}
	})
}

// ─── pure helpers ─────────────────────────────────────────────────────────────

// TestNew_Validation checks the constructor rejections.
func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}

	if _, err := New(nil, ctrl, Config{}); err == nil {
		t.Error("expected error for nil detector factory, got nil")
	}
	if _, err := New(script.factory, nil, Config{}); err == nil {
		t.Error("expected error for nil head controller, got nil")
	}
	if _, err := New(script.factory, ctrl, Config{}); err != nil {
		t.Errorf("New with defaults: %v", err)
	}
}

// TestAim checks the centre-to-angle map: linear across the servo range,
// pushed away from the midline, clamped at the ends.
func TestAim(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		d      Detection
		ud, lr float64
	}{
		{"dead centre stays put", Detection{X: 0.5, Y: 0.5}, 150, 85},
		{"top left clamps low", Detection{X: 0, Y: 0}, 135, 60},
		{"bottom right clamps high", Detection{X: 1, Y: 1}, 165, 110},
		{"low face pushes down to the cap", Detection{X: 0.5, Y: 0.75}, 165, 85},
		{"left face pushes left", Detection{X: 0.25, Y: 0.5}, 150, 62.5},
		{"right face pushes right", Detection{X: 0.75, Y: 0.5}, 150, 107.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ud, lr := aim(tc.d)
			if ud != tc.ud || lr != tc.lr {
				t.Errorf("aim(%+v) = (%v, %v), want (%v, %v)", tc.d, ud, lr, tc.ud, tc.lr)
			}
		})
	}
}

// TestParseDetection checks line parsing and the [0,1] clamp.
func TestParseDetection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		line string
		want Detection
		ok   bool
	}{
		{"plain pair", "0.5 0.25", Detection{X: 0.5, Y: 0.25}, true},
		{"padded with tabs", " 0.5\t0.25 ", Detection{X: 0.5, Y: 0.25}, true},
		{"out of range is clamped", "1.5 -0.25", Detection{X: 1, Y: 0}, true},
		{"one field", "0.5", Detection{}, false},
		{"three fields", "0.5 0.25 0.1", Detection{}, false},
		{"not numbers", "a b", Detection{}, false},
		{"empty line", "", Detection{}, false},
		{"nan rejected", "NaN 0.5", Detection{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseDetection(tc.line)
			if ok != tc.ok || got != tc.want {
				t.Errorf("parseDetection(%q) = (%+v, %v), want (%+v, %v)",
					tc.line, got, ok, tc.want, tc.ok)
			}
		})
	}
}

// ─── follow loop ──────────────────────────────────────────────────────────────

// TestTracker_FollowsFaceBetweenTurns checks the wake sequence (indicator
// on, centred gaze, camera claim) and that a detection turns into a gaze
// command at the mapped angles.
func TestTracker_FollowsFaceBetweenTurns(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	tr, err := New(script.factory, ctrl, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "tracking indicator on", func() bool {
		tracking := ctrl.Tracking()
		return len(tracking) >= 1 && tracking[0]
	})
	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })

	script.at(0).feed(Detection{X: 0.75, Y: 0.75})
	waitFor(t, time.Second, "gaze command for the face", func() bool {
		return len(ctrl.Gazes()) >= 2
	})

	gazes := ctrl.Gazes()
	if gazes[0] != (headmock.GazeCall{UD: 140, LR: 85}) {
		t.Errorf("wake gaze = %+v, want centre {140 85}", gazes[0])
	}
	if gazes[1] != (headmock.GazeCall{UD: 165, LR: 107.5}) {
		t.Errorf("face gaze = %+v, want {165 107.5}", gazes[1])
	}
}

// TestTracker_DeadbandSuppressesJitter checks that a detection within the
// deadband of the last sent angles produces no command while a real move
// still does.
func TestTracker_DeadbandSuppressesJitter(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	tr, err := New(script.factory, ctrl, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })
	det := script.at(0)

	det.feed(Detection{X: 0.75, Y: 0.75})
	waitFor(t, time.Second, "first face gaze", func() bool { return len(ctrl.Gazes()) >= 2 })

	// Barely off the last position on both axes.
	det.feed(Detection{X: 0.752, Y: 0.75})
	time.Sleep(30 * time.Millisecond)
	if got := len(ctrl.Gazes()); got != 2 {
		t.Errorf("gaze count after jitter = %d, want 2", got)
	}

	// A real move passes the deadband and proves detections still flow.
	det.feed(Detection{X: 0.25, Y: 0.25})
	waitFor(t, time.Second, "gaze for the real move", func() bool { return len(ctrl.Gazes()) >= 3 })
	if got := ctrl.Gazes()[2]; got != (headmock.GazeCall{UD: 135, LR: 62.5}) {
		t.Errorf("move gaze = %+v, want {135 62.5}", got)
	}
}

// TestTracker_DwellLimitsSendRate checks that continuous large face motion
// is throttled to roughly one gaze command per dwell period.
func TestTracker_DwellLimitsSendRate(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	cfg := fastConfig()
	cfg.Dwell = 60 * time.Millisecond
	tr, err := New(script.factory, ctrl, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })
	det := script.at(0)

	// Feed alternating far-apart positions for ~200 ms. Every one of them
	// passes the deadband, so only the dwell limits the rate.
	stop := time.Now().Add(200 * time.Millisecond)
	flip := false
	for time.Now().Before(stop) {
		if flip {
			det.feed(Detection{X: 0.9, Y: 0.9})
		} else {
			det.feed(Detection{X: 0.1, Y: 0.1})
		}
		flip = !flip
		time.Sleep(3 * time.Millisecond)
	}

	got := len(ctrl.Gazes())
	if got < 2 {
		t.Errorf("gaze count = %d, want at least the wake gaze plus one follow", got)
	}
	if got > 6 {
		t.Errorf("gaze count = %d for 200ms of motion with a 60ms dwell, want at most 6", got)
	}
}

// ─── pause, resume, activity gate ─────────────────────────────────────────────

// TestTracker_PauseReleasesCameraSynchronously checks that the camera is
// closed before Pause returns, that the indicator goes off, and that Resume
// reclaims the camera and re-centres.
func TestTracker_PauseReleasesCameraSynchronously(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	tr, err := New(script.factory, ctrl, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })
	det := script.at(0)

	tr.Pause(context.Background())
	if det.closeCount() < 1 {
		t.Fatal("camera not released by the time Pause returned")
	}
	tracking := ctrl.Tracking()
	if len(tracking) == 0 || tracking[len(tracking)-1] != false {
		t.Errorf("tracking markers after pause = %v, want trailing false", tracking)
	}

	// A second pause is a no-op, not a second marker.
	tr.Pause(context.Background())
	falses := 0
	for _, on := range ctrl.Tracking() {
		if !on {
			falses++
		}
	}
	if falses != 1 {
		t.Errorf("tracking-off markers = %d, want 1", falses)
	}

	// Paused means no camera and no commands.
	time.Sleep(30 * time.Millisecond)
	if got := script.count(); got != 1 {
		t.Errorf("factory calls while paused = %d, want 1", got)
	}

	gazesBefore := len(ctrl.Gazes())
	tr.Resume()
	waitFor(t, time.Second, "camera reclaimed", func() bool { return script.count() == 2 })
	waitFor(t, time.Second, "indicator back on with a centred gaze", func() bool {
		tracking := ctrl.Tracking()
		return len(tracking) >= 3 && tracking[len(tracking)-1] && len(ctrl.Gazes()) > gazesBefore
	})
	gazes := ctrl.Gazes()
	if last := gazes[len(gazes)-1]; last != (headmock.GazeCall{UD: 140, LR: 85}) {
		t.Errorf("gaze after resume = %+v, want centre {140 85}", last)
	}
}

// TestTracker_ActivityGateStopsFollowing checks that a false activity gate
// idles the loop the same way a pause does, with the indicator switched off
// by the loop itself.
func TestTracker_ActivityGateStopsFollowing(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	var active atomic.Bool
	active.Store(true)
	cfg := fastConfig()
	cfg.Active = active.Load
	tr, err := New(script.factory, ctrl, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })
	det := script.at(0)

	active.Store(false)
	waitFor(t, time.Second, "camera released by the gate", func() bool { return det.closeCount() >= 1 })
	waitFor(t, time.Second, "indicator off", func() bool {
		tracking := ctrl.Tracking()
		return len(tracking) >= 2 && !tracking[len(tracking)-1]
	})

	active.Store(true)
	waitFor(t, time.Second, "camera reclaimed", func() bool { return script.count() == 2 })
	waitFor(t, time.Second, "indicator back on", func() bool {
		tracking := ctrl.Tracking()
		return len(tracking) >= 3 && tracking[len(tracking)-1]
	})
}

// TestTracker_ClaimWaitsForIdleGrace checks that the camera is not opened
// until the grace period after waking has passed.
func TestTracker_ClaimWaitsForIdleGrace(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	script := &detectorScript{}
	cfg := fastConfig()
	cfg.IdleGrace = 80 * time.Millisecond
	tr, err := New(script.factory, ctrl, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "indicator on", func() bool { return len(ctrl.Tracking()) >= 1 })
	time.Sleep(40 * time.Millisecond)
	if got := script.count(); got != 0 {
		t.Errorf("factory calls during grace = %d, want 0", got)
	}
	waitFor(t, time.Second, "camera claimed after grace", func() bool { return script.count() == 1 })
}

// ─── detector failures ────────────────────────────────────────────────────────

// TestTracker_StartFailureBacksOff checks that a failed camera claim is
// retried no sooner than the backoff.
func TestTracker_StartFailureBacksOff(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	broken := newFakeDetector()
	broken.startErr = errors.New("camera busy")
	script := &detectorScript{next: []*fakeDetector{broken}}
	tr, err := New(script.factory, ctrl, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, 2*time.Second, "retry after failed claim", func() bool { return script.count() == 2 })
	if broken.closeCount() < 1 {
		t.Error("failed detector was not closed")
	}
	calls := script.callTimes()
	if gap := calls[1].Sub(calls[0]); gap < 45*time.Millisecond {
		t.Errorf("retry after %v, want at least ~50ms backoff", gap)
	}
}

// TestTracker_StreamDeathReopensAfterBackoff checks that a detector whose
// stream dies mid-run is replaced after the backoff.
func TestTracker_StreamDeathReopensAfterBackoff(t *testing.T) {
	t.Parallel()
	ctrl := &headmock.Controller{}
	dying := newFakeDetector()
	dying.errResult = errors.New("camera disconnected")
	script := &detectorScript{next: []*fakeDetector{dying}}
	tr, err := New(script.factory, ctrl, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runTracker(t, tr)

	waitFor(t, time.Second, "camera claimed", func() bool { return script.count() == 1 })
	dying.die()

	waitFor(t, 2*time.Second, "replacement after stream death", func() bool { return script.count() == 2 })
	if dying.closeCount() < 1 {
		t.Error("dead detector was not closed")
	}
	calls := script.callTimes()
	if gap := calls[1].Sub(calls[0]); gap < 45*time.Millisecond {
		t.Errorf("replacement after %v, want at least ~50ms backoff", gap)
	}
}
