package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/lingobotics/lingo/pkg/provider/vad"
	"github.com/lingobotics/lingo/pkg/provider/vad/energy"
)

// toneFrame builds one 30ms 16kHz mono frame whose samples alternate at the
// given amplitude, yielding an RMS equal to the amplitude.
func toneFrame(amplitude int16) []byte {
	const samples = 480
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func newSession(t *testing.T, aggressiveness int) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(vad.Config{
		SampleRate:     16000,
		FrameSizeMs:    30,
		Aggressiveness: aggressiveness,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ─── TestSpeechDetection ────────────────────────────────────────────────────────

// TestSpeechDetection feeds quiet frames to settle the noise floor, then a
// loud burst that must classify as speech, then quiet frames that must drop
// the decision back to silence.
func TestSpeechDetection(t *testing.T) {
	t.Parallel()

	sess := newSession(t, 3)

	for i := 0; i < 20; i++ {
		speech, err := sess.ProcessFrame(toneFrame(200))
		if err != nil {
			t.Fatalf("quiet frame %d: %v", i, err)
		}
		if speech {
			t.Fatalf("quiet frame %d classified as speech", i)
		}
	}

	speech, err := sess.ProcessFrame(toneFrame(8000))
	if err != nil {
		t.Fatalf("loud frame: %v", err)
	}
	if !speech {
		t.Error("loud frame after quiet calibration should classify as speech")
	}

	// Hysteresis holds through a moderate dip, then releases on real quiet.
	speech, _ = sess.ProcessFrame(toneFrame(500))
	if !speech {
		t.Error("moderate frame inside an active segment should stay speech")
	}
	for i := 0; i < 5; i++ {
		speech, _ = sess.ProcessFrame(toneFrame(100))
	}
	if speech {
		t.Error("sustained quiet should end the speech segment")
	}
}

// ─── TestAggressivenessOrdering ─────────────────────────────────────────────────

// TestAggressivenessOrdering verifies that a borderline burst trips a
// permissive session but not a strict one.
func TestAggressivenessOrdering(t *testing.T) {
	t.Parallel()

	permissive := newSession(t, 0)
	strict := newSession(t, 3)

	for i := 0; i < 20; i++ {
		permissive.ProcessFrame(toneFrame(400))
		strict.ProcessFrame(toneFrame(400))
	}

	// Roughly 2x the settled floor: above the 1.4x entry, below the 3.0x one.
	borderline := toneFrame(800)
	gotPermissive, _ := permissive.ProcessFrame(borderline)
	gotStrict, _ := strict.ProcessFrame(borderline)

	if !gotPermissive {
		t.Error("aggressiveness 0 should accept a 2x-floor burst")
	}
	if gotStrict {
		t.Error("aggressiveness 3 should reject a 2x-floor burst")
	}
}

// ─── TestFrameSizeMismatch ──────────────────────────────────────────────────────

// TestFrameSizeMismatch verifies wrong-size frames are rejected.
func TestFrameSizeMismatch(t *testing.T) {
	t.Parallel()

	sess := newSession(t, 2)
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected frame size error, got nil")
	}
}

// ─── TestReset ──────────────────────────────────────────────────────────────────

// TestReset verifies that Reset clears the adapted floor.
func TestReset(t *testing.T) {
	t.Parallel()

	sess := newSession(t, 1)
	for i := 0; i < 20; i++ {
		sess.ProcessFrame(toneFrame(6000))
	}
	sess.Reset()

	// After reset the first frame seeds the floor, so a quiet frame must not
	// classify as speech even though the pre-reset stream was loud.
	speech, err := sess.ProcessFrame(toneFrame(150))
	if err != nil {
		t.Fatalf("ProcessFrame after Reset: %v", err)
	}
	if speech {
		t.Error("first quiet frame after Reset classified as speech")
	}
}

// ─── TestInvalidConfig ──────────────────────────────────────────────────────────

// TestInvalidConfig verifies NewSession rejects bad configurations.
func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	eng := energy.New()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{name: "zero sample rate", cfg: vad.Config{FrameSizeMs: 30, Aggressiveness: 2}},
		{name: "zero frame size", cfg: vad.Config{SampleRate: 16000, Aggressiveness: 2}},
		{name: "aggressiveness too high", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 4}},
		{name: "negative aggressiveness", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: -1}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := eng.NewSession(tc.cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}

// ─── TestClosedSession ──────────────────────────────────────────────────────────

// TestClosedSession verifies frames are rejected after Close and that Close
// is idempotent.
func TestClosedSession(t *testing.T) {
	t.Parallel()

	sess := newSession(t, 2)
	for i := 0; i < 3; i++ {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if _, err := sess.ProcessFrame(toneFrame(100)); err == nil {
		t.Error("expected error on closed session, got nil")
	}
}
