// Package energy implements the [vad.Engine] interface with an adaptive
// RMS-based detector.
//
// The session tracks a noise floor as an exponential moving average over
// frames it considers silent, and classifies a frame as speech when its RMS
// exceeds the floor by an aggressiveness-dependent factor. Hysteresis keeps
// an active segment alive until energy drops well below the entry threshold,
// so natural intra-word dips do not flicker the decision.
//
// The detector needs no model files and costs one pass over the samples per
// frame, which suits small boards where a neural VAD is not worth the cycles.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/lingobotics/lingo/pkg/provider/vad"
)

// enterFactor maps aggressiveness (0..3) to the multiple of the noise floor
// a frame must reach to start a speech segment.
var enterFactor = [4]float64{1.4, 1.8, 2.3, 3.0}

// exitRatio scales the entry threshold down for the hysteresis exit level.
const exitRatio = 0.6

// floorAlpha is the EMA coefficient for the noise floor update.
const floorAlpha = 0.05

// minFloor keeps the floor away from zero in dead-silent rooms, where any
// breath would otherwise register as speech.
const minFloor = 120.0

// Engine creates adaptive energy VAD sessions.
type Engine struct{}

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// New returns a new energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %dms", cfg.FrameSizeMs)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("energy: aggressiveness must be 0..3, got %d", cfg.Aggressiveness)
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes: frameBytes,
		enter:      enterFactor[cfg.Aggressiveness],
	}, nil
}

type session struct {
	mu         sync.Mutex
	frameBytes int
	enter      float64

	floor  float64
	primed bool
	active bool
	closed bool
}

// Compile-time interface assertion.
var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return false, fmt.Errorf("energy: frame size mismatch: got %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := frameRMS(frame)

	// Seed the floor from the first frame so the first real utterance does
	// not have to fight a zero floor.
	if !s.primed {
		s.floor = math.Max(rms, minFloor)
		s.primed = true
	}

	enterThreshold := s.floor * s.enter
	exitThreshold := enterThreshold * exitRatio

	if s.active {
		if rms < exitThreshold {
			s.active = false
		}
	} else {
		if rms >= enterThreshold {
			s.active = true
		}
	}

	// Only silent frames feed the floor, so sustained speech cannot drag
	// the threshold up after itself.
	if !s.active {
		s.floor = (1-floorAlpha)*s.floor + floorAlpha*rms
		if s.floor < minFloor {
			s.floor = minFloor
		}
	}

	return s.active, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = 0
	s.primed = false
	s.active = false
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// frameRMS computes the root mean square of little-endian int16 samples.
func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
