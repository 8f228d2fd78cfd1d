package alsa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/lingobotics/lingo/pkg/audio"
)

// SinkConfig configures an aplay playback sink.
type SinkConfig struct {
	// Device is the ALSA device name, e.g. "default".
	Device string

	// Format is the playback format the synthesizer produces.
	Format audio.Format
}

func (c *SinkConfig) validate() error {
	var errs []error
	if c.Device == "" {
		c.Device = "default"
	}
	if c.Format.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.Format.SampleRate))
	}
	if c.Format.Channels != 1 && c.Format.Channels != 2 {
		errs = append(errs, fmt.Errorf("channels must be 1 or 2, got %d", c.Format.Channels))
	}
	return errors.Join(errs...)
}

// Sink plays raw PCM by writing to the stdin of an aplay child process.
// Write blocks until aplay accepts the buffer, which paces producers at
// device speed.
type Sink struct {
	cfg SinkConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool
}

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// NewSink validates cfg and returns an unstarted Sink.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("alsa: invalid sink config: %w", err)
	}
	return &Sink{cfg: cfg}, nil
}

// Start spawns aplay. A failure to spawn is reported as a wrapped
// [audio.ErrDeviceUnavailable].
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("alsa: sink already started")
	}

	cmd := exec.CommandContext(ctx, "aplay",
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(s.cfg.Format.SampleRate),
		"-c", strconv.Itoa(s.cfg.Format.Channels),
		"-D", s.cfg.Device,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: aplay stdin pipe: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start aplay on %q: %v", audio.ErrDeviceUnavailable, s.cfg.Device, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.started = true
	return nil
}

// Write implements [audio.Sink]. It blocks until aplay has consumed pcm.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("alsa: sink not running")
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return fmt.Errorf("alsa: playback write: %w", err)
	}
	return nil
}

// Close flushes and stops aplay. Safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		// Closing stdin lets aplay drain its buffer and exit on its own.
		s.cmd.Wait()
	}
	return nil
}
