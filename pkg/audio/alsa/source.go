// Package alsa implements [audio.Source] and [audio.Sink] on top of the ALSA
// command-line tools (arecord, aplay) as subprocesses.
//
// Raw S16_LE PCM flows over the child's stdout/stdin pipes, which keeps the
// binary free of cgo and works on any board where the ALSA utilities are
// installed. The capture loop never blocks on a slow consumer: frames that
// cannot be delivered are dropped and counted.
package alsa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
)

const defaultBufferFrames = 32

// SourceConfig configures an arecord capture source.
type SourceConfig struct {
	// Device is the ALSA device name, e.g. "default" or "plughw:1,0".
	Device string

	// Format is the capture format. Zero value means audio.DefaultCaptureFormat.
	Format audio.Format

	// FrameDuration is the duration of each emitted frame. Must be > 0.
	FrameDuration time.Duration

	// BufferFrames is the capacity of the frame channel. Defaults to 32.
	BufferFrames int
}

func (c *SourceConfig) validate() error {
	var errs []error
	if c.Device == "" {
		c.Device = "default"
	}
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultCaptureFormat
	}
	if c.Format.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.Format.SampleRate))
	}
	if c.Format.Channels != 1 {
		errs = append(errs, fmt.Errorf("capture is mono only, got %d channels", c.Format.Channels))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, errors.New("frame duration must be positive"))
	}
	if c.BufferFrames <= 0 {
		c.BufferFrames = defaultBufferFrames
	}
	return errors.Join(errs...)
}

// Source captures fixed-duration PCM frames by reading the stdout of an
// arecord child process.
type Source struct {
	cfg SourceConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	frames  chan audio.AudioFrame
	started bool
	err     error

	dropped   atomic.Int64
	closeOnce sync.Once
	closing   chan struct{}
}

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// NewSource validates cfg and returns an unstarted Source.
func NewSource(cfg SourceConfig) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("alsa: invalid source config: %w", err)
	}
	return &Source{
		cfg:     cfg,
		frames:  make(chan audio.AudioFrame, cfg.BufferFrames),
		closing: make(chan struct{}),
	}, nil
}

// Start spawns arecord and begins the frame read loop. A failure to spawn is
// reported as a wrapped [audio.ErrDeviceUnavailable].
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("alsa: source already started")
	}

	// arecord -q -t raw -f S16_LE keeps stdout as a bare PCM byte stream.
	cmd := exec.CommandContext(ctx, "arecord",
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(s.cfg.Format.SampleRate),
		"-c", strconv.Itoa(s.cfg.Format.Channels),
		"-D", s.cfg.Device,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: arecord stdout pipe: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start arecord on %q: %v", audio.ErrDeviceUnavailable, s.cfg.Device, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.started = true

	go s.readLoop(ctx)
	return nil
}

// readLoop reads exactly one frame worth of PCM per iteration and delivers
// it without ever blocking the device: a full channel drops the frame.
func (s *Source) readLoop(ctx context.Context) {
	defer close(s.frames)

	frameBytes := s.cfg.Format.FrameBytes(s.cfg.FrameDuration)
	start := time.Now()

	for {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			s.finish(ctx, err)
			return
		}

		frame := audio.AudioFrame{
			Data:       buf,
			SampleRate: s.cfg.Format.SampleRate,
			Channels:   s.cfg.Format.Channels,
			Timestamp:  time.Since(start),
		}

		select {
		case s.frames <- frame:
		case <-s.closing:
			s.finish(ctx, nil)
			return
		case <-ctx.Done():
			s.finish(ctx, nil)
			return
		default:
			if n := s.dropped.Add(1); n%100 == 1 {
				slog.Warn("alsa source: consumer too slow, dropping frames",
					"device", s.cfg.Device, "dropped", n)
			}
		}
	}
}

// finish records the terminal capture error. Pipe errors caused by our own
// Close or context cancellation are not surfaced.
func (s *Source) finish(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
		err = nil
	default:
	}
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = fmt.Errorf("alsa: capture read: %w", err)
	} else if err != nil {
		s.err = fmt.Errorf("%w: arecord exited", audio.ErrDeviceUnavailable)
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports how many frames were discarded because the consumer fell
// behind.
func (s *Source) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the child process and the read loop. Safe to call more than
// once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		cmd := s.cmd
		stdout := s.stdout
		s.mu.Unlock()
		if stdout != nil {
			stdout.Close()
		}
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	})
	return nil
}
