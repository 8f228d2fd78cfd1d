package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Compile-time interface assertion.
var _ Detector = (*Command)(nil)

// detectionBuffer bounds how many detections queue between loop ticks. When
// it is full the oldest entry is dropped, so the freshest face position is
// always available.
const detectionBuffer = 8

// Command is a Detector backed by an external process that owns the camera.
// The process prints one detection per line on stdout: two floats in [0,1]
// separated by whitespace, face centre X then Y. Lines that do not parse
// are skipped. A Command is single use.
type Command struct {
	path string
	args []string
	out  chan Detection

	mu      sync.Mutex
	cmd     *exec.Cmd
	err     error
	started bool
	closed  bool
}

// NewCommand builds a detector from an argv-style command line: the first
// element is the executable, the rest its arguments. The arguments are
// passed verbatim; there is no shell involved.
func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("tracker: detector command must not be empty")
	}
	return &Command{
		path: argv[0],
		args: argv[1:],
		out:  make(chan Detection, detectionBuffer),
	}, nil
}

// CommandFactory returns a DetectorFactory that launches argv for every
// active stretch.
func CommandFactory(argv []string) DetectorFactory {
	return func() (Detector, error) {
		det, err := NewCommand(argv)
		if err != nil {
			return nil, err
		}
		return det, nil
	}
}

// Start launches the detector process and the goroutine that scans its
// output.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("tracker: detector is closed")
	}
	if c.started {
		return errors.New("tracker: detector already started")
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tracker: open detector stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tracker: start %s: %w", c.path, err)
	}
	c.cmd = cmd
	c.started = true
	go c.scan(stdout)
	slog.Debug("tracker: detector started", "command", c.path)
	return nil
}

// Detections implements Detector. The channel is closed when the process
// exits or the detector is closed.
func (c *Command) Detections() <-chan Detection {
	return c.out
}

// Err implements Detector. It reports why the stream ended, nil for a
// deliberate Close. Valid only after the detections channel has closed.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Detector. It kills the process; the scan goroutine reaps
// it and closes the detections channel. Safe to call more than once.
func (c *Command) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

// scan reads detection lines until the process output ends, then reaps the
// process and closes the channel. It owns the single Wait call.
func (c *Command) scan(stdout io.ReadCloser) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		d, ok := parseDetection(sc.Text())
		if !ok {
			continue
		}
		select {
		case c.out <- d:
		default:
			// Full: drop the oldest queued detection for this fresh one.
			select {
			case <-c.out:
			default:
			}
			select {
			case c.out <- d:
			default:
			}
		}
	}
	scanErr := sc.Err()
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	if !c.closed {
		switch {
		case scanErr != nil:
			c.err = fmt.Errorf("tracker: read detector output: %w", scanErr)
		case waitErr != nil:
			c.err = fmt.Errorf("tracker: detector exited: %w", waitErr)
		}
	}
	c.mu.Unlock()
	close(c.out)
}

// parseDetection parses one "x y" line. Values are clamped to [0,1] so a
// misbehaving detector can never steer outside the face range.
func parseDetection(line string) (Detection, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Detection{}, false
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil || math.IsNaN(x) || math.IsNaN(y) {
		return Detection{}, false
	}
	return Detection{X: clamp01(x), Y: clamp01(y)}, true
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
