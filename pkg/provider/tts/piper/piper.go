// Package piper provides a tts.Engine backed by a persistent local Piper
// subprocess. Piper is launched once in raw-output mode and kept alive across
// turns:
//
//	(text chunks) → piper --output-raw → (PCM S16_LE mono) → audio.Sink
//
// Feeding the subprocess incrementally keeps synthesis latency low: a chunk
// ending mid-sentence is written with a trailing space so Piper keeps
// accumulating, while a sentence-final chunk is terminated with a newline,
// which makes Piper synthesise the buffered sentence immediately.
//
// The engine tracks when PCM was last pushed to the sink, so callers can poll
// DrainedSince to learn when playback has actually finished rather than
// guessing from text length.
//
// Typical usage:
//
//	eng, err := piper.New("/opt/voices/en_US-amy-medium.onnx",
//	    piper.WithSentenceSilence(0.25),
//	)
//	sink, _ := alsa.NewSink(alsa.SinkConfig{Format: eng.Format()})
//	_ = sink.Start(ctx)
//	_ = eng.Start(ctx, sink)
//	_ = eng.SpeakChunk("Nice try!", false)
//	_ = eng.SpeakChunk("What happened next?", true)
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Engine         = (*Engine)(nil)
	_ tts.RestartCounter = (*Engine)(nil)
)

// ---- constants ----

const (
	defaultBinary          = "piper"
	defaultSampleRate      = 22050
	defaultSentenceSilence = 0.25

	// pumpChunkBytes is how much synthesised PCM is moved from the Piper
	// subprocess to the sink per read.
	pumpChunkBytes = 4096
)

// ---- options ----

// Option is a functional option for configuring a Piper Engine.
type Option func(*Engine)

// WithBinary sets the path of the piper executable. Defaults to "piper",
// resolved via PATH.
func WithBinary(path string) Option {
	return func(e *Engine) {
		e.binary = path
	}
}

// WithSentenceSilence sets the pause, in seconds, that Piper inserts after
// each sentence. Defaults to 0.25.
func WithSentenceSilence(seconds float64) Option {
	return func(e *Engine) {
		e.sentenceSilence = seconds
	}
}

// WithSampleRate overrides the output sample rate instead of reading it from
// the voice's sidecar JSON. Use this when the sidecar is missing or wrong.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		e.sampleRate = rate
	}
}

// WithConfigPath sets an explicit path for the voice's sidecar JSON. By
// default the engine looks next to the model file.
func WithConfigPath(path string) Option {
	return func(e *Engine) {
		e.configPath = path
	}
}

// ---- Engine ----

// Engine implements tts.Engine on top of a Piper subprocess. It is safe for
// concurrent use; writes to the subprocess are serialised internally.
type Engine struct {
	binary          string
	modelPath       string
	configPath      string
	sentenceSilence float64
	sampleRate      int

	mu      sync.Mutex // guards proc, started, closed, and stdin writes
	proc    *process
	ctx     context.Context
	sink    audio.Sink
	started bool
	closed  bool

	restarts atomic.Int64
	drain    drainClock
}

// process bundles the handles of one Piper subprocess incarnation. A restart
// after a broken pipe replaces the whole bundle; the pump goroutine of the
// old incarnation exits on its own when the old stdout reaches EOF.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// New creates a Piper engine for the given voice model (an .onnx file). The
// output sample rate is read from the voice's sidecar JSON and defaults to
// 22050 Hz when no sidecar is found. The subprocess is not launched until
// Start is called.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("piper: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("piper: voice model %s: %w", modelPath, err)
	}

	e := &Engine{
		binary:          defaultBinary,
		modelPath:       modelPath,
		sentenceSilence: defaultSentenceSilence,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sampleRate == 0 {
		e.sampleRate = resolveSampleRate(e.modelPath, e.configPath)
	}
	return e, nil
}

// Start launches the Piper subprocess and the pump goroutine that moves
// synthesised PCM to sink. The sink must already be started and must accept
// mono 16-bit PCM at Format().SampleRate.
func (e *Engine) Start(ctx context.Context, sink audio.Sink) error {
	if sink == nil {
		return errors.New("piper: sink must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("piper: engine is closed")
	}
	if e.started {
		return errors.New("piper: engine already started")
	}

	e.ctx = ctx
	e.sink = sink
	if err := e.spawnLocked(); err != nil {
		return err
	}
	e.started = true
	slog.Info("piper: synthesiser started",
		"model", filepath.Base(e.modelPath),
		"sample_rate", e.sampleRate,
	)
	return nil
}

// spawnLocked launches a fresh Piper subprocess and its pump goroutine.
// Callers must hold e.mu.
func (e *Engine) spawnLocked() error {
	// Stderr is left at the null device; Piper logs synthesis progress there.
	cmd := exec.CommandContext(e.ctx, e.binary, e.buildArgs()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("piper: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piper: open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("piper: start %s: %w", e.binary, err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout}
	e.proc = p
	go e.pump(p)
	return nil
}

// buildArgs returns the Piper command line arguments.
func (e *Engine) buildArgs() []string {
	return []string{
		"--model", e.modelPath,
		"--output-raw",
		"--sentence_silence", strconv.FormatFloat(e.sentenceSilence, 'f', -1, 64),
	}
}

// pump copies synthesised PCM from the subprocess to the sink. The last-write
// timestamp is recorded after each blocking sink write returns, which is what
// makes DrainedSince reflect actual playback progress. The goroutine exits
// when the subprocess stdout reaches EOF (process gone or killed). A sink
// write failure takes the subprocess down with the pump: left running, later
// chunks would feed a pipeline whose output nobody reads while DrainedSince
// keeps reporting silence.
func (e *Engine) pump(p *process) {
	buf := make([]byte, pumpChunkBytes)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			if werr := e.sink.Write(buf[:n]); werr != nil {
				slog.Warn("piper: playback sink write failed, dropping synthesiser", "error", werr)
				e.dropProc(p)
				return
			}
			e.drain.mark()
		}
		if err != nil {
			return
		}
	}
}

// dropProc tears down p if it is still the current incarnation. A pump of an
// already-replaced incarnation leaves the new one alone.
func (e *Engine) dropProc(p *process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == p {
		e.stopProcLocked()
	}
}

// SpeakChunk implements tts.Engine. A sentence-final chunk is terminated with
// a newline so Piper synthesises immediately; a mid-sentence chunk gets a
// trailing space so Piper keeps buffering. If the write fails the engine
// restarts the subprocess once and retries; a second failure is reported as
// tts.ErrSynthesisPipe.
func (e *Engine) SpeakChunk(text string, final bool) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	suffix := " "
	if final {
		suffix = "\n"
	}
	line := []byte(trimmed + suffix)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("piper: engine is closed")
	}
	if !e.started {
		return errors.New("piper: engine not started")
	}
	if e.proc == nil {
		// The pump dropped the last incarnation after losing its sink.
		if err := e.spawnLocked(); err != nil {
			return fmt.Errorf("piper: restart synthesiser: %w: %w", tts.ErrSynthesisPipe, err)
		}
		e.restarts.Add(1)
	}

	_, err := e.proc.stdin.Write(line)
	if err == nil {
		return nil
	}
	slog.Warn("piper: synthesiser pipe broken, restarting", "error", err)

	e.stopProcLocked()
	if err := e.spawnLocked(); err != nil {
		return fmt.Errorf("piper: restart synthesiser: %w: %w", tts.ErrSynthesisPipe, err)
	}
	e.restarts.Add(1)
	if _, err := e.proc.stdin.Write(line); err != nil {
		return fmt.Errorf("piper: write after restart: %w: %w", tts.ErrSynthesisPipe, err)
	}
	return nil
}

// Restarts implements tts.RestartCounter. It returns the total number of
// subprocess restarts since Start.
func (e *Engine) Restarts() int64 {
	return e.restarts.Load()
}

// DrainedSince implements tts.Engine. It reports whether at least d has
// elapsed since PCM was last handed to the sink. When nothing has been
// synthesised yet it reports true, so a silent turn never blocks.
func (e *Engine) DrainedSince(d time.Duration) bool {
	return e.drain.DrainedSince(d)
}

// Format implements tts.Engine.
func (e *Engine) Format() audio.Format {
	return audio.Format{SampleRate: e.sampleRate, Channels: 1}
}

// Close implements tts.Engine. It terminates the subprocess. The playback
// sink is owned by the caller and is not closed. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.stopProcLocked()
	return nil
}

// stopProcLocked tears down the current subprocess incarnation. Callers must
// hold e.mu.
func (e *Engine) stopProcLocked() {
	if e.proc == nil {
		return
	}
	p := e.proc
	e.proc = nil
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// ---- drain tracking ----

// drainClock records when audio was last pushed to the playback sink.
type drainClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *drainClock) mark() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

// DrainedSince reports whether at least d has elapsed since the last mark.
// A clock that was never marked reports true.
func (c *drainClock) DrainedSince(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.IsZero() {
		return true
	}
	return time.Since(c.last) >= d
}

// ---- voice sidecar ----

// voiceConfig mirrors the fields of a Piper voice sidecar JSON that matter
// here. Some voices carry the sample rate at the top level, others nest it
// under "audio".
type voiceConfig struct {
	SampleRate int `json:"sample_rate"`
	Audio      struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
}

// resolveSampleRate determines the voice's output sample rate. An explicit
// configPath wins; otherwise the sidecar is looked up next to the model file,
// both as <model>.json and with the model extension replaced. Falls back to
// 22050 Hz when no usable sidecar exists.
func resolveSampleRate(modelPath, configPath string) int {
	var candidates []string
	if configPath != "" {
		candidates = []string{configPath}
	} else {
		base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
		candidates = []string{modelPath + ".json", base + ".json"}
	}
	for _, path := range candidates {
		if rate := sidecarSampleRate(path); rate > 0 {
			return rate
		}
	}
	slog.Warn("piper: no voice sidecar found, assuming default sample rate",
		"model", filepath.Base(modelPath),
		"sample_rate", defaultSampleRate,
	)
	return defaultSampleRate
}

// sidecarSampleRate reads one sidecar candidate. Returns 0 when the file is
// missing or carries no usable rate.
func sidecarSampleRate(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var cfg voiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("piper: voice sidecar is not valid JSON", "path", path, "error", err)
		return 0
	}
	if cfg.SampleRate > 0 {
		return cfg.SampleRate
	}
	if cfg.Audio.SampleRate > 0 {
		return cfg.Audio.SampleRate
	}
	return 0
}
