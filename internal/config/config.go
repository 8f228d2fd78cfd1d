// Package config provides the configuration schema, loader, and LLM
// candidate registry for the Lingo tutor.
//
// Every recognised option is an explicit struct field; unknown YAML keys are
// rejected at load time rather than silently ignored. Durations are plain
// integers with a _ms or _s suffix in the key name, converted to
// time.Duration where the value is wired in.
package config

import "time"

// LogLevel controls log verbosity for the tutor process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the tutor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	LLM          LLMConfig          `yaml:"llm"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	TTS          TTSConfig          `yaml:"tts"`
	STT          STTConfig          `yaml:"stt"`
	Head         HeadConfig         `yaml:"head"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	History      HistoryConfig      `yaml:"history"`
	Archive      ArchiveConfig      `yaml:"archive"`
}

// ServerConfig holds logging and the monitoring listener.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health/metrics/display endpoint
	// (e.g., ":9090"). Empty disables the HTTP surface entirely.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the capture and playback devices.
type AudioConfig struct {
	// CaptureDevice is the ALSA device arecord opens, e.g. "plughw:1,0".
	CaptureDevice string `yaml:"capture_device"`

	// PlaybackDevice is the ALSA device aplay opens.
	PlaybackDevice string `yaml:"playback_device"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame length in milliseconds. The VAD and the
	// energy gate both work at this granularity.
	FrameMs int `yaml:"frame_ms"`

	// BufferFrames is the capture channel depth. Frames beyond it are
	// dropped rather than blocking the device reader.
	BufferFrames int `yaml:"buffer_frames"`
}

// RecorderConfig tunes utterance capture and the calibrated energy gate.
type RecorderConfig struct {
	// Aggressiveness tunes the VAD classifier, 0 (permissive) to 3 (strict).
	Aggressiveness int `yaml:"aggressiveness"`

	// SilenceMs is how much continuous trailing silence ends a recording.
	SilenceMs int `yaml:"silence_ms"`

	// MaxRecordS caps a recording in seconds regardless of voice activity.
	MaxRecordS float64 `yaml:"max_record_s"`

	// EnergyMargin scales the calibrated noise floor into the speech
	// threshold.
	EnergyMargin float64 `yaml:"energy_margin"`

	// EnergyMin and EnergyMax clamp the calibrated threshold, in RMS units
	// of int16 samples.
	EnergyMin float64 `yaml:"energy_min"`
	EnergyMax float64 `yaml:"energy_max"`

	// CalibrationMs is how much leading audio measures the noise floor
	// before classification starts.
	CalibrationMs int `yaml:"calibration_ms"`
}

// CandidateConfig describes one completion backend entered in the hedged
// race. Name selects the registered provider family; the remaining fields
// are passed to its factory.
type CandidateConfig struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "groq").
	Name string `yaml:"name"`

	// Model is the provider-specific model identifier (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`
}

// LLMConfig configures the hedged completion race and prompt bounds.
type LLMConfig struct {
	// Candidates lists the backends in preference order. The first two race
	// every turn; the third is started only if the watchdog fires.
	Candidates []CandidateConfig `yaml:"candidates"`

	// FirstTokenTimeoutS is the watchdog deadline in seconds for the first
	// fragment before the backup candidate starts.
	FirstTokenTimeoutS float64 `yaml:"first_token_timeout_s"`

	// MaxTokens bounds spoken replies; MaxTokensTyped bounds typed ones.
	MaxTokens      int `yaml:"max_tokens"`
	MaxTokensTyped int `yaml:"max_tokens_typed"`

	// Temperature is the completion sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// Stop overrides the default stop sequences when non-empty.
	Stop []string `yaml:"stop"`

	// DedupWindow is the trailing window in runes used to drop fragments
	// that replay already-emitted text. Negative disables the check.
	DedupWindow int `yaml:"dedup_window"`
}

// ChunkerConfig tunes how streamed reply text is cut into synthesis chunks.
type ChunkerConfig struct {
	// MaxWords flushes a chunk once it accumulates this many words without
	// hitting sentence punctuation.
	MaxWords int `yaml:"max_words"`

	// FlushIntervalMs flushes a non-empty chunk after this much time even
	// below the word threshold, so long unpunctuated spans do not stall
	// synthesis.
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

// TTSConfig configures the piper synthesizer.
type TTSConfig struct {
	// Command is the piper binary path.
	Command string `yaml:"command"`

	// Model is the path to the .onnx voice model. Required.
	Model string `yaml:"model"`

	// Config is the path to the model's sidecar JSON. Empty means the
	// conventional "<model>.json" next to the model.
	Config string `yaml:"config"`

	// SentenceSilenceS is the pause piper inserts between sentences.
	SentenceSilenceS float64 `yaml:"sentence_silence_s"`

	// SampleRate overrides the output rate read from the sidecar JSON.
	SampleRate int `yaml:"sample_rate"`
}

// STTConfig configures transcription. At least one of ModelPath and
// ServerURL must be set; with both, the native model is primary and the
// server is the failover.
type STTConfig struct {
	// ModelPath is the whisper.cpp ggml model for in-process transcription.
	ModelPath string `yaml:"model_path"`

	// Language hints the spoken language, e.g. "en".
	Language string `yaml:"language"`

	// ServerURL is a whisper-server endpoint used as the fallback
	// transcriber.
	ServerURL string `yaml:"server_url"`
}

// HeadConfig configures the serial link to the animatronic head.
type HeadConfig struct {
	// Port is the serial device path, e.g. "/dev/ttyACM0". Empty probes
	// ACM then USB ports automatically.
	Port string `yaml:"port"`

	// Baud is the serial line rate.
	Baud int `yaml:"baud"`

	// BootSettleMs is how long to wait after opening the port for the
	// firmware to finish resetting.
	BootSettleMs int `yaml:"boot_settle_ms"`
}

// TrackerConfig configures face tracking between turns.
type TrackerConfig struct {
	// Command is the argv of the face detector subprocess, first element
	// the executable. Empty disables tracking.
	Command []string `yaml:"command"`

	// IntervalMs is the control loop cadence.
	IntervalMs int `yaml:"interval_ms"`

	// DeadbandDeg suppresses servo writes for corrections smaller than
	// this many degrees.
	DeadbandDeg float64 `yaml:"deadband_deg"`

	// DwellMs is the minimum hold time on a face before re-aiming.
	DwellMs int `yaml:"dwell_ms"`

	// IdleGraceMs is how long a lost face keeps its last gaze before the
	// head recenters.
	IdleGraceMs int `yaml:"idle_grace_ms"`

	// RetryBackoffMs is the wait before relaunching a dead detector.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// OrchestratorConfig tunes turn sequencing delays.
type OrchestratorConfig struct {
	// DrainHoldoffMs is how long playback must have been silent before a
	// reply is committed and the head is told to stop talking.
	DrainHoldoffMs int `yaml:"drain_holdoff_ms"`

	// DrainPollMs is the drain check cadence.
	DrainPollMs int `yaml:"drain_poll_ms"`

	// IdleSettleMs is the pause after a turn before face tracking resumes.
	IdleSettleMs int `yaml:"idle_settle_ms"`

	// StopRepeatGapMs separates the doubled stop gesture that ends a turn.
	StopRepeatGapMs int `yaml:"stop_repeat_gap_ms"`
}

// HistoryConfig bounds the conversation history and sets the persona.
type HistoryConfig struct {
	// MaxExchanges bounds the retained history.
	MaxExchanges int `yaml:"max_exchanges"`

	// PromptWindow is how many recent exchanges each prompt includes.
	PromptWindow int `yaml:"prompt_window"`

	// Persona is the system prompt. Empty means the built-in tutor
	// persona. Hot-reloadable.
	Persona string `yaml:"persona"`
}

// ArchiveConfig configures the optional turn archive.
type ArchiveConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables archiving.
	DSN string `yaml:"dsn"`
}

// Duration helpers. The YAML surface stores integers so a config file never
// needs Go duration syntax; wiring code wants time.Duration.

// Silence returns the trailing-silence duration.
func (c RecorderConfig) Silence() time.Duration {
	return time.Duration(c.SilenceMs) * time.Millisecond
}

// MaxRecord returns the recording cap.
func (c RecorderConfig) MaxRecord() time.Duration {
	return time.Duration(c.MaxRecordS * float64(time.Second))
}

// Calibration returns the calibration window.
func (c RecorderConfig) Calibration() time.Duration {
	return time.Duration(c.CalibrationMs) * time.Millisecond
}

// Frame returns the capture frame duration.
func (c AudioConfig) Frame() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

// FirstTokenTimeout returns the watchdog deadline.
func (c LLMConfig) FirstTokenTimeout() time.Duration {
	return time.Duration(c.FirstTokenTimeoutS * float64(time.Second))
}

// FlushInterval returns the chunker time threshold.
func (c ChunkerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// BootSettle returns the firmware settle wait.
func (c HeadConfig) BootSettle() time.Duration {
	return time.Duration(c.BootSettleMs) * time.Millisecond
}

// Interval returns the tracking loop cadence.
func (c TrackerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Dwell returns the face hold time.
func (c TrackerConfig) Dwell() time.Duration {
	return time.Duration(c.DwellMs) * time.Millisecond
}

// IdleGrace returns the lost-face grace period.
func (c TrackerConfig) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceMs) * time.Millisecond
}

// RetryBackoff returns the detector relaunch backoff.
func (c TrackerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// DrainHoldoff returns the required playback quiet time before commit.
func (c OrchestratorConfig) DrainHoldoff() time.Duration {
	return time.Duration(c.DrainHoldoffMs) * time.Millisecond
}

// DrainPoll returns the drain check cadence.
func (c OrchestratorConfig) DrainPoll() time.Duration {
	return time.Duration(c.DrainPollMs) * time.Millisecond
}

// IdleSettle returns the tracker resume delay.
func (c OrchestratorConfig) IdleSettle() time.Duration {
	return time.Duration(c.IdleSettleMs) * time.Millisecond
}

// StopRepeatGap returns the doubled stop gesture spacing.
func (c OrchestratorConfig) StopRepeatGap() time.Duration {
	return time.Duration(c.StopRepeatGapMs) * time.Millisecond
}
