package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidCandidateNames lists the provider families the default registry
// knows how to build. Used by [Validate] to warn about likely typos.
var ValidCandidateNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults for unset
// fields, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset field with its operational baseline, so
// the rest of the program reads one fully resolved config. Fields where the
// zero value is meaningful (tracker command, archive DSN, listener address,
// STT fallback URL) are left alone.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	defString(&cfg.Audio.CaptureDevice, "default")
	defString(&cfg.Audio.PlaybackDevice, "default")
	defInt(&cfg.Audio.SampleRate, 16000)
	defInt(&cfg.Audio.FrameMs, 30)
	defInt(&cfg.Audio.BufferFrames, 32)

	defInt(&cfg.Recorder.Aggressiveness, 3)
	defInt(&cfg.Recorder.SilenceMs, 1200)
	defFloat(&cfg.Recorder.MaxRecordS, 10)
	defFloat(&cfg.Recorder.EnergyMargin, 2.0)
	defFloat(&cfg.Recorder.EnergyMin, 2200)
	defFloat(&cfg.Recorder.EnergyMax, 6000)
	defInt(&cfg.Recorder.CalibrationMs, 500)

	defFloat(&cfg.LLM.FirstTokenTimeoutS, 8)
	defInt(&cfg.LLM.MaxTokens, 48)
	defInt(&cfg.LLM.MaxTokensTyped, 96)
	defFloat(&cfg.LLM.Temperature, 0.4)
	defInt(&cfg.LLM.DedupWindow, 1024)

	defInt(&cfg.Chunker.MaxWords, 10)
	defInt(&cfg.Chunker.FlushIntervalMs, 900)

	defString(&cfg.TTS.Command, "piper")
	defFloat(&cfg.TTS.SentenceSilenceS, 0.25)

	defString(&cfg.STT.Language, "en")

	defInt(&cfg.Head.Baud, 115200)
	defInt(&cfg.Head.BootSettleMs, 1500)

	defInt(&cfg.Tracker.IntervalMs, 100)
	defFloat(&cfg.Tracker.DeadbandDeg, 1.0)
	defInt(&cfg.Tracker.DwellMs, 1500)
	defInt(&cfg.Tracker.IdleGraceMs, 1000)
	defInt(&cfg.Tracker.RetryBackoffMs, 2500)

	defInt(&cfg.Orchestrator.DrainHoldoffMs, 600)
	defInt(&cfg.Orchestrator.DrainPollMs, 40)
	defInt(&cfg.Orchestrator.IdleSettleMs, 5000)
	defInt(&cfg.Orchestrator.StopRepeatGapMs, 120)

	defInt(&cfg.History.MaxExchanges, 8)
	defInt(&cfg.History.PromptWindow, 2)
}

func defInt(p *int, d int) {
	if *p == 0 {
		*p = d
	}
}

func defFloat(p *float64, d float64) {
	if *p == 0 {
		*p = d
	}
}

func defString(p *string, d string) {
	if *p == "" {
		*p = d
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. It expects defaults
// to already be applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMs))
	} else if cfg.Audio.FrameMs != 10 && cfg.Audio.FrameMs != 20 && cfg.Audio.FrameMs != 30 {
		slog.Warn("audio.frame_ms is unusual; VAD behaviour is tuned for 10, 20 or 30", "frame_ms", cfg.Audio.FrameMs)
	}
	if cfg.Audio.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames must not be negative, got %d", cfg.Audio.BufferFrames))
	}

	// Recorder
	if cfg.Recorder.Aggressiveness < 0 || cfg.Recorder.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("recorder.aggressiveness %d is out of range [0, 3]", cfg.Recorder.Aggressiveness))
	}
	if cfg.Recorder.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("recorder.silence_ms must not be negative, got %d", cfg.Recorder.SilenceMs))
	}
	if cfg.Recorder.MaxRecordS < 0 {
		errs = append(errs, fmt.Errorf("recorder.max_record_s must not be negative, got %.1f", cfg.Recorder.MaxRecordS))
	}
	if cfg.Recorder.EnergyMargin < 0 {
		errs = append(errs, fmt.Errorf("recorder.energy_margin must not be negative, got %.2f", cfg.Recorder.EnergyMargin))
	}
	if cfg.Recorder.EnergyMin < 0 {
		errs = append(errs, fmt.Errorf("recorder.energy_min must not be negative, got %.0f", cfg.Recorder.EnergyMin))
	}
	if cfg.Recorder.EnergyMin > cfg.Recorder.EnergyMax {
		errs = append(errs, fmt.Errorf("recorder.energy_min %.0f exceeds recorder.energy_max %.0f", cfg.Recorder.EnergyMin, cfg.Recorder.EnergyMax))
	}
	if cfg.Recorder.CalibrationMs < 0 {
		errs = append(errs, fmt.Errorf("recorder.calibration_ms must not be negative, got %d", cfg.Recorder.CalibrationMs))
	}

	// LLM candidates
	if len(cfg.LLM.Candidates) == 0 {
		errs = append(errs, errors.New("llm.candidates: at least one candidate is required"))
	}
	if len(cfg.LLM.Candidates) == 1 {
		slog.Warn("llm.candidates has a single entry; replies lose hedging and the watchdog has no backup to start")
	}
	namesSeen := make(map[string]int, len(cfg.LLM.Candidates))
	for i, cand := range cfg.LLM.Candidates {
		prefix := fmt.Sprintf("llm.candidates[%d]", i)
		if cand.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[cand.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of llm.candidates[%d]", prefix, cand.Name, prev))
			}
			namesSeen[cand.Name] = i
			validateCandidateName(prefix, cand.Name)
		}
		if cand.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}
	if cfg.LLM.FirstTokenTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("llm.first_token_timeout_s must not be negative, got %.1f", cfg.LLM.FirstTokenTimeoutS))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must not be negative, got %d", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.MaxTokensTyped < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens_typed must not be negative, got %d", cfg.LLM.MaxTokensTyped))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}

	// Chunker
	if cfg.Chunker.MaxWords < 0 {
		errs = append(errs, fmt.Errorf("chunker.max_words must not be negative, got %d", cfg.Chunker.MaxWords))
	}
	if cfg.Chunker.FlushIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("chunker.flush_interval_ms must not be negative, got %d", cfg.Chunker.FlushIntervalMs))
	}

	// TTS
	if cfg.TTS.Model == "" {
		errs = append(errs, errors.New("tts.model is required (path to the piper voice model)"))
	}
	if cfg.TTS.SentenceSilenceS < 0 || cfg.TTS.SentenceSilenceS > 5 {
		errs = append(errs, fmt.Errorf("tts.sentence_silence_s %.2f is out of range [0, 5]", cfg.TTS.SentenceSilenceS))
	}
	if cfg.TTS.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate must not be negative, got %d", cfg.TTS.SampleRate))
	}

	// STT
	if cfg.STT.ModelPath == "" && cfg.STT.ServerURL == "" {
		errs = append(errs, errors.New("stt: either model_path or server_url is required"))
	}
	if cfg.STT.ModelPath != "" && cfg.STT.ServerURL == "" {
		slog.Warn("stt.server_url is empty; transcription has no fallback if the native model fails")
	}

	// Head
	if cfg.Head.Baud <= 0 {
		errs = append(errs, fmt.Errorf("head.baud must be positive, got %d", cfg.Head.Baud))
	}
	if cfg.Head.BootSettleMs < 0 {
		errs = append(errs, fmt.Errorf("head.boot_settle_ms must not be negative, got %d", cfg.Head.BootSettleMs))
	}

	// Tracker
	if len(cfg.Tracker.Command) > 0 && cfg.Tracker.Command[0] == "" {
		errs = append(errs, errors.New("tracker.command first element must be the detector executable"))
	}
	if cfg.Tracker.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("tracker.interval_ms must be positive, got %d", cfg.Tracker.IntervalMs))
	}
	if cfg.Tracker.DeadbandDeg < 0 {
		errs = append(errs, fmt.Errorf("tracker.deadband_deg must not be negative, got %.2f", cfg.Tracker.DeadbandDeg))
	}
	if cfg.Tracker.DwellMs < 0 {
		errs = append(errs, fmt.Errorf("tracker.dwell_ms must not be negative, got %d", cfg.Tracker.DwellMs))
	}
	if cfg.Tracker.IdleGraceMs < 0 {
		errs = append(errs, fmt.Errorf("tracker.idle_grace_ms must not be negative, got %d", cfg.Tracker.IdleGraceMs))
	}
	if cfg.Tracker.RetryBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("tracker.retry_backoff_ms must not be negative, got %d", cfg.Tracker.RetryBackoffMs))
	}

	// Orchestrator
	if cfg.Orchestrator.DrainHoldoffMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.drain_holdoff_ms must not be negative, got %d", cfg.Orchestrator.DrainHoldoffMs))
	}
	if cfg.Orchestrator.DrainPollMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.drain_poll_ms must not be negative, got %d", cfg.Orchestrator.DrainPollMs))
	}
	if cfg.Orchestrator.IdleSettleMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.idle_settle_ms must not be negative, got %d", cfg.Orchestrator.IdleSettleMs))
	}
	if cfg.Orchestrator.StopRepeatGapMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.stop_repeat_gap_ms must not be negative, got %d", cfg.Orchestrator.StopRepeatGapMs))
	}

	// History
	if cfg.History.MaxExchanges < 0 {
		errs = append(errs, fmt.Errorf("history.max_exchanges must not be negative, got %d", cfg.History.MaxExchanges))
	}
	if cfg.History.PromptWindow < 0 {
		errs = append(errs, fmt.Errorf("history.prompt_window must not be negative, got %d", cfg.History.PromptWindow))
	}
	if cfg.History.PromptWindow > cfg.History.MaxExchanges {
		slog.Warn("history.prompt_window exceeds history.max_exchanges and will be capped there",
			"prompt_window", cfg.History.PromptWindow,
			"max_exchanges", cfg.History.MaxExchanges,
		)
	}

	return errors.Join(errs...)
}

// validateCandidateName logs a warning if name is not in the
// [ValidCandidateNames] list.
func validateCandidateName(prefix, name string) {
	if slices.Contains(ValidCandidateNames, name) {
		return
	}
	slog.Warn("unknown candidate provider name, may be a typo or a custom registration",
		"candidate", prefix,
		"name", name,
		"known", ValidCandidateNames,
	)
}
