package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lingobotics/lingo/internal/config"
)

func TestLoad_ValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lingo.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NoCandidates(t *testing.T) {
	t.Parallel()
	yaml := `
tts:
  model: /opt/voices/amy.onnx
stt:
  model_path: /opt/models/ggml-base.en.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty candidate list, got nil")
	}
	if !strings.Contains(err.Error(), "at least one candidate") {
		t.Errorf("error should mention the candidate requirement, got: %v", err)
	}
}

func TestValidate_DuplicateCandidateNames(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  candidates:
    - name: openai
      model: gpt-4o-mini
    - name: openai
      model: gpt-4o
tts:
  model: /opt/voices/amy.onnx
stt:
  model_path: /opt/models/ggml-base.en.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate candidate names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_CandidateMissingModel(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  candidates:
    - name: openai
tts:
  model: /opt/voices/amy.onnx
stt:
  model_path: /opt/models/ggml-base.en.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing candidate model, got nil")
	}
	if !strings.Contains(err.Error(), "llm.candidates[0].model") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_MissingTTSModel(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  candidates:
    - name: openai
      model: gpt-4o-mini
stt:
  model_path: /opt/models/ggml-base.en.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing tts.model, got nil")
	}
	if !strings.Contains(err.Error(), "tts.model") {
		t.Errorf("error should mention tts.model, got: %v", err)
	}
}

func TestValidate_MissingSTTSource(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  candidates:
    - name: openai
      model: gpt-4o-mini
tts:
  model: /opt/voices/amy.onnx
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when neither stt source is set, got nil")
	}
	if !strings.Contains(err.Error(), "model_path or server_url") {
		t.Errorf("error should name both options, got: %v", err)
	}
}

func TestValidate_EnergyClampInverted(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
recorder:
  energy_min: 7000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for energy_min above energy_max, got nil")
	}
	if !strings.Contains(err.Error(), "energy_min") || !strings.Contains(err.Error(), "energy_max") {
		t.Errorf("error should name both clamp bounds, got: %v", err)
	}
}

func TestValidate_TemperatureOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
llm:
  temperature: 3.5
  candidates:
    - name: openai
      model: gpt-4o-mini
tts:
  model: /opt/voices/amy.onnx
stt:
  model_path: /opt/models/ggml-base.en.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for temperature out of range, got nil")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
}

func TestValidate_AggressivenessOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
recorder:
  aggressiveness: 4
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for aggressiveness 4, got nil")
	}
	if !strings.Contains(err.Error(), "aggressiveness") {
		t.Errorf("error should mention aggressiveness, got: %v", err)
	}
}

// TestValidate_MultipleErrors checks that unrelated failures are all
// reported in one pass rather than one at a time.
func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
recorder:
  silence_ms: -1
orchestrator:
  drain_holdoff_ms: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "silence_ms") {
		t.Errorf("error should mention silence_ms, got: %v", err)
	}
	if !strings.Contains(msg, "drain_holdoff_ms") {
		t.Errorf("error should mention drain_holdoff_ms, got: %v", err)
	}
}

func TestValidate_TrackerCommandEmptyExecutable(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
tracker:
  command: ["", "--camera", "0"]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty detector executable, got nil")
	}
	if !strings.Contains(err.Error(), "tracker.command") {
		t.Errorf("error should mention tracker.command, got: %v", err)
	}
}

func TestValidCandidateNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidCandidateNames) == 0 {
		t.Fatal("ValidCandidateNames should not be empty")
	}
	found := false
	for _, n := range config.ValidCandidateNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidCandidateNames should contain \"openai\"")
	}
}
