package config_test

import (
	"slices"
	"testing"

	"github.com/lingobotics/lingo/internal/config"
)

// baseConfig returns a fresh config for diffing. Each call builds an
// independent value so tests can mutate one side freely.
func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{CaptureDevice: "default", SampleRate: 16000, FrameMs: 30},
		LLM: config.LLMConfig{
			Candidates: []config.CandidateConfig{
				{Name: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"},
				{Name: "groq", Model: "llama-3.1-8b-instant", APIKey: "gsk-test"},
			},
			MaxTokens:   48,
			Temperature: 0.4,
			Stop:        []string{"\n\n"},
		},
		TTS:     config.TTSConfig{Model: "/opt/voices/amy.onnx"},
		STT:     config.STTConfig{ModelPath: "/opt/models/ggml-base.en.bin", Language: "en"},
		Tracker: config.TrackerConfig{Command: []string{"face-detector"}, IntervalMs: 100},
		History: config.HistoryConfig{MaxExchanges: 8, PromptWindow: 2, Persona: "tutor"},
		Archive: config.ArchiveConfig{DSN: "postgres://localhost/lingo"},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got restart sections %q", d.RestartRequired)
	}
}

func TestDiff_Persona(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.History.Persona = "drill sergeant"

	d := config.Diff(old, new)
	if !d.PersonaChanged {
		t.Fatal("PersonaChanged should be true")
	}
	if d.NewPersona != "drill sergeant" {
		t.Errorf("NewPersona: got %q", d.NewPersona)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("persona is hot-reloadable, got restart sections %q", d.RestartRequired)
	}
}

func TestDiff_CandidateChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.LLM.Candidates[1].Model = "mixtral-8x7b"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "llm") {
		t.Errorf("expected llm in restart sections, got %q", d.RestartRequired)
	}
	if d.LogLevelChanged || d.PersonaChanged {
		t.Error("candidate edit should not flag hot-reloadable fields")
	}
}

func TestDiff_TrackerCommandNeedsRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Tracker.Command = []string{"face-detector", "--camera", "1"}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "tracker") {
		t.Errorf("expected tracker in restart sections, got %q", d.RestartRequired)
	}
}

func TestDiff_ListenAddrNeedsRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":8088"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "server.listen_addr") {
		t.Errorf("expected server.listen_addr in restart sections, got %q", d.RestartRequired)
	}
	if d.LogLevelChanged {
		t.Error("listen addr edit should not flag the log level")
	}
}

func TestDiff_MultipleSectionsInSchemaOrder(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Archive.DSN = ""
	new.Audio.SampleRate = 48000
	new.STT.ServerURL = "http://127.0.0.1:8080"

	d := config.Diff(old, new)
	want := []string{"audio", "stt", "archive"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("restart sections: got %q, want %q", d.RestartRequired, want)
	}
}

func TestDiff_HistoryBoundsNeedRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.History.MaxExchanges = 20

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "history") {
		t.Errorf("expected history in restart sections, got %q", d.RestartRequired)
	}
	if d.PersonaChanged {
		t.Error("retention edit should not flag the persona")
	}
}
