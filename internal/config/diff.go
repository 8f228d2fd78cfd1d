package config

import "slices"

// ConfigDiff describes what changed between two configs. The log level and
// persona can be applied to a running process; everything else is reported
// by section so the operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged bool
	NewPersona     string

	// RestartRequired lists the changed sections that only take effect on
	// the next start, in schema order.
	RestartRequired []string
}

// Empty reports whether the two configs were identical.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.History.Persona != new.History.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.History.Persona
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("audio", old.Audio != new.Audio)
	restart("recorder", old.Recorder != new.Recorder)
	restart("llm", !llmEqual(old.LLM, new.LLM))
	restart("chunker", old.Chunker != new.Chunker)
	restart("tts", old.TTS != new.TTS)
	restart("stt", old.STT != new.STT)
	restart("head", old.Head != new.Head)
	restart("tracker", !trackerEqual(old.Tracker, new.Tracker))
	restart("orchestrator", old.Orchestrator != new.Orchestrator)
	restart("history", old.History.MaxExchanges != new.History.MaxExchanges ||
		old.History.PromptWindow != new.History.PromptWindow)
	restart("archive", old.Archive != new.Archive)

	return d
}

func llmEqual(a, b LLMConfig) bool {
	return slices.Equal(a.Candidates, b.Candidates) &&
		a.FirstTokenTimeoutS == b.FirstTokenTimeoutS &&
		a.MaxTokens == b.MaxTokens &&
		a.MaxTokensTyped == b.MaxTokensTyped &&
		a.Temperature == b.Temperature &&
		slices.Equal(a.Stop, b.Stop) &&
		a.DedupWindow == b.DedupWindow
}

func trackerEqual(a, b TrackerConfig) bool {
	return slices.Equal(a.Command, b.Command) &&
		a.IntervalMs == b.IntervalMs &&
		a.DeadbandDeg == b.DeadbandDeg &&
		a.DwellMs == b.DwellMs &&
		a.IdleGraceMs == b.IdleGraceMs &&
		a.RetryBackoffMs == b.RetryBackoffMs
}
