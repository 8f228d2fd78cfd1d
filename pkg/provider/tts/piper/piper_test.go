package piper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	audiomock "github.com/lingobotics/lingo/pkg/audio/mock"
	"github.com/lingobotics/lingo/pkg/provider/tts"
)

// writeVoiceModel creates a placeholder .onnx file and returns its path.
func writeVoiceModel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "voice.onnx")
	if err := os.WriteFile(path, []byte("not a real model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

// writeFakePiper creates an executable shell script standing in for the real
// piper binary. body is the script's behaviour; arguments are ignored.
func writeFakePiper(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-piper")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake piper: %v", err)
	}
	return path
}

// waitFor polls cond until it is true or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── New ──────────────────────────────────────────────────────────────────────

// TestNew_Validation checks constructor input validation.
func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty model path, got nil")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing.onnx")); err == nil {
		t.Error("expected error for missing model file, got nil")
	}
}

// TestResolveSampleRate checks the sidecar lookup order and its fallbacks.
func TestResolveSampleRate(t *testing.T) {
	t.Parallel()

	t.Run("audio nested rate", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		model := writeVoiceModel(t, dir)
		sidecar := model + ".json"
		if err := os.WriteFile(sidecar, []byte(`{"audio":{"sample_rate":24000}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		eng, err := New(model)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := eng.Format().SampleRate; got != 24000 {
			t.Errorf("sample rate: got %d, want 24000", got)
		}
	})

	t.Run("top level rate with stripped extension", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		model := writeVoiceModel(t, dir)
		sidecar := filepath.Join(dir, "voice.json")
		if err := os.WriteFile(sidecar, []byte(`{"sample_rate":16000}`), 0o644); err != nil {
			t.Fatal(err)
		}
		eng, err := New(model)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := eng.Format().SampleRate; got != 16000 {
			t.Errorf("sample rate: got %d, want 16000", got)
		}
	})

	t.Run("missing sidecar falls back to default", func(t *testing.T) {
		t.Parallel()
		model := writeVoiceModel(t, t.TempDir())
		eng, err := New(model)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := eng.Format().SampleRate; got != 22050 {
			t.Errorf("sample rate: got %d, want 22050", got)
		}
	})

	t.Run("invalid sidecar falls back to default", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		model := writeVoiceModel(t, dir)
		if err := os.WriteFile(model+".json", []byte("{nope"), 0o644); err != nil {
			t.Fatal(err)
		}
		eng, err := New(model)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := eng.Format().SampleRate; got != 22050 {
			t.Errorf("sample rate: got %d, want 22050", got)
		}
	})

	t.Run("option overrides sidecar", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		model := writeVoiceModel(t, dir)
		if err := os.WriteFile(model+".json", []byte(`{"sample_rate":16000}`), 0o644); err != nil {
			t.Fatal(err)
		}
		eng, err := New(model, WithSampleRate(48000))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := eng.Format().SampleRate; got != 48000 {
			t.Errorf("sample rate: got %d, want 48000", got)
		}
	})
}

// TestBuildArgs checks the subprocess command line.
func TestBuildArgs(t *testing.T) {
	t.Parallel()

	model := writeVoiceModel(t, t.TempDir())
	eng, err := New(model, WithSentenceSilence(0.25))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := eng.buildArgs()
	want := []string{"--model", model, "--output-raw", "--sentence_silence", "0.25"}
	if len(got) != len(want) {
		t.Fatalf("args: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

// ─── drainClock ───────────────────────────────────────────────────────────────

// TestDrainClock checks the never-marked and recently-marked cases.
func TestDrainClock(t *testing.T) {
	t.Parallel()

	var c drainClock
	if !c.DrainedSince(time.Hour) {
		t.Error("unmarked clock should report drained")
	}

	c.mark()
	if c.DrainedSince(time.Hour) {
		t.Error("freshly marked clock should not be drained for an hour")
	}

	time.Sleep(30 * time.Millisecond)
	if !c.DrainedSince(20 * time.Millisecond) {
		t.Error("clock should be drained 30ms after the last mark")
	}
}

// ─── SpeakChunk preconditions ─────────────────────────────────────────────────

// TestSpeakChunk_NotStarted checks that speaking before Start fails.
func TestSpeakChunk_NotStarted(t *testing.T) {
	t.Parallel()

	eng, err := New(writeVoiceModel(t, t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.SpeakChunk("hello", true); err == nil {
		t.Error("expected error before Start, got nil")
	}
}

// TestSpeakChunk_BlankIgnored checks that whitespace-only chunks are dropped
// before any pipe interaction.
func TestSpeakChunk_BlankIgnored(t *testing.T) {
	t.Parallel()

	eng, err := New(writeVoiceModel(t, t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.SpeakChunk("   \n", true); err != nil {
		t.Errorf("blank chunk should be a no-op, got %v", err)
	}
}

// ─── subprocess round trip ────────────────────────────────────────────────────

// TestEngine_PumpsToSink runs the engine against a stand-in binary that
// echoes its stdin, checking the chunk framing and the drain tracking.
func TestEngine_PumpsToSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := writeVoiceModel(t, dir)
	binary := writeFakePiper(t, dir, "exec cat")

	eng, err := New(model, WithBinary(binary), WithSampleRate(22050))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &audiomock.Sink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	if err := eng.Start(ctx, sink); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	if !eng.DrainedSince(time.Hour) {
		t.Error("engine with no audio yet should report drained")
	}

	if err := eng.SpeakChunk("hello", false); err != nil {
		t.Fatalf("SpeakChunk: %v", err)
	}
	waitFor(t, func() bool { return sink.BytesWritten() == len("hello ") },
		"mid-sentence chunk never reached the sink")
	waitFor(t, func() bool { return !eng.DrainedSince(time.Hour) },
		"drain clock never marked after audio was pushed")

	if err := eng.SpeakChunk("  bye.  ", true); err != nil {
		t.Fatalf("SpeakChunk: %v", err)
	}
	waitFor(t, func() bool { return sink.BytesWritten() == len("hello bye.\n") },
		"sentence-final chunk never reached the sink")

	var all []byte
	for _, w := range sink.Writes {
		all = append(all, w.PCM...)
	}
	if string(all) != "hello bye.\n" {
		t.Errorf("sink received %q, want %q", all, "hello bye.\n")
	}

	if err := eng.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := eng.SpeakChunk("after close", true); err == nil {
		t.Error("expected error speaking after Close, got nil")
	}
}

// TestEngine_StartTwice checks that a second Start is rejected.
func TestEngine_StartTwice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	eng, err := New(writeVoiceModel(t, dir),
		WithBinary(writeFakePiper(t, dir, "exec cat")),
		WithSampleRate(22050),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &audiomock.Sink{}
	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	if err := eng.Start(ctx, sink); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	if err := eng.Start(ctx, sink); err == nil {
		t.Error("expected error from second Start, got nil")
	}
}

// TestEngine_RestartOnBrokenPipe checks that the engine transparently
// respawns the subprocess when its stdin pipe breaks, and counts the restart.
func TestEngine_RestartOnBrokenPipe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := writeVoiceModel(t, dir)
	// Each incarnation consumes one line and exits, so every other write hits
	// a dead pipe.
	binary := writeFakePiper(t, dir, "head -n 1 >/dev/null\nexit 0")

	eng, err := New(model, WithBinary(binary), WithSampleRate(22050))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &audiomock.Sink{}
	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	if err := eng.Start(ctx, sink); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	if got := eng.Restarts(); got != 0 {
		t.Errorf("restart count before any writes = %d, want 0", got)
	}

	// The replacement binary still exists, so the restart path must succeed
	// rather than surface an error.
	deadline := time.Now().Add(5 * time.Second)
	for eng.Restarts() == 0 && time.Now().Before(deadline) {
		if err := eng.SpeakChunk("hello there.", true); err != nil {
			t.Fatalf("SpeakChunk during restart: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if eng.Restarts() == 0 {
		t.Fatal("engine never restarted the subprocess")
	}
}

// failOnceSink rejects its first write and accepts everything after, like a
// playback device that hiccuped once.
type failOnceSink struct {
	audiomock.Sink
	mu     sync.Mutex
	failed bool
}

func (s *failOnceSink) Write(pcm []byte) error {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return errors.New("device gone")
	}
	return s.Sink.Write(pcm)
}

// TestEngine_SinkFailureDropsSubprocess verifies that a pump losing its sink
// takes the subprocess down with it, so the next chunk goes through a fresh
// incarnation instead of piling up behind a pipe nobody drains.
func TestEngine_SinkFailureDropsSubprocess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := writeVoiceModel(t, dir)
	binary := writeFakePiper(t, dir, "exec cat")

	eng, err := New(model, WithBinary(binary), WithSampleRate(22050))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &failOnceSink{}
	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	if err := eng.Start(ctx, sink); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	// The echoed PCM of this chunk hits the failing write; the pump must
	// drop the incarnation rather than leave it producing into the void.
	if err := eng.SpeakChunk("one.", true); err != nil {
		t.Fatalf("SpeakChunk: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for eng.Restarts() == 0 && time.Now().Before(deadline) {
		if err := eng.SpeakChunk("two.", true); err != nil {
			t.Fatalf("SpeakChunk after sink failure: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if eng.Restarts() == 0 {
		t.Fatal("sink failure never tore the subprocess down")
	}

	waitFor(t, func() bool { return sink.BytesWritten() > 0 },
		"no audio reached the sink after the restart")
}

// TestEngine_RestartFailureSurfacesPipeError kills the stand-in binary out
// from under the engine and checks that the failed restart is reported as
// tts.ErrSynthesisPipe.
func TestEngine_RestartFailureSurfacesPipeError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := writeVoiceModel(t, dir)
	binary := writeFakePiper(t, dir, "exit 0")

	eng, err := New(model, WithBinary(binary), WithSampleRate(22050))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &audiomock.Sink{}
	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	if err := eng.Start(ctx, sink); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	// Remove the binary so the restart attempt cannot spawn a replacement.
	if err := os.Remove(binary); err != nil {
		t.Fatalf("remove binary: %v", err)
	}

	// The subprocess exits on its own; once its end of the pipe is gone a
	// write fails and the engine's restart fails too.
	var speakErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if speakErr = eng.SpeakChunk("hello", true); speakErr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if speakErr == nil {
		t.Fatal("expected SpeakChunk to fail after the synthesiser died")
	}
	if !errors.Is(speakErr, tts.ErrSynthesisPipe) {
		t.Errorf("error should wrap tts.ErrSynthesisPipe, got %v", speakErr)
	}
}
