package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/stt"
	sttmock "github.com/lingobotics/lingo/pkg/provider/stt/mock"
)

func testRequest() stt.Request {
	return stt.Request{
		PCM:      make([]byte, 640),
		Format:   audio.Format{SampleRate: 16000, Channels: 1},
		Language: "en",
	}
}

// TestTranscriber_PrimaryResultPassesThrough checks the healthy path end to
// end, including result fields.
func TestTranscriber_PrimaryResultPassesThrough(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Result: stt.Result{
		Text:          "hello teacher",
		AudioDuration: 2 * time.Second,
	}}
	tr := NewTranscriber(primary, "native", FallbackConfig{})

	got, err := tr.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello teacher" || got.AudioDuration != 2*time.Second {
		t.Errorf("result = %+v, want the primary's result", got)
	}
	if primary.TranscribeCallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.TranscribeCallCount())
	}
}

// TestTranscriber_FailsOverToServer checks that a broken native engine
// hands the utterance to the HTTP fallback.
func TestTranscriber_FailsOverToServer(t *testing.T) {
	t.Parallel()
	native := &sttmock.Provider{Err: errors.New("model not loaded")}
	server := &sttmock.Provider{Result: stt.Result{Text: "from the server"}}
	tr := NewTranscriber(native, "native", FallbackConfig{})
	tr.AddFallback("server", server)

	got, err := tr.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from the server" {
		t.Errorf("text = %q, want %q", got.Text, "from the server")
	}
	if native.TranscribeCallCount() != 1 || server.TranscribeCallCount() != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)",
			native.TranscribeCallCount(), server.TranscribeCallCount())
	}
}

// TestTranscriber_EmptyTranscriptIsNotAFailure checks that silence from the
// primary never triggers a failover.
func TestTranscriber_EmptyTranscriptIsNotAFailure(t *testing.T) {
	t.Parallel()
	native := &sttmock.Provider{Result: stt.Result{Text: ""}}
	server := &sttmock.Provider{Result: stt.Result{Text: "should never be used"}}
	tr := NewTranscriber(native, "native", FallbackConfig{})
	tr.AddFallback("server", server)

	got, err := tr.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "" {
		t.Errorf("text = %q, want empty", got.Text)
	}
	if server.TranscribeCallCount() != 0 {
		t.Errorf("server calls = %d, want 0", server.TranscribeCallCount())
	}
}

// TestTranscriber_BreakerShieldsDeadPrimary checks that after the breaker
// trips, turns stop paying for the primary's failure.
func TestTranscriber_BreakerShieldsDeadPrimary(t *testing.T) {
	t.Parallel()
	native := &sttmock.Provider{Err: errors.New("segfault in bindings")}
	server := &sttmock.Provider{Result: stt.Result{Text: "ok"}}
	cfg := FallbackConfig{Breaker: BreakerConfig{
		MaxFailures:     2,
		RecoveryTimeout: time.Hour,
	}}
	tr := NewTranscriber(native, "native", cfg)
	tr.AddFallback("server", server)

	for range 4 {
		if _, err := tr.Transcribe(context.Background(), testRequest()); err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
	}
	if got := native.TranscribeCallCount(); got != 2 {
		t.Errorf("native calls = %d, want 2 (breaker open afterwards)", got)
	}
	if got := server.TranscribeCallCount(); got != 4 {
		t.Errorf("server calls = %d, want 4", got)
	}
	if got := tr.States()["native"]; got != StateOpen {
		t.Errorf("native breaker state = %v, want open", got)
	}
}

// TestTranscriber_AllBackendsFailed checks the wrapped sentinel.
func TestTranscriber_AllBackendsFailed(t *testing.T) {
	t.Parallel()
	native := &sttmock.Provider{Err: errors.New("broken")}
	server := &sttmock.Provider{Err: errors.New("also broken")}
	tr := NewTranscriber(native, "native", FallbackConfig{})
	tr.AddFallback("server", server)

	_, err := tr.Transcribe(context.Background(), testRequest())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}

// TestTranscriber_ContextCancellation checks that a cancelled turn stops
// the failover walk.
func TestTranscriber_ContextCancellation(t *testing.T) {
	t.Parallel()
	native := &sttmock.Provider{Result: stt.Result{Text: "never"}}
	tr := NewTranscriber(native, "native", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Transcribe(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if native.TranscribeCallCount() != 0 {
		t.Errorf("native calls = %d, want 0", native.TranscribeCallCount())
	}
}
