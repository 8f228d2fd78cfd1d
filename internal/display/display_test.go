package display_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lingobotics/lingo/internal/display"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// recordingSurface captures every event it is shown.
type recordingSurface struct {
	mu     sync.Mutex
	events []display.Event
}

func (r *recordingSurface) Show(_ context.Context, ev display.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSurface) shown() []display.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]display.Event(nil), r.events...)
}

// syncBuffer is a bytes.Buffer safe for use as a slog sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ─── Event constructors ──────────────────────────────────────────────────────

// TestEventConstructors verifies that the helper constructors stamp the kind,
// payload and timestamp.
func TestEventConstructors(t *testing.T) {
	t.Parallel()

	before := time.Now()

	user := display.UserEvent("hello there", true)
	if user.Kind != display.KindUser || user.Text != "hello there" || !user.Spoken {
		t.Fatalf("UserEvent = %+v", user)
	}
	reply := display.ReplyEvent("Hi! How are you today?")
	if reply.Kind != display.KindReply || reply.Text != "Hi! How are you today?" || reply.Spoken {
		t.Fatalf("ReplyEvent = %+v", reply)
	}
	status := display.StatusEvent("(No speech detected)")
	if status.Kind != display.KindStatus || status.Text != "(No speech detected)" {
		t.Fatalf("StatusEvent = %+v", status)
	}

	for _, ev := range []display.Event{user, reply, status} {
		if ev.At.Before(before) {
			t.Fatalf("event %q timestamped before construction", ev.Kind)
		}
	}
}

// ─── Log surface ─────────────────────────────────────────────────────────────

// TestLog_WritesTurnsToLog swaps the default logger for a buffer and checks
// that each event kind ends up in the log with its text. Not parallel because
// it touches the process-wide default logger.
func TestLog_WritesTurnsToLog(t *testing.T) {
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	defer slog.SetDefault(prev)

	var surface display.Log
	surface.Show(context.Background(), display.UserEvent("what time is it", true))
	surface.Show(context.Background(), display.ReplyEvent("It is noon. What are you up to?"))
	surface.Show(context.Background(), display.StatusEvent("(No speech detected)"))

	out := buf.String()
	for _, want := range []string{
		"display: user",
		"what time is it",
		"display: reply",
		"It is noon.",
		"display: status",
		"(No speech detected)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

// ─── Multi surface ───────────────────────────────────────────────────────────

// TestMulti_FansOutToEverySurface verifies that one Show reaches all member
// surfaces in order.
func TestMulti_FansOutToEverySurface(t *testing.T) {
	t.Parallel()

	first := &recordingSurface{}
	second := &recordingSurface{}
	m := display.Multi{first, second}

	ev := display.ReplyEvent("Nice to meet you! Where are you from?")
	m.Show(context.Background(), ev)

	for i, s := range []*recordingSurface{first, second} {
		got := s.shown()
		if len(got) != 1 || got[0].Text != ev.Text {
			t.Fatalf("surface %d saw %+v, want one copy of %q", i, got, ev.Text)
		}
	}
}

// TestMulti_EmptyIsNoop verifies that an empty fan-out accepts events without
// doing anything.
func TestMulti_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	var m display.Multi
	m.Show(context.Background(), display.StatusEvent("listening"))
}
