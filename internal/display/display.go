// Package display renders the conversation as it is committed.
//
// The pipeline is the only writer: it shows the user's side of a turn once
// the transcript is in, status lines while it works, and the assistant's
// reply after playback has drained. Surfaces are fire-and-forget; a broken
// display never fails a turn.
//
// Two surfaces ship: Log writes turns to the structured log, and Hub
// broadcasts them to websocket clients so a browser or phone on the same
// network can follow the session. Multi fans out to several surfaces.
package display

import (
	"context"
	"log/slog"
	"time"
)

// EventKind classifies a display update.
type EventKind string

const (
	// KindUser is the user's side of a turn, shown as soon as the
	// transcript or typed text is known.
	KindUser EventKind = "user"

	// KindReply is the assistant's committed reply, shown only after
	// playback has drained.
	KindReply EventKind = "reply"

	// KindStatus is an out-of-band line: listening and thinking markers,
	// "(No speech detected)", error notes.
	KindStatus EventKind = "status"
)

// Event is one display update. The JSON form is the websocket wire format.
type Event struct {
	Kind   EventKind `json:"kind"`
	Text   string    `json:"text"`
	Spoken bool      `json:"spoken,omitempty"`
	At     time.Time `json:"at"`
}

// UserEvent builds the user-side event of a turn.
func UserEvent(text string, spoken bool) Event {
	return Event{Kind: KindUser, Text: text, Spoken: spoken, At: time.Now()}
}

// ReplyEvent builds the committed-reply event of a turn.
func ReplyEvent(text string) Event {
	return Event{Kind: KindReply, Text: text, At: time.Now()}
}

// StatusEvent builds an out-of-band status line.
func StatusEvent(text string) Event {
	return Event{Kind: KindStatus, Text: text, At: time.Now()}
}

// Surface is where committed turns are shown. Implementations must not
// block the caller beyond a bounded time and must swallow their own
// failures.
type Surface interface {
	Show(ctx context.Context, ev Event)
}

// Log is a Surface that writes the conversation to the structured log. It
// is the always-on surface of a headless device.
type Log struct{}

// Compile-time interface assertions.
var (
	_ Surface = Log{}
	_ Surface = Multi{}
)

// Show implements Surface.
func (Log) Show(_ context.Context, ev Event) {
	switch ev.Kind {
	case KindUser:
		slog.Info("display: user", "text", ev.Text, "spoken", ev.Spoken)
	case KindReply:
		slog.Info("display: reply", "text", ev.Text)
	default:
		slog.Info("display: status", "text", ev.Text)
	}
}

// Multi fans one event out to every surface in order.
type Multi []Surface

// Show implements Surface.
func (m Multi) Show(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Show(ctx, ev)
	}
}
