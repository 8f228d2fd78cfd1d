// Package convo maintains the bounded conversation history of a tutoring
// session and assembles it into prompt messages.
//
// The history stores completed exchanges (one user utterance plus the
// assistant's committed reply). Prompt assembly takes the persona system
// message, a short window of recent exchanges, and the in-flight user text;
// older exchanges are retained only up to the configured bound and never
// grow without limit on a long session.
package convo

import (
	"sync"

	"github.com/lingobotics/lingo/pkg/types"
)

// DefaultPersona is the system prompt used when the configuration does not
// override it. It mirrors the tutor's spoken register: short replies, one
// follow-up question, no characters the synthesiser would stumble over.
const DefaultPersona = "You are Lingo, a friendly AI English Teacher.\n" +
	"Rules: 1–2 sentences (≤40 words) + end with ONE short question. " +
	"No emojis. Avoid the '*' character. Do not repeat yourself."

// DefaultStopSequences end a completion before the model starts speaking for
// the other side of the dialogue or drifts into quiz formatting.
func DefaultStopSequences() []string {
	return []string{"\n\n", "Question:", "Q:", "Lingo:", "You:"}
}

const (
	// defaultMaxExchanges bounds how many completed exchanges are retained.
	defaultMaxExchanges = 8

	// defaultPromptWindow is how many of the most recent exchanges are
	// included in a prompt. Two exchanges (four messages) keep the model on
	// topic without letting it parrot the whole session back.
	defaultPromptWindow = 2
)

// Config configures a [History].
type Config struct {
	// Persona is the system prompt. Defaults to DefaultPersona when empty.
	Persona string

	// MaxExchanges bounds the retained history. Defaults to 8.
	MaxExchanges int

	// PromptWindow is the number of recent exchanges included in each
	// prompt. Defaults to 2. Values above MaxExchanges are capped there.
	PromptWindow int

	// StopSequences are handed to the completion request. Defaults to
	// DefaultStopSequences when nil.
	StopSequences []string
}

// History is the bounded conversation history. All methods are safe for
// concurrent use.
type History struct {
	maxExchanges int
	promptWindow int
	stops        []string

	mu        sync.Mutex
	persona   string
	exchanges []types.Exchange
}

// New creates a History with the given configuration, applying defaults for
// zero values.
func New(cfg Config) *History {
	persona := cfg.Persona
	if persona == "" {
		persona = DefaultPersona
	}
	maxExchanges := cfg.MaxExchanges
	if maxExchanges <= 0 {
		maxExchanges = defaultMaxExchanges
	}
	window := cfg.PromptWindow
	if window <= 0 {
		window = defaultPromptWindow
	}
	if window > maxExchanges {
		window = maxExchanges
	}
	stops := cfg.StopSequences
	if stops == nil {
		stops = DefaultStopSequences()
	}
	return &History{
		maxExchanges: maxExchanges,
		promptWindow: window,
		stops:        stops,
		persona:      persona,
	}
}

// Append records a completed exchange, evicting the oldest one when the
// retention bound is exceeded.
func (h *History) Append(ex types.Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = append(h.exchanges, ex)
	if len(h.exchanges) > h.maxExchanges {
		h.exchanges = h.exchanges[len(h.exchanges)-h.maxExchanges:]
	}
}

// BuildMessages assembles the prompt for the next completion: the persona
// system message, the most recent exchanges within the prompt window as
// alternating user/assistant messages, and the in-flight user text exactly
// once at the end.
func (h *History) BuildMessages(userText string) []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := len(h.exchanges) - h.promptWindow
	if start < 0 {
		start = 0
	}
	recent := h.exchanges[start:]

	msgs := make([]types.Message, 0, 2+2*len(recent))
	msgs = append(msgs, types.Message{Role: "system", Content: h.persona})
	for _, ex := range recent {
		msgs = append(msgs, types.Message{Role: "user", Content: ex.UserText})
		msgs = append(msgs, types.Message{Role: "assistant", Content: ex.ReplyText})
	}
	msgs = append(msgs, types.Message{Role: "user", Content: userText})
	return msgs
}

// StopSequences returns a copy of the configured stop sequences.
func (h *History) StopSequences() []string {
	out := make([]string, len(h.stops))
	copy(out, h.stops)
	return out
}

// Persona returns the system prompt in use.
func (h *History) Persona() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persona
}

// SetPersona replaces the system prompt used for subsequent prompts. An
// empty value restores DefaultPersona. Retained exchanges are unaffected,
// so a persona edit mid-session does not wipe the lesson so far.
func (h *History) SetPersona(persona string) {
	if persona == "" {
		persona = DefaultPersona
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.persona = persona
}

// Exchanges returns a copy of the retained exchanges, oldest first.
func (h *History) Exchanges() []types.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Exchange, len(h.exchanges))
	copy(out, h.exchanges)
	return out
}

// Len returns the number of retained exchanges.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.exchanges)
}

// Reset clears the history. The persona and stop sequences are kept.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = nil
}
