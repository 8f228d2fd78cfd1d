// Package hedge races concurrent LLM candidates and streams the winner.
//
// Small conversational replies are latency-bound on the first token, and
// hosted model gateways stall often enough that waiting on a single request
// makes the robot feel broken. The client therefore opens the same completion
// request against two candidate providers at once. The first candidate to
// produce a text fragment becomes the winner: it claims a mutex-guarded
// decision point, every other candidate is cancelled, and only the winner's
// fragments are forwarded. If no candidate produces a fragment within the
// first-token timeout, a watchdog starts one backup candidate under the same
// protocol.
//
// Forwarded fragments are sanitized (decorative glyphs and the banned '*'
// character are stripped, since the persona prompt forbids them and the
// synthesiser would read them aloud) and deduplicated against a trailing
// window of already-emitted text, which absorbs gateway glitches that replay
// earlier content.
//
// The returned stream is finite and not restartable: it ends once every
// started candidate has signalled completion. One Client may run any number
// of sequential streams; the conversation loop uses one per turn.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/lingobotics/lingo/internal/observe"
	"github.com/lingobotics/lingo/pkg/provider/llm"
)

const (
	// DefaultFirstTokenTimeout is how long the watchdog waits for any
	// candidate's first fragment before starting the backup.
	DefaultFirstTokenTimeout = 8 * time.Second

	// DefaultDedupWindow is the size, in runes, of the trailing window of
	// emitted text that incoming fragments are checked against.
	DefaultDedupWindow = 1024
)

// Candidate pairs an LLM provider with the name used in logs and metrics.
type Candidate struct {
	Name     string
	Provider llm.Provider
}

// Config configures a hedged completion Client.
type Config struct {
	// Candidates lists the providers to race, in preference order. At least
	// one is required; the first two (after StartIndex rotation) are started
	// immediately and the next one is the watchdog's backup.
	Candidates []Candidate

	// FirstTokenTimeout is the watchdog deadline for the first fragment.
	// Zero means DefaultFirstTokenTimeout.
	FirstTokenTimeout time.Duration

	// DedupWindow is the trailing window size in runes for repeat-fragment
	// suppression. Zero means DefaultDedupWindow; negative disables dedup.
	DedupWindow int

	// StartIndex rotates which candidate is primary. The candidate list is
	// indexed modulo its length, so any value is valid.
	StartIndex int

	// Metrics receives race instrumentation. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client races candidate completions per Stream call. Safe for concurrent
// use; each Stream runs an independent race.
type Client struct {
	candidates        []Candidate
	firstTokenTimeout time.Duration
	dedupWindow       int
	startIndex        int
	metrics           *observe.Metrics
}

// New validates cfg and returns a hedged completion client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Candidates) == 0 {
		return nil, errors.New("hedge: at least one candidate is required")
	}
	candidates := make([]Candidate, len(cfg.Candidates))
	copy(candidates, cfg.Candidates)
	for i := range candidates {
		if candidates[i].Provider == nil {
			return nil, fmt.Errorf("hedge: candidate %d has a nil provider", i)
		}
		if candidates[i].Name == "" {
			candidates[i].Name = fmt.Sprintf("candidate-%d", i)
		}
	}

	timeout := cfg.FirstTokenTimeout
	if timeout == 0 {
		timeout = DefaultFirstTokenTimeout
	}
	window := cfg.DedupWindow
	if window == 0 {
		window = DefaultDedupWindow
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	start := cfg.StartIndex % len(candidates)
	if start < 0 {
		start += len(candidates)
	}

	return &Client{
		candidates:        candidates,
		firstTokenTimeout: timeout,
		dedupWindow:       window,
		startIndex:        start,
		metrics:           m,
	}, nil
}

// event is one item from a candidate worker to the race consumer. A done
// event is the worker's completion sentinel; the consumer exits once it has
// counted a sentinel for every started worker.
type event struct {
	slot int
	text string
	err  error
	done bool
}

// race holds the shared state of one Stream call. The mutex guards the
// winner index, the sentinel count, and the per-slot cancel list; those three
// change together when a winner is claimed or the backup starts.
type race struct {
	mu      sync.Mutex
	winner  int // slot index of the winning worker, -1 until claimed
	needed  int // sentinels the consumer must count before finishing
	cancels []context.CancelFunc

	winnerSeen chan struct{} // closed when the winner is claimed
	events     chan event
	started    time.Time
}

// Stream opens the race and returns the channel of winner fragments. The
// channel is closed when every started candidate has completed. Cancelling
// ctx aborts the race and closes the channel early.
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan string, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("hedge: request has no messages")
	}

	raceCtx, cancel := context.WithCancel(ctx)

	initial := min(2, len(c.candidates))
	r := &race{
		winner:     -1,
		needed:     initial,
		winnerSeen: make(chan struct{}),
		events:     make(chan event, 16),
		started:    time.Now(),
	}

	for slot := range initial {
		wctx, wcancel := context.WithCancel(raceCtx)
		r.cancels = append(r.cancels, wcancel)
		go c.worker(wctx, raceCtx, r, slot, req)
	}
	go c.watchdog(raceCtx, r, req)

	out := make(chan string)
	go c.consume(raceCtx, cancel, r, out)
	return out, nil
}

// candidateFor maps a worker slot to its candidate, rotating by the
// configured start index.
func (c *Client) candidateFor(slot int) Candidate {
	return c.candidates[(c.startIndex+slot)%len(c.candidates)]
}

// worker streams one candidate and forwards its fragments while it owns (or
// may still claim) the race. ctx is the slot's own context, cancelled when
// another candidate wins; raceCtx outlives the slot, so the completion
// sentinel in the deferred send always reaches the consumer.
func (c *Client) worker(ctx, raceCtx context.Context, r *race, slot int, req llm.CompletionRequest) {
	cand := c.candidateFor(slot)
	var workerErr error
	defer func() {
		r.send(raceCtx, event{slot: slot, done: true, err: workerErr})
	}()

	stream, err := cand.Provider.StreamCompletion(ctx, req)
	if err != nil {
		workerErr = err
		c.reportFailure(raceCtx, r, slot, cand.Name, err)
		return
	}

	for chunk := range stream {
		if ctx.Err() != nil {
			return
		}
		if chunk.FinishReason == "error" {
			workerErr = errors.New(chunk.Text)
			c.reportFailure(raceCtx, r, slot, cand.Name, workerErr)
			return
		}
		if chunk.Text == "" {
			continue
		}

		text := sanitize(chunk.Text)
		first, mine := r.claim(slot)
		if !mine {
			return
		}
		if first {
			latency := time.Since(r.started)
			c.metrics.FirstFragmentLatency.Record(ctx, latency.Seconds(),
				metric.WithAttributes(observe.Attr("candidate", cand.Name)),
			)
			slog.Debug("hedge: winner claimed",
				"candidate", cand.Name,
				"latency", latency,
			)
		}
		// A fragment can sanitize to nothing and still claim the win; the
		// candidate produced output first even if none of it is speakable.
		if text == "" {
			continue
		}
		r.send(ctx, event{slot: slot, text: text})
	}
}

// claim resolves the decision point for one fragment. first reports whether
// this call claimed the win; mine reports whether slot may keep forwarding.
// Claiming cancels every other started slot before any further forwarding.
func (r *race) claim(slot int) (first, mine bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.winner == -1 {
		r.winner = slot
		close(r.winnerSeen)
		for i, cancel := range r.cancels {
			if i != slot {
				cancel()
			}
		}
		return true, true
	}
	return false, r.winner == slot
}

// reportFailure turns a pre-winner candidate failure into a stream fragment:
// quota and auth errors become an operator advisory, anything else becomes a
// bracketed error note. Failures after a winner exists are logged and
// dropped, since the winner's text is already playing.
func (c *Client) reportFailure(raceCtx context.Context, r *race, slot int, name string, err error) {
	r.mu.Lock()
	hasWinner := r.winner != -1
	r.mu.Unlock()
	if hasWinner {
		slog.Debug("hedge: losing candidate failed", "candidate", name, "error", err)
		return
	}

	msg := err.Error()
	var text string
	if IsQuotaOrAuth(msg) {
		text = "\n" + quotaAdvisory(name)
		slog.Warn("hedge: candidate looks rate-limited or out of quota",
			"candidate", name,
			"error", err,
		)
	} else {
		text = fmt.Sprintf("\n[Error: %s failed: %s]", name, msg)
		slog.Warn("hedge: candidate failed before a winner emerged",
			"candidate", name,
			"error", err,
		)
	}
	r.send(raceCtx, event{slot: slot, text: text})
}

// watchdog starts the backup candidate when no winner appears within the
// first-token timeout. It returns silently when a winner is claimed or the
// race ends first.
func (c *Client) watchdog(ctx context.Context, r *race, req llm.CompletionRequest) {
	timer := time.NewTimer(c.firstTokenTimeout)
	defer timer.Stop()

	select {
	case <-r.winnerSeen:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	r.mu.Lock()
	if r.winner != -1 || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	slot := len(r.cancels)
	wctx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)
	r.needed++
	r.mu.Unlock()

	cand := c.candidateFor(slot)
	c.metrics.RecordWatchdogActivation(ctx)
	slog.Warn("hedge: no first fragment in time, starting backup candidate",
		"candidate", cand.Name,
		"timeout", c.firstTokenTimeout,
	)
	go c.worker(wctx, ctx, r, slot, req)
}

// consume owns the output channel: it forwards fragments, suppresses repeats
// within the trailing dedup window, counts completion sentinels, and records
// per-candidate outcomes. When the last sentinel arrives it cancels the race
// context so the watchdog cannot start a backup nobody would read.
func (c *Client) consume(ctx context.Context, cancel context.CancelFunc, r *race, out chan<- string) {
	defer close(out)
	defer cancel()

	finished := 0
	var tail []rune
	for {
		r.mu.Lock()
		needed := r.needed
		r.mu.Unlock()
		if finished >= needed {
			return
		}

		var ev event
		select {
		case ev = <-r.events:
		case <-ctx.Done():
			return
		}

		if ev.done {
			finished++
			c.recordOutcome(ctx, r, ev)
			continue
		}
		if ev.text == "" {
			continue
		}
		if c.dedupWindow > 0 && len(tail) > 0 && strings.Contains(string(tail), ev.text) {
			c.metrics.RecordDedupDrop(ctx, c.candidateFor(ev.slot).Name)
			slog.Debug("hedge: dropped repeated fragment",
				"candidate", c.candidateFor(ev.slot).Name,
				"len", len(ev.text),
			)
			continue
		}
		tail = appendTail(tail, ev.text, c.dedupWindow)

		select {
		case out <- ev.text:
		case <-ctx.Done():
			return
		}
	}
}

// recordOutcome classifies one finished worker for the race-outcome counter.
func (c *Client) recordOutcome(ctx context.Context, r *race, ev event) {
	r.mu.Lock()
	winner := r.winner
	r.mu.Unlock()

	outcome := "lost"
	switch {
	case ev.slot == winner:
		outcome = "won"
	case ev.err != nil:
		outcome = "error"
	}
	c.metrics.RecordRaceOutcome(ctx, c.candidateFor(ev.slot).Name, outcome)
}

// send delivers ev unless ctx ends first.
func (r *race) send(ctx context.Context, ev event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// appendTail appends the runes of text and trims to the last window runes.
func appendTail(tail []rune, text string, window int) []rune {
	tail = append(tail, []rune(text)...)
	if window > 0 && len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	return tail
}

// quotaOrAuthPatterns are matched case-insensitively anywhere in a provider
// error message. Gateways disagree on status codes versus prose, so both are
// listed.
var quotaOrAuthPatterns = []string{
	"429", "too many requests", "rate",
	"401", "403", "unauthorized", "forbidden", "invalid api key",
	"insufficient_quota",
}

// IsQuotaOrAuth reports whether a provider error message looks like a quota,
// rate-limit, or credential problem rather than a transient network failure.
func IsQuotaOrAuth(msg string) bool {
	m := strings.ToLower(msg)
	for _, p := range quotaOrAuthPatterns {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// quotaAdvisory is the fragment spoken and displayed when a candidate hits
// quota or auth limits before any winner exists. It tells the operator what
// to do; the turn itself proceeds.
func quotaAdvisory(name string) string {
	return fmt.Sprintf("[API notice] The %s account appears to be rate-limited or out of quota. Rotate the configured credentials, then try again.", name)
}

// sanitize strips decorative glyphs and the banned '*' character from a
// fragment. The persona prompt forbids both, but models leak them anyway and
// the synthesiser would read them out loud.
func sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '*' || decorative(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// decorative reports whether r falls in one of the emoji blocks stripped
// from spoken replies: Miscellaneous Symbols and Pictographs through
// Transport, Supplemental Symbols, Symbols Extended-A, and Dingbats.
func decorative(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F6FF:
		return true
	case r >= 0x1F900 && r <= 0x1F9FF:
		return true
	case r >= 0x1FA70 && r <= 0x1FAFF:
		return true
	case r >= 0x2700 && r <= 0x27BF:
		return true
	}
	return false
}
