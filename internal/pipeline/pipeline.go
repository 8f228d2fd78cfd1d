// Package pipeline sequences one conversational turn from trigger to idle.
//
// A turn walks the state machine IDLE → LISTENING → THINKING → TALKING →
// IDLE. The orchestrator pauses the face tracker, animates the head through
// the matching gestures, records a silence-bounded utterance, transcribes
// it, races the completion candidates, and feeds the winner's fragments to
// the synthesizer in chunks while the reply is still being generated. The
// finished reply is committed to the display surface, the conversation
// history, and the optional archive only after playback has actually
// drained, so the text never appears before the robot finishes saying it.
//
// Turns are strictly sequential: a trigger that arrives while a turn is
// running is rejected with ErrBusy. All sequencing runs on the calling
// goroutine; the only things the orchestrator does asynchronously are the
// collaborators' own pumps and the delayed tracker resume.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lingobotics/lingo/internal/convo"
	"github.com/lingobotics/lingo/internal/display"
	"github.com/lingobotics/lingo/internal/engine/chunker"
	"github.com/lingobotics/lingo/internal/head"
	"github.com/lingobotics/lingo/internal/observe"
	"github.com/lingobotics/lingo/internal/transcript"
	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/provider/llm"
	"github.com/lingobotics/lingo/pkg/provider/stt"
	"github.com/lingobotics/lingo/pkg/provider/tts"
	"github.com/lingobotics/lingo/pkg/types"
)

// Defaults for the tunable turn parameters.
const (
	// DefaultMaxTokens bounds spoken replies. Short replies keep the
	// synthesizer ahead of the listener's patience.
	DefaultMaxTokens = 48

	// DefaultMaxTokensTyped bounds typed replies, which can afford to run
	// longer than speech.
	DefaultMaxTokensTyped = 96

	// DefaultTemperature is the completion sampling temperature.
	DefaultTemperature = 0.4

	// DefaultDrainHoldOff is how long playback must stay silent before the
	// reply counts as finished.
	DefaultDrainHoldOff = 600 * time.Millisecond

	// DefaultDrainPoll is the cadence of drain checks during the finalize
	// step.
	DefaultDrainPoll = 40 * time.Millisecond

	// DefaultStopRepeatGap separates the two stop gestures that end a turn.
	DefaultStopRepeatGap = 120 * time.Millisecond

	// DefaultIdleSettle is how long after a turn the face tracker stays
	// paused, so the head is not yanked mid-return by a gaze command.
	DefaultIdleSettle = 5 * time.Second
)

// noSpeechNotice is shown when a capture or its transcript turns out empty.
const noSpeechNotice = "(No speech detected)"

// State is one position of the turn state machine.
type State string

// Turn states, in the order a full turn passes through them.
const (
	StateIdle      State = "IDLE"
	StateListening State = "LISTENING"
	StateThinking  State = "THINKING"
	StateTalking   State = "TALKING"
)

// Turn kinds, used in metrics and logs.
const (
	turnSpoken = "spoken"
	turnTyped  = "typed"
)

// Turn outcomes for the duration metric.
const (
	outcomeCompleted = "completed"
	outcomeNoSpeech  = "no_speech"
	outcomeError     = "error"
)

// Recorder captures one silence-bounded utterance. Implemented by
// recorder.Recorder.
type Recorder interface {
	Record(ctx context.Context) (audio.Utterance, error)
}

// Completer streams the winning candidate's reply fragments. Implemented by
// the hedged completion client; the returned channel closes when every
// started candidate has finished.
type Completer interface {
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan string, error)
}

// Tracker is the face-follow loop the orchestrator pauses for the length of
// every turn. Implemented by tracker.Tracker.
type Tracker interface {
	// Pause must release the camera before returning.
	Pause(ctx context.Context)
	Resume()
}

// Archiver persists committed exchanges. Implemented by archive.Archive.
// Failures are logged, never fatal to a turn.
type Archiver interface {
	Record(ctx context.Context, ex types.Exchange) error
}

// Config configures an Orchestrator. Recorder, Transcriber, Completer,
// Engine, and Head are required; everything else defaults.
type Config struct {
	// Recorder captures the utterance for spoken turns.
	Recorder Recorder

	// Transcriber turns the utterance into text. Wrap the backends in a
	// resilience.Transcriber to get failover.
	Transcriber stt.Provider

	// Completer produces the streamed reply fragments.
	Completer Completer

	// Engine synthesizes reply chunks. It must be started, with its sink,
	// before the first turn.
	Engine tts.Engine

	// Head receives the gesture commands.
	Head head.Controller

	// Tracker, when set, is paused on every turn start and resumed
	// IdleSettle after the turn ends.
	Tracker Tracker

	// History is the conversation record used for prompt assembly. Nil
	// means a fresh default history.
	History *convo.History

	// Corrector, when set, repairs the assistant's name in transcripts
	// before prompt assembly.
	Corrector *transcript.Corrector

	// Display receives user text, committed replies, and status notices.
	// Nil means the log surface.
	Display display.Surface

	// Archive, when set, receives every committed exchange.
	Archive Archiver

	// Chunker tunes the reply chunk boundaries handed to the synthesizer.
	Chunker chunker.Config

	// MaxTokens bounds spoken replies. Zero means DefaultMaxTokens.
	MaxTokens int

	// MaxTokensTyped bounds typed replies. Zero means DefaultMaxTokensTyped.
	MaxTokensTyped int

	// Temperature is the completion sampling temperature. Zero means
	// DefaultTemperature.
	Temperature float64

	// DrainHoldOff is the playback silence required before commit. Zero
	// means DefaultDrainHoldOff.
	DrainHoldOff time.Duration

	// DrainPoll is the drain check cadence. Zero means DefaultDrainPoll.
	DrainPoll time.Duration

	// StopRepeatGap separates the doubled stop gesture. Zero means
	// DefaultStopRepeatGap.
	StopRepeatGap time.Duration

	// IdleSettle delays the tracker resume after a turn. Zero means
	// DefaultIdleSettle.
	IdleSettle time.Duration

	// Metrics receives turn instrumentation. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Orchestrator runs the turn state machine. Safe for concurrent use in the
// sense that overlapping turn requests are rejected, not interleaved.
type Orchestrator struct {
	cfg     Config
	metrics *observe.Metrics

	// turnMu serializes turns. TryLock keeps a stale trigger from queueing
	// behind a running turn.
	turnMu sync.Mutex

	mu     sync.Mutex
	state  State
	resume *time.Timer
	closed bool
}

// New validates cfg and returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("pipeline: recorder must not be nil")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("pipeline: transcriber must not be nil")
	}
	if cfg.Completer == nil {
		return nil, errors.New("pipeline: completer must not be nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: synthesis engine must not be nil")
	}
	if cfg.Head == nil {
		return nil, errors.New("pipeline: head controller must not be nil")
	}
	if cfg.History == nil {
		cfg.History = convo.New(convo.Config{})
	}
	if cfg.Display == nil {
		cfg.Display = display.Log{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTokensTyped <= 0 {
		cfg.MaxTokensTyped = DefaultMaxTokensTyped
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.DrainHoldOff <= 0 {
		cfg.DrainHoldOff = DefaultDrainHoldOff
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = DefaultDrainPoll
	}
	if cfg.StopRepeatGap <= 0 {
		cfg.StopRepeatGap = DefaultStopRepeatGap
	}
	if cfg.IdleSettle <= 0 {
		cfg.IdleSettle = DefaultIdleSettle
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Orchestrator{cfg: cfg, metrics: m, state: StateIdle}, nil
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Close cancels the pending tracker resume, if any. The collaborators'
// lifecycles belong to the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.resume != nil {
		o.resume.Stop()
		o.resume = nil
	}
	return nil
}

// RunTurn runs one spoken turn: listen, transcribe, complete, speak,
// commit. It blocks until the turn is back in IDLE and returns ErrBusy when
// another turn is already running. A capture with no speech in it ends the
// turn early, before transcription and completion, and reports ErrNoSpeech
// so the caller can leave the pipeline idle for a while.
func (o *Orchestrator) RunTurn(ctx context.Context) error {
	if !o.turnMu.TryLock() {
		return ErrBusy
	}
	defer o.turnMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(observe.Attr("kind", turnSpoken)))
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	outcome := outcomeError
	defer func() { o.recordTurn(ctx, turnSpoken, start, outcome) }()

	o.beginTurn(ctx)
	o.gesture(ctx, listenGesture())
	o.setState(ctx, StateListening)

	utt, err := o.cfg.Recorder.Record(ctx)
	if err != nil {
		return o.failTurn(ctx, "capture", err)
	}
	if !utt.Voiced || len(utt.PCM) == 0 {
		log.Info("pipeline: no speech in capture", "captured", utt.Duration)
		o.cfg.Display.Show(ctx, display.StatusEvent(noSpeechNotice))
		o.endTurn(ctx, 1)
		outcome = outcomeNoSpeech
		return ErrNoSpeech
	}

	o.gesture(ctx, head.GestureThink)
	o.setState(ctx, StateThinking)

	sttStart := time.Now()
	res, err := o.cfg.Transcriber.Transcribe(ctx, stt.Request{
		PCM:    utt.PCM,
		Format: utt.Format,
	})
	o.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		return o.failTurn(ctx, "transcribe", err)
	}

	userText := strings.TrimSpace(res.Text)
	if o.cfg.Corrector != nil {
		corrected, n := o.cfg.Corrector.Correct(userText)
		if n > 0 {
			log.Debug("pipeline: transcript corrected", "replacements", n)
		}
		userText = corrected
	}
	if userText == "" {
		log.Info("pipeline: transcript empty", "audio", res.AudioDuration)
		o.cfg.Display.Show(ctx, display.StatusEvent(noSpeechNotice))
		o.endTurn(ctx, 1)
		outcome = outcomeNoSpeech
		return ErrNoSpeech
	}

	log.Info("pipeline: utterance transcribed",
		"text", userText,
		"audio", res.AudioDuration,
		"stt", res.InferDuration,
	)
	o.cfg.Display.Show(ctx, display.UserEvent(userText, true))

	if err := o.converse(ctx, userText, turnSpoken, utt.Duration); err != nil {
		return err
	}
	outcome = outcomeCompleted
	return nil
}

// RunTypedTurn runs one turn from typed text: no recorder, no
// transcription, otherwise the same think/talk/commit sequence as a spoken
// turn. The reply is still synthesized and the commit still waits for
// playback to drain.
func (o *Orchestrator) RunTypedTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("pipeline: empty message")
	}
	if !o.turnMu.TryLock() {
		return ErrBusy
	}
	defer o.turnMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(observe.Attr("kind", turnTyped)))
	defer span.End()

	start := time.Now()
	outcome := outcomeError
	defer func() { o.recordTurn(ctx, turnTyped, start, outcome) }()

	o.beginTurn(ctx)
	o.cfg.Display.Show(ctx, display.UserEvent(text, false))
	o.gesture(ctx, head.GestureThink)
	o.setState(ctx, StateThinking)

	if err := o.converse(ctx, text, turnTyped, 0); err != nil {
		return err
	}
	outcome = outcomeCompleted
	return nil
}

// converse runs the completion race, feeds the synthesizer as fragments
// arrive, and commits the finished exchange once playback has drained. The
// caller has already put the head in THINKING.
func (o *Orchestrator) converse(ctx context.Context, userText, kind string, audioDur time.Duration) error {
	log := observe.Logger(ctx)

	maxTokens := o.cfg.MaxTokens
	if kind == turnTyped {
		maxTokens = o.cfg.MaxTokensTyped
	}
	raceCtx, cancelRace := context.WithCancel(ctx)
	fragments, err := o.cfg.Completer.Stream(raceCtx, llm.CompletionRequest{
		Messages:    o.cfg.History.BuildMessages(userText),
		Temperature: o.cfg.Temperature,
		MaxTokens:   maxTokens,
		Stop:        o.cfg.History.StopSequences(),
	})
	if err != nil {
		cancelRace()
		return o.failTurn(ctx, "complete", err)
	}
	// An early exit below must not strand the race: cancel it and drain the
	// remaining fragments so its workers can finish their sentinels.
	defer func() {
		cancelRace()
		audio.Drain(fragments)
	}()

	restartsBefore := engineRestarts(o.cfg.Engine)
	flusher := chunker.New(o.cfg.Chunker)
	var reply strings.Builder
	talking := false

	speak := func(c chunker.TextChunk) error {
		// TALKING is entered once, on the first chunk that reaches
		// synthesis.
		if !talking && o.State() == StateThinking {
			o.gesture(ctx, head.GestureTalk)
			o.setState(ctx, StateTalking)
			talking = true
		}
		return o.cfg.Engine.SpeakChunk(c.Text, c.SentenceFinal)
	}

	for frag := range fragments {
		reply.WriteString(frag)
		if c, ok := flusher.Push(frag); ok {
			if err := speak(c); err != nil {
				return o.failTurn(ctx, "synthesize", err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		// The race closes its channel early on cancellation; do not commit
		// a truncated reply.
		return o.failTurn(ctx, "complete", err)
	}
	if c, ok := flusher.Finish(); ok {
		if err := speak(c); err != nil {
			return o.failTurn(ctx, "synthesize", err)
		}
	}

	// The fragment stream is done. Hold the commit until the audio device
	// has actually gone quiet, not merely until the text queue emptied.
	waited, err := o.waitDrained(ctx)
	o.metrics.DrainWait.Record(ctx, waited.Seconds())
	if err != nil {
		return o.failTurn(ctx, "drain", err)
	}
	o.metrics.RecordSynthRestarts(ctx, engineRestarts(o.cfg.Engine)-restartsBefore)

	replyText := strings.TrimSpace(reply.String())
	if replyText == "" {
		log.Warn("pipeline: turn produced no reply text")
	} else {
		ex := types.Exchange{
			TurnID:        observe.TurnID(ctx),
			UserText:      userText,
			ReplyText:     replyText,
			Spoken:        kind == turnSpoken,
			AudioDuration: audioDur,
			Timestamp:     time.Now().UTC(),
		}
		o.cfg.Display.Show(ctx, display.ReplyEvent(replyText))
		o.cfg.History.Append(ex)
		if o.cfg.Archive != nil {
			if err := o.cfg.Archive.Record(ctx, ex); err != nil {
				log.Warn("pipeline: archive write failed", "error", err)
			}
		}
		log.Info("pipeline: reply committed",
			"kind", kind,
			"chars", len(replyText),
			"drainWait", waited,
		)
	}

	o.endTurn(ctx, 2)
	return nil
}

// waitDrained polls the engine until playback has been silent for the
// hold-off, then reports how long the wait took. Only ctx cancellation cuts
// the wait short: a synthesizer that never reports silence withholds the
// commit indefinitely.
func (o *Orchestrator) waitDrained(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ticker := time.NewTicker(o.cfg.DrainPoll)
	defer ticker.Stop()
	for !o.cfg.Engine.DrainedSince(o.cfg.DrainHoldOff) {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-ticker.C:
		}
	}
	return time.Since(start), nil
}

// beginTurn claims the head for the turn: any pending tracker resume is
// cancelled and the tracker is paused, which releases the camera before
// the first gesture hits the wire.
func (o *Orchestrator) beginTurn(ctx context.Context) {
	o.mu.Lock()
	if o.resume != nil {
		o.resume.Stop()
		o.resume = nil
	}
	o.mu.Unlock()
	if o.cfg.Tracker != nil {
		o.cfg.Tracker.Pause(ctx)
	}
}

// endTurn returns the head to neutral and schedules the tracker resume.
// Completed turns send two stop gestures as redundancy against a dropped
// command; skip and error paths send one.
func (o *Orchestrator) endTurn(ctx context.Context, stops int) {
	for i := range stops {
		if i > 0 {
			sleepCtx(ctx, o.cfg.StopRepeatGap)
		}
		o.gesture(ctx, head.GestureStop)
	}
	o.setState(ctx, StateIdle)
	o.scheduleResume()
}

// failTurn ends the turn on err: the failure is surfaced on the display,
// the head gets a stop so it is not left mid-gesture, the state machine
// returns to IDLE, and the tracker resume is scheduled as usual.
func (o *Orchestrator) failTurn(ctx context.Context, stage string, err error) error {
	err = classify(stage, err)
	observe.Logger(ctx).Error("pipeline: turn failed", "stage", stage, "error", err)
	o.cfg.Display.Show(ctx, display.StatusEvent(fmt.Sprintf("[Error: %v]", err)))
	o.endTurn(ctx, 1)
	return err
}

// scheduleResume arms the idle-settle timer that hands the head back to the
// face tracker.
func (o *Orchestrator) scheduleResume() {
	if o.cfg.Tracker == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.resume != nil {
		o.resume.Stop()
	}
	o.resume = time.AfterFunc(o.cfg.IdleSettle, o.cfg.Tracker.Resume)
}

// setState records a state transition in the log and the occupancy gauge.
func (o *Orchestrator) setState(ctx context.Context, to State) {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()
	o.metrics.RecordStateTransition(ctx, string(from), string(to))
	observe.Logger(ctx).Debug("pipeline: state", "from", from, "to", to)
}

// gesture sends one head command. Sends are best effort: the turn keeps
// going with the head unplugged.
func (o *Orchestrator) gesture(ctx context.Context, g head.Gesture) {
	if err := o.cfg.Head.Gesture(ctx, g); err != nil {
		observe.Logger(ctx).Warn("pipeline: gesture send failed",
			"gesture", g,
			"error", err,
		)
	}
}

// recordTurn records the whole-turn duration histogram sample.
func (o *Orchestrator) recordTurn(ctx context.Context, kind string, start time.Time, outcome string) {
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			observe.Attr("kind", kind),
			observe.Attr("outcome", outcome),
		),
	)
}

// listenGesture picks the ear the robot offers at random, purely for
// liveliness.
func listenGesture() head.Gesture {
	if rand.IntN(2) == 0 {
		return head.GestureListenLeft
	}
	return head.GestureListenRight
}

// engineRestarts reads the engine's restart counter when it exposes one.
func engineRestarts(e tts.Engine) int64 {
	if rc, ok := e.(tts.RestartCounter); ok {
		return rc.Restarts()
	}
	return 0
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
