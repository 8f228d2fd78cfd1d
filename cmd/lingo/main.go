// Command lingo runs the Lingo voice tutor: a microphone-to-mouth turn
// pipeline with an animatronic head, built for a single-board computer
// sitting on a desk.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/lingobotics/lingo/internal/archive"
	"github.com/lingobotics/lingo/internal/config"
	"github.com/lingobotics/lingo/internal/convo"
	"github.com/lingobotics/lingo/internal/display"
	"github.com/lingobotics/lingo/internal/engine/chunker"
	"github.com/lingobotics/lingo/internal/engine/hedge"
	"github.com/lingobotics/lingo/internal/head"
	"github.com/lingobotics/lingo/internal/monitor"
	"github.com/lingobotics/lingo/internal/observe"
	"github.com/lingobotics/lingo/internal/pipeline"
	"github.com/lingobotics/lingo/internal/recorder"
	"github.com/lingobotics/lingo/internal/resilience"
	"github.com/lingobotics/lingo/internal/tracker"
	"github.com/lingobotics/lingo/internal/transcript"
	"github.com/lingobotics/lingo/pkg/audio"
	"github.com/lingobotics/lingo/pkg/audio/alsa"
	"github.com/lingobotics/lingo/pkg/provider/llm"
	"github.com/lingobotics/lingo/pkg/provider/llm/anyllm"
	oaillm "github.com/lingobotics/lingo/pkg/provider/llm/openai"
	"github.com/lingobotics/lingo/pkg/provider/stt"
	"github.com/lingobotics/lingo/pkg/provider/stt/whisper"
	"github.com/lingobotics/lingo/pkg/provider/tts/piper"
	"github.com/lingobotics/lingo/pkg/provider/vad/energy"
)

// assistantName is the persona name the transcript corrector repairs; STT
// regularly hears it as "bingo" or "lingual".
const assistantName = "Lingo"

// turnRetryBackoff spaces out voice turns after a failed one, so a missing
// microphone produces a log line every few seconds instead of a busy loop.
const turnRetryBackoff = 2 * time.Second

// idleTrackWindow is how long the face tracker keeps the head after a
// no-speech turn, on top of the idle-settle delay, before the next capture
// opens. Re-arming sooner would cancel the scheduled resume and leave the
// tracker paused through every quiet stretch.
const idleTrackWindow = 3 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lingo: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lingo: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it without
	// swapping the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("lingo starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lingo"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Completion candidates ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinCandidates(reg)

	candidates, err := buildCandidates(cfg, reg)
	if err != nil {
		slog.Error("failed to build completion candidates", "err", err)
		return 1
	}
	completer, err := hedge.New(hedge.Config{
		Candidates:        candidates,
		FirstTokenTimeout: cfg.LLM.FirstTokenTimeout(),
		DedupWindow:       cfg.LLM.DedupWindow,
	})
	if err != nil {
		slog.Error("failed to build hedged completion client", "err", err)
		return 1
	}

	// ── Transcription ─────────────────────────────────────────────────────────
	transcriber, closeSTT, err := buildTranscriber(cfg)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}
	defer closeSTT()

	// ── Head ──────────────────────────────────────────────────────────────────
	driver := head.NewDriver(head.Config{
		Port:       cfg.Head.Port,
		Baud:       cfg.Head.Baud,
		BootSettle: cfg.Head.BootSettle(),
	})
	if err := driver.Connect(ctx); err != nil {
		// The pipeline runs fine with the head unplugged; every send retries
		// the link behind its own backoff.
		slog.Warn("head not connected", "err", err)
	}
	// Park twice on startup: the first command after a firmware reset is
	// occasionally eaten by the boot banner.
	driver.Gesture(ctx, head.GesturePark)
	driver.Gesture(ctx, head.GesturePark)
	defer func() {
		parkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := driver.Gesture(parkCtx, head.GesturePark); err != nil {
			slog.Warn("park on shutdown failed", "err", err)
		}
		driver.Close()
	}()

	// ── Synthesis ─────────────────────────────────────────────────────────────
	engine, err := buildSynthesizer(cfg)
	if err != nil {
		slog.Error("failed to build synthesizer", "err", err)
		return 1
	}
	sink, err := alsa.NewSink(alsa.SinkConfig{
		Device: cfg.Audio.PlaybackDevice,
		Format: engine.Format(),
	})
	if err != nil {
		slog.Error("failed to build playback sink", "err", err)
		return 1
	}
	if err := sink.Start(ctx); err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}
	defer sink.Close()
	if err := engine.Start(ctx, sink); err != nil {
		slog.Error("failed to start synthesizer", "err", err)
		return 1
	}
	defer engine.Close()

	// ── Capture ───────────────────────────────────────────────────────────────
	captureFormat := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}
	rec, err := recorder.New(func() (audio.Source, error) {
		return alsa.NewSource(alsa.SourceConfig{
			Device:        cfg.Audio.CaptureDevice,
			Format:        captureFormat,
			FrameDuration: cfg.Audio.Frame(),
			BufferFrames:  cfg.Audio.BufferFrames,
		})
	}, energy.New(), recorder.Config{
		Format:            captureFormat,
		FrameDuration:     cfg.Audio.Frame(),
		Aggressiveness:    cfg.Recorder.Aggressiveness,
		TrailingSilence:   cfg.Recorder.Silence(),
		MaxDuration:       cfg.Recorder.MaxRecord(),
		EnergyMargin:      cfg.Recorder.EnergyMargin,
		EnergyMin:         cfg.Recorder.EnergyMin,
		EnergyMax:         cfg.Recorder.EnergyMax,
		CalibrationWindow: cfg.Recorder.Calibration(),
	})
	if err != nil {
		slog.Error("failed to build recorder", "err", err)
		return 1
	}

	// ── Conversation state and surfaces ───────────────────────────────────────
	history := convo.New(convo.Config{
		Persona:       cfg.History.Persona,
		MaxExchanges:  cfg.History.MaxExchanges,
		PromptWindow:  cfg.History.PromptWindow,
		StopSequences: cfg.LLM.Stop,
	})

	var surface display.Surface = display.Log{}
	var hub *display.Hub
	if cfg.Server.ListenAddr != "" {
		hub = display.NewHub(display.HubConfig{})
		surface = display.Multi{display.Log{}, hub}
	}

	var arch *archive.Archive
	if cfg.Archive.DSN != "" {
		arch, err = archive.Open(ctx, archive.Config{DSN: cfg.Archive.DSN})
		if err != nil {
			slog.Error("failed to open turn archive", "err", err)
			return 1
		}
		defer arch.Close()
		slog.Info("turn archive enabled", "session", arch.Session())
	}

	// ── Orchestrator and tracker ──────────────────────────────────────────────
	// The tracker gates itself on the orchestrator's state, and the
	// orchestrator pauses the tracker; the state probe is a closure so the
	// two can be built in either order.
	var orch *pipeline.Orchestrator

	var trk *tracker.Tracker
	if len(cfg.Tracker.Command) > 0 {
		trk, err = tracker.New(tracker.CommandFactory(cfg.Tracker.Command), driver, tracker.Config{
			Interval:     cfg.Tracker.Interval(),
			Deadband:     cfg.Tracker.DeadbandDeg,
			Dwell:        cfg.Tracker.Dwell(),
			IdleGrace:    cfg.Tracker.IdleGrace(),
			RetryBackoff: cfg.Tracker.RetryBackoff(),
			Active:       func() bool { return orch.State() == pipeline.StateIdle },
		})
		if err != nil {
			slog.Error("failed to build face tracker", "err", err)
			return 1
		}
	}

	pipeCfg := pipeline.Config{
		Recorder:       rec,
		Transcriber:    transcriber,
		Completer:      completer,
		Engine:         engine,
		Head:           driver,
		History:        history,
		Corrector:      transcript.NewCorrector([]string{assistantName}),
		Display:        surface,
		Chunker:        chunker.Config{MaxWords: cfg.Chunker.MaxWords, FlushInterval: cfg.Chunker.FlushInterval()},
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxTokensTyped: cfg.LLM.MaxTokensTyped,
		Temperature:    cfg.LLM.Temperature,
		DrainHoldOff:   cfg.Orchestrator.DrainHoldoff(),
		DrainPoll:      cfg.Orchestrator.DrainPoll(),
		StopRepeatGap:  cfg.Orchestrator.StopRepeatGap(),
		IdleSettle:     cfg.Orchestrator.IdleSettle(),
	}
	if trk != nil {
		pipeCfg.Tracker = trk
	}
	if arch != nil {
		pipeCfg.Archive = arch
	}
	orch, err = pipeline.New(pipeCfg)
	if err != nil {
		slog.Error("failed to build turn pipeline", "err", err)
		return 1
	}
	defer orch.Close()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PersonaChanged {
			history.SetPersona(d.NewPersona)
			slog.Info("persona changed")
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to watch config file", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Monitor server ────────────────────────────────────────────────────────
	var mon *monitor.Server
	if cfg.Server.ListenAddr != "" {
		mon, err = monitor.New(monitor.Config{
			Addr:         cfg.Server.ListenAddr,
			Checkers:     buildCheckers(driver, transcriber, arch),
			Conversation: hub,
		})
		if err != nil {
			slog.Error("failed to start monitor server", "err", err)
			return 1
		}
	}

	printStartupSummary(cfg)
	slog.Info("lingo ready — press Ctrl+C to shut down")

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if mon != nil {
		g.Go(func() error { return mon.Run(gctx) })
	}
	if trk != nil {
		g.Go(func() error { return trk.Run(gctx) })
	}
	idleWait := pipeCfg.IdleSettle
	if idleWait <= 0 {
		idleWait = pipeline.DefaultIdleSettle
	}
	idleWait += idleTrackWindow
	g.Go(func() error { return voiceLoop(gctx, orch, idleWait) })
	g.Go(func() error { return typedLoop(gctx, orch, os.Stdin) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Turn loops ──────────────────────────────────────────────────────────────

// turnRunner is the slice of the orchestrator the entry loops drive.
type turnRunner interface {
	RunTurn(ctx context.Context) error
	RunTypedTurn(ctx context.Context, text string) error
}

// voiceLoop runs spoken turns back to back while someone is talking. A
// capture with no speech in it ends with ErrNoSpeech; the loop then idles
// for idleWait so the tracker's scheduled resume fires and the head follows
// faces for a while, instead of immediately re-pausing the tracker with the
// next listen. Failed turns are logged and retried after a backoff; the turn
// itself already returned the hardware to a safe state.
func voiceLoop(ctx context.Context, orch turnRunner, idleWait time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := orch.RunTurn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, pipeline.ErrNoSpeech):
			sleepCtx(ctx, idleWait)
		case errors.Is(err, pipeline.ErrBusy):
			// A typed turn holds the pipeline; retry once it finishes.
			sleepCtx(ctx, 250*time.Millisecond)
		default:
			slog.Error("voice turn failed", "err", err)
			sleepCtx(ctx, turnRetryBackoff)
		}
	}
}

// scanLines reads input line by line into the returned channel, which closes
// on EOF or read error. A pending line is dropped once ctx ends, so a
// consumer that has shut down never strands the scanning goroutine on a
// send.
func scanLines(ctx context.Context, input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(input)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// typedLoop feeds lines typed on stdin through the same pipeline, skipping
// capture and transcription. Stdin EOF ends the loop without ending the
// program; the voice path keeps running.
func typedLoop(ctx context.Context, orch turnRunner, input io.Reader) error {
	lines := scanLines(ctx, input)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			err := orch.RunTypedTurn(ctx, line)
			switch {
			case err == nil:
			case errors.Is(err, pipeline.ErrBusy):
				slog.Warn("typed message dropped: a turn is already running")
			case errors.Is(err, context.Canceled):
				return err
			default:
				slog.Error("typed turn failed", "err", err)
			}
		}
	}
}

// ── Candidate wiring ──────────────────────────────────────────────────────────

// registerBuiltinCandidates wires the completion provider factories into
// reg. OpenAI-compatible endpoints go through the native client, which
// supports stop sequences server-side; everything else rides any-llm.
func registerBuiltinCandidates(reg *config.Registry) {
	reg.RegisterLLM("openai", func(cand config.CandidateConfig) (llm.Provider, error) {
		var opts []oaillm.Option
		if cand.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(cand.BaseURL))
		}
		return oaillm.New(cand.APIKey, cand.Model, opts...)
	})

	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(cand config.CandidateConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cand.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cand.APIKey))
			}
			if cand.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cand.BaseURL))
			}
			return anyllm.New(cand.Name, cand.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not a key.
	reg.RegisterLLM("ollama", func(cand config.CandidateConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if cand.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cand.BaseURL))
		}
		return anyllm.New("ollama", cand.Model, opts...)
	})
}

// buildCandidates instantiates every configured candidate, in the order the
// hedge races them: the first two immediately, the third on watchdog.
func buildCandidates(cfg *config.Config, reg *config.Registry) ([]hedge.Candidate, error) {
	candidates := make([]hedge.Candidate, 0, len(cfg.LLM.Candidates))
	for _, cand := range cfg.LLM.Candidates {
		p, err := reg.CreateLLM(cand)
		if err != nil {
			return nil, fmt.Errorf("candidate %q: %w", cand.Name, err)
		}
		candidates = append(candidates, hedge.Candidate{
			Name:     cand.Name + "/" + cand.Model,
			Provider: p,
		})
		slog.Info("candidate ready", "provider", cand.Name, "model", cand.Model)
	}
	return candidates, nil
}

// buildTranscriber assembles the STT stack: native whisper primary, the
// whisper-server HTTP endpoint as failover. The returned close function
// releases the native model.
func buildTranscriber(cfg *config.Config) (*resilience.Transcriber, func(), error) {
	var (
		primary     stt.Provider
		primaryName string
		closeFn     = func() {}
	)
	if cfg.STT.ModelPath != "" {
		var opts []whisper.NativeOption
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.STT.Language))
		}
		native, err := whisper.NewNative(cfg.STT.ModelPath, opts...)
		if err != nil {
			return nil, nil, err
		}
		primary, primaryName = native, "whisper-native"
		closeFn = func() { native.Close() }
	}

	var fallback stt.Provider
	if cfg.STT.ServerURL != "" {
		var opts []whisper.ServerOption
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.STT.Language))
		}
		server, err := whisper.NewServer(cfg.STT.ServerURL, opts...)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if primary == nil {
			primary, primaryName = server, "whisper-server"
		} else {
			fallback = server
		}
	}
	if primary == nil {
		return nil, nil, errors.New("stt: neither model_path nor server_url configured")
	}

	t := resilience.NewTranscriber(primary, primaryName, resilience.FallbackConfig{})
	if fallback != nil {
		t.AddFallback("whisper-server", fallback)
	}
	return t, closeFn, nil
}

// buildSynthesizer builds the persistent piper engine from config.
func buildSynthesizer(cfg *config.Config) (*piper.Engine, error) {
	var opts []piper.Option
	if cfg.TTS.Command != "" {
		opts = append(opts, piper.WithBinary(cfg.TTS.Command))
	}
	if cfg.TTS.Config != "" {
		opts = append(opts, piper.WithConfigPath(cfg.TTS.Config))
	}
	if cfg.TTS.SentenceSilenceS > 0 {
		opts = append(opts, piper.WithSentenceSilence(cfg.TTS.SentenceSilenceS))
	}
	if cfg.TTS.SampleRate > 0 {
		opts = append(opts, piper.WithSampleRate(cfg.TTS.SampleRate))
	}
	return piper.New(cfg.TTS.Model, opts...)
}

// buildCheckers assembles the /readyz probes for the dependencies that can
// regress at runtime.
func buildCheckers(driver *head.Driver, transcriber *resilience.Transcriber, arch *archive.Archive) []monitor.Checker {
	checkers := []monitor.Checker{
		{
			Name: "head",
			Check: func(context.Context) error {
				if !driver.Connected() {
					return errors.New("serial link down")
				}
				return nil
			},
		},
		{
			Name: "stt",
			Check: func(context.Context) error {
				for _, state := range transcriber.States() {
					if state != resilience.StateOpen {
						return nil
					}
				}
				return errors.New("every transcriber breaker is open")
			},
		},
	}
	if arch != nil {
		checkers = append(checkers, monitor.Checker{Name: "archive", Check: arch.Ping})
	}
	return checkers
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Lingo — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, cand := range cfg.LLM.Candidates {
		role := "race"
		if i >= 2 {
			role = "backup"
		}
		printField(fmt.Sprintf("LLM %s", role), cand.Name+" / "+cand.Model)
	}
	if cfg.STT.ModelPath != "" {
		printField("STT native", cfg.STT.ModelPath)
	}
	if cfg.STT.ServerURL != "" {
		printField("STT server", cfg.STT.ServerURL)
	}
	printField("TTS voice", cfg.TTS.Model)
	if cfg.Head.Port != "" {
		printField("Head port", cfg.Head.Port)
	} else {
		printField("Head port", "(auto)")
	}
	if len(cfg.Tracker.Command) > 0 {
		printField("Face tracker", cfg.Tracker.Command[0])
	} else {
		printField("Face tracker", "(disabled)")
	}
	if cfg.Archive.DSN != "" {
		printField("Archive", "postgres")
	} else {
		printField("Archive", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
