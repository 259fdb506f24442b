// Package app wires all Astra subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the pipeline until the context is cancelled, and
// Shutdown tears everything down in order.
//
// Devices and providers arrive through [Providers], populated by main.go via
// the config registry. Tests inject mocks there and through the functional
// options (WithMetrics, WithClock, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/astra/internal/command"
	"github.com/MrWong99/astra/internal/config"
	"github.com/MrWong99/astra/internal/dispatch"
	"github.com/MrWong99/astra/internal/event"
	"github.com/MrWong99/astra/internal/health"
	"github.com/MrWong99/astra/internal/listen"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/internal/playback"
	"github.com/MrWong99/astra/internal/recognize"
	"github.com/MrWong99/astra/internal/wake"
	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/journal"
	"github.com/MrWong99/astra/pkg/provider/llm"
	"github.com/MrWong99/astra/pkg/provider/stt"
	"github.com/MrWong99/astra/pkg/provider/tts"
	"github.com/MrWong99/astra/pkg/provider/vad"
	"github.com/MrWong99/astra/pkg/provider/vad/energy"
)

const (
	// recognitionTimeout bounds one recognizer call.
	recognitionTimeout = 20 * time.Second

	// dispatchTimeout bounds one command dispatch, LLM fallback included.
	dispatchTimeout = 30 * time.Second

	// fullScale converts a 0..1 energy threshold to int16 RMS units.
	fullScale = 32768
)

// Providers holds the devices and provider values the pipeline runs on.
// Source, Sink, STT and TTS are required. LLM and Journal are optional.
type Providers struct {
	Source audio.Source
	Sink   audio.Sink

	STT stt.Recognizer
	TTS tts.Synthesizer
	LLM llm.Provider

	// Journal persists operator events. Nil disables the journal.
	Journal journal.Store

	// Checkers are added to /readyz (provider fallback groups, journal ping).
	Checkers []health.Checker
}

// App owns all subsystem lifetimes and orchestrates the Astra voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel  *slog.LevelVar
	metrics   *observe.Metrics
	now       func() time.Time
	vad       vad.Detector
	sessionID string

	// Subsystems, initialised in New.
	buffer   *audio.FrameBuffer
	listener *listen.Listener
	adapter  *recognize.Adapter
	gate     *wake.Gate
	queue    *playback.Queue
	router   *command.Router
	coord    *dispatch.Coordinator
	journal  *event.JournalSink
	events   event.Sink
	handler  http.Handler

	// playbackFaults carries speaker faults from the queue worker to
	// forwardFaults.
	playbackFaults chan error

	cfgMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogLevel sets the level variable adjusted on hot reload.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the clock used for time and date replies.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithDetector replaces the energy detector built from listen.energy_threshold.
func WithDetector(d vad.Detector) Option {
	return func(a *App) { a.vad = d }
}

// WithSessionID sets the journal session id. Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithEventSink adds s to the operator event fan-out.
func WithEventSink(s event.Sink) Option {
	return func(a *App) { a.events = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run] is called.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := checkProviders(providers); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	a.closers = append(a.closers, providers.Source.Stop)

	// ── 1. Operator events ───────────────────────────────────────────────
	a.initEvents()

	// ── 2. Capture: buffer, classifier, segmenter, listener ──────────────
	if err := a.initListener(); err != nil {
		return nil, fmt.Errorf("app: init listener: %w", err)
	}

	// ── 3. Recognition ───────────────────────────────────────────────────
	a.adapter = recognize.NewAdapter(providers.STT,
		recognize.WithTimeout(recognitionTimeout),
		recognize.WithMetrics(a.metrics),
	)

	// ── 4. Wake gate ─────────────────────────────────────────────────────
	gate, err := wake.NewGate(wakeConfig(cfg.Wake))
	if err != nil {
		return nil, fmt.Errorf("app: init wake gate: %w", err)
	}
	a.gate = gate

	// ── 5. Playback ──────────────────────────────────────────────────────
	a.playbackFaults = make(chan error, 1)
	a.queue = playback.New(providers.TTS, providers.Sink,
		playback.WithVoice(voiceParams(cfg.Voice)),
		playback.WithEventSink(a.events),
		playback.WithMetrics(a.metrics),
		playback.WithFaultHandler(a.onPlaybackFault),
	)
	a.closers = append(a.closers, a.queue.Close)

	// ── 6. Command router ────────────────────────────────────────────────
	routerCfg, err := commandConfig(cfg.Assistant)
	if err != nil {
		return nil, fmt.Errorf("app: init command router: %w", err)
	}
	routerOpts := []command.Option{command.WithMetrics(a.metrics)}
	if providers.LLM != nil {
		routerOpts = append(routerOpts, command.WithLLM(providers.LLM))
	}
	if a.now != nil {
		routerOpts = append(routerOpts, command.WithClock(a.now))
	}
	a.router = command.NewRouter(routerCfg, routerOpts...)

	// ── 7. Coordinator ───────────────────────────────────────────────────
	a.coord, err = dispatch.NewCoordinator(a.gate, a.router, a.queue,
		dispatchConfig(cfg),
		dispatch.WithEventSink(a.events),
		dispatch.WithListener(a.listener),
		dispatch.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}

	// ── 8. Operator HTTP surface ─────────────────────────────────────────
	a.initHTTP()

	a.closers = append(a.closers, providers.Sink.Close)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func checkProviders(p *Providers) error {
	if p == nil {
		return errors.New("providers are required")
	}
	var errs []error
	if p.Source == nil {
		errs = append(errs, errors.New("audio source is required"))
	}
	if p.Sink == nil {
		errs = append(errs, errors.New("audio sink is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	return errors.Join(errs...)
}

// initEvents builds the event fan-out: structured logs, metrics counters and
// the optional journal.
func (a *App) initEvents() {
	sinks := []event.Sink{
		event.LogSink{},
		event.MetricsSink{Metrics: a.metrics},
	}
	if a.providers.Journal != nil {
		a.journal = event.NewJournalSink(a.providers.Journal, a.sessionID)
		sinks = append(sinks, a.journal)
	}
	a.events = event.Multi(append(sinks, a.events)...)
}

func (a *App) initListener() error {
	lc := a.cfg.Listen
	det := a.vad
	if det == nil {
		det = energy.New(energy.WithThreshold(lc.EnergyThreshold * fullScale))
	}
	cls, err := listen.NewClassifier(det, lc.ActivityWindow, lc.ActivityThreshold)
	if err != nil {
		return err
	}
	seg, err := listen.NewSegmenter(listen.SegmenterConfig{
		SilenceTimeout: lc.SilenceTimeout,
		MinUtterance:   lc.MinUtterance,
		MaxUtterance:   lc.MaxUtterance,
	})
	if err != nil {
		return err
	}

	a.buffer = audio.NewFrameBuffer(a.cfg.Audio.BufferFrames)
	a.listener = listen.NewListener(a.buffer, cls, seg,
		listen.WithOverrunHandler(func(dropped uint64) {
			a.events.Emit(event.Event{Kind: event.Overrun, Time: time.Now(), Count: dropped})
		}),
		listen.WithSpeechHandler(func(start bool) {
			slog.Debug("speech activity", "open", start)
		}),
	)
	return nil
}

func (a *App) initHTTP() {
	checkers := append([]health.Checker(nil), a.providers.Checkers...)
	h := health.New(checkers, health.WithInfo(a.statusInfo))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	h.Register(mux)
	a.handler = observe.Middleware(a.metrics)(mux)
}

// statusInfo reports the session state on /healthz.
func (a *App) statusInfo() map[string]string {
	snap := a.coord.Snapshot()
	info := map[string]string{
		"state":         snap.State.String(),
		"since":         snap.Since.UTC().Format(time.RFC3339),
		"session_id":    a.sessionID,
		"queue_pending": strconv.Itoa(a.queue.Len()),
	}
	if snap.Acknowledging {
		info["acknowledging"] = "true"
	}
	if req, ok := a.queue.Playing(); ok {
		info["playing"] = req.ID.String()
	}
	if a.journal != nil {
		info["journal_dropped"] = strconv.FormatUint(a.journal.Dropped(), 10)
	}
	return info
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture and every pipeline stage and blocks until ctx is
// cancelled or a stage fails. Run returns nil on cancellation.
//
// Shutdown follows the pipeline: capture stops first, then the recognition
// stages are cancelled and awaited, then playback is drained and the
// coordinator and journal stop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(observe.WithSession(ctx, a.sessionID))
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	recCtx, stopRecognition := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRecognition()
	outCtx, stopOutput := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOutput()

	var capture captureState
	var recognition sync.WaitGroup
	goRecognition := func(fn func() error) {
		recognition.Add(1)
		g.Go(func() error {
			defer recognition.Done()
			return fn()
		})
	}

	// Stages start downstream first so the source never feeds a dead pipe.
	if a.journal != nil {
		g.Go(func() error { return a.journal.Run(outCtx) })
	}
	g.Go(func() error { return a.coord.Run(outCtx, a.adapter.Outcomes()) })
	g.Go(func() error { return a.forwardFaults(outCtx) })

	utterances := make(chan *listen.Utterance)
	goRecognition(func() error { return a.adapter.Run(recCtx, utterances) })
	goRecognition(func() error {
		defer close(utterances)
		return a.tapUtterances(recCtx, a.listener.Utterances(), utterances)
	})
	goRecognition(func() error { return a.listener.Run(recCtx) })

	g.Go(func() error {
		<-ctx.Done()
		a.stopCapture(&capture)
		stopRecognition()
		recognition.Wait()
		a.queue.Drain()
		stopOutput()
		return nil
	})

	if a.cfg.Server.ListenAddr != "" {
		if err := a.serveHTTP(ctx, g); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	if err := a.startCapture(ctx, &capture); err != nil {
		slog.Error("audio capture failed to start", "err", err)
		a.events.Emit(event.Event{Kind: event.DeviceFault, Time: time.Now(), Err: err})
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: start capture: %w", err)
	}

	slog.Info("app running",
		"session_id", a.sessionID,
		"wake_phrases", a.cfg.Wake.Phrases,
		"llm", a.providers.LLM != nil,
		"journal", a.journal != nil,
	)
	err := g.Wait()
	// Teardown may have run before Start returned.
	a.stopCapture(&capture)
	return err
}

// captureState tracks the source across Run's startup and teardown paths.
type captureState struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (a *App) startCapture(ctx context.Context, c *captureState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if err := a.providers.Source.Start(ctx, func(f audio.Frame) { a.buffer.Push(f) }); err != nil {
		return err
	}
	c.started = true
	return nil
}

// stopCapture stops the source once, if it was started.
func (a *App) stopCapture(c *captureState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if !c.started {
		return
	}
	c.started = false
	if err := a.providers.Source.Stop(); err != nil {
		slog.Warn("audio capture stop error", "err", err)
	}
}

// tapUtterances records utterance metrics on the way to recognition.
func (a *App) tapUtterances(ctx context.Context, in <-chan *listen.Utterance, out chan<- *listen.Utterance) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-in:
			if !ok {
				return nil
			}
			a.metrics.RecordUtterance(ctx, u.Duration().Seconds(), u.Forced)
			select {
			case out <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// forwardFaults hands asynchronous capture and playback faults to the
// coordinator.
func (a *App) forwardFaults(ctx context.Context) error {
	faults := a.providers.Source.Faults()
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case err = <-faults:
		case err = <-a.playbackFaults:
		}
		if !a.coord.Fault(ctx, err) {
			return nil
		}
	}
}

// onPlaybackFault is the queue's fault handler. A fault still waiting for the
// coordinator already covers this one.
func (a *App) onPlaybackFault(err error) {
	select {
	case a.playbackFaults <- err:
	default:
	}
}

func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("operator endpoint listening", "addr", ln.Addr().String())

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// Handler returns the operator HTTP handler (/metrics, /healthz, /readyz).
func (a *App) Handler() http.Handler { return a.handler }

// State returns the current session state.
func (a *App) State() dispatch.State { return a.coord.State() }

// SessionID returns the id journal entries are written under.
func (a *App) SessionID() string { return a.sessionID }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Its signature matches
// the [config.Watcher] callback. Sections that need a restart are logged and
// otherwise ignored.
func (a *App) ApplyConfig(old, next *config.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(old, next)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.WakeChanged {
		if err := a.gate.Update(wakeConfig(next.Wake)); err != nil {
			slog.Error("wake settings rejected", "err", err)
		} else {
			slog.Info("wake settings reloaded", "phrases", next.Wake.Phrases)
		}
	}
	if d.VoiceChanged {
		a.queue.SetVoice(voiceParams(next.Voice))
		slog.Info("voice reloaded", "voice_id", next.Voice.VoiceID)
	}
	if d.AssistantChanged {
		rc, err := commandConfig(next.Assistant)
		if err != nil {
			slog.Error("assistant settings rejected", "err", err)
		} else {
			a.router.UpdateConfig(rc)
		}
	}
	if d.WakeChanged || d.AssistantChanged {
		a.coord.UpdateConfig(dispatchConfig(next))
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func wakeConfig(w config.WakeConfig) wake.Config {
	return wake.Config{
		Phrases:             w.Phrases,
		Prefixes:            w.Prefixes,
		ConfidenceThreshold: w.ConfidenceThreshold,
		FuzzyThreshold:      w.FuzzyThreshold,
	}
}

func voiceParams(v config.VoiceConfig) tts.VoiceParams {
	return tts.VoiceParams{VoiceID: v.VoiceID, Speed: v.Speed, Pitch: v.Pitch}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		ArmTimeout:      cfg.Wake.ArmTimeout,
		Acknowledgement: cfg.Wake.Acknowledgement,
		Apology:         cfg.Assistant.Apology,
		DispatchTimeout: dispatchTimeout,
	}
}

func commandConfig(ac config.AssistantConfig) (command.Config, error) {
	loc, err := time.LoadLocation(ac.Timezone)
	if err != nil {
		return command.Config{}, fmt.Errorf("timezone %q: %w", ac.Timezone, err)
	}
	return command.Config{
		Name:         ac.Name,
		SystemPrompt: ac.SystemPrompt,
		OfflineFirst: ac.OfflineFirst,
		OfflineReply: ac.OfflineReply,
		Apology:      ac.Apology,
		Location:     loc,
		Use24Hour:    ac.Use24Hour,
	}, nil
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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
