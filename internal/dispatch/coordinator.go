// Package dispatch implements the session state machine that sits between
// recognition and playback.
//
// A [Coordinator] owns the session [State]. Every transition happens on the
// goroutine running [Coordinator.Run], which selects over recognition
// outcomes, the arm timer, dispatch completions, playback events and device
// faults. Other goroutines only read the state through [Coordinator.State].
//
//	Idle --wake phrase--> Armed --command--> Processing --reply queued--> Speaking --played--> Idle
//	Armed --timeout or empty utterance--> Idle
//	any --device fault--> Idle
//
// The wake acknowledgement counts as speaking: while it plays, results are
// dropped and the arm timer is not running. A reply pre-empted by an
// Immediate request keeps the session Speaking until that request ends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/astra/internal/event"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/internal/playback"
	"github.com/MrWong99/astra/internal/recognize"
	"github.com/MrWong99/astra/internal/wake"
)

const (
	// DefaultArmTimeout is how long the session stays armed without a command.
	DefaultArmTimeout = 8 * time.Second

	// DefaultAcknowledgement is spoken when the wake phrase is detected.
	DefaultAcknowledgement = "Yes?"

	// DefaultApology is spoken when dispatch fails without a reply.
	DefaultApology = "I'm sorry, I encountered an error processing your request."
)

// Response is the dispatcher's answer to one command.
type Response struct {
	Success bool
	Text    string
}

// Dispatcher executes a recognized command. Implementations must honour ctx
// cancellation; the coordinator cancels in-flight dispatches on device faults
// and shutdown.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) (Response, error)
}

// DispatcherFunc adapts a function to [Dispatcher].
type DispatcherFunc func(ctx context.Context, text string) (Response, error)

// Dispatch calls f(ctx, text).
func (f DispatcherFunc) Dispatch(ctx context.Context, text string) (Response, error) {
	return f(ctx, text)
}

// Player is the playback surface the coordinator drives. *playback.Queue
// implements it.
type Player interface {
	Enqueue(playback.Request) (playback.Request, error)
	Drain()
	Events() <-chan event.Event
}

var _ Player = (*playback.Queue)(nil)

// Resetter discards in-flight capture state. *listen.Listener implements it.
type Resetter interface {
	Reset()
}

// Config holds the hot-reloadable coordinator settings.
type Config struct {
	// ArmTimeout bounds the Armed state. Zero uses DefaultArmTimeout.
	ArmTimeout time.Duration

	// Acknowledgement is spoken on wake. Empty disables the acknowledgement.
	Acknowledgement string

	// Apology replaces an empty reply from a failed dispatch. Empty uses
	// DefaultApology.
	Apology string

	// DispatchTimeout bounds each dispatch call. Zero means no timeout.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ArmTimeout <= 0 {
		c.ArmTimeout = DefaultArmTimeout
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	return c
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithEventSink sets where lifecycle events are emitted.
func WithEventSink(s event.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithListener sets the capture stage reset on device faults.
func WithListener(r Resetter) Option {
	return func(c *Coordinator) { c.listener = r }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator runs the session state machine.
type Coordinator struct {
	gate     *wake.Gate
	disp     Dispatcher
	player   Player
	listener Resetter
	sink     event.Sink
	metrics  *observe.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	snap    atomic.Pointer[Snapshot]
	faults  chan error
	results chan dispatchResult
	stopped chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// dispatchResult carries a finished dispatch back to the loop. gen identifies
// the dispatch so results that were superseded are dropped.
type dispatchResult struct {
	gen     uint64
	resp    Response
	err     error
	elapsed time.Duration
}

// loop holds the state owned by the Run goroutine.
type loop struct {
	state      State
	since      time.Time
	armedAt    time.Time
	listenFrom time.Time
	gen        uint64
	cancel     context.CancelFunc
	commandEnd time.Time
	ackID      uuid.UUID
	responseID uuid.UUID
	armTimer   *time.Timer
	armTimerC  <-chan time.Time
}

// NewCoordinator creates a Coordinator. gate, disp and player are required.
func NewCoordinator(gate *wake.Gate, disp Dispatcher, player Player, cfg Config, opts ...Option) (*Coordinator, error) {
	var errs []error
	if gate == nil {
		errs = append(errs, errors.New("wake gate is required"))
	}
	if disp == nil {
		errs = append(errs, errors.New("dispatcher is required"))
	}
	if player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	c := &Coordinator{
		gate:    gate,
		disp:    disp,
		player:  player,
		cfg:     cfg.withDefaults(),
		faults:  make(chan error),
		results: make(chan dispatchResult, 1),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sink == nil {
		c.sink = event.Discard
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.snap.Store(&Snapshot{State: Idle, Since: time.Now()})
	return c, nil
}

// State returns the current session state.
func (c *Coordinator) State() State { return c.snap.Load().State }

// Snapshot returns the current state with its timestamps.
func (c *Coordinator) Snapshot() Snapshot { return *c.snap.Load() }

// UpdateConfig replaces the coordinator settings. A running arm timer keeps
// its original deadline.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg.withDefaults()
}

func (c *Coordinator) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Fault reports a device fault. It blocks until the loop has taken the fault
// and returns false if the coordinator has stopped or ctx is done.
func (c *Coordinator) Fault(ctx context.Context, err error) bool {
	select {
	case c.faults <- err:
		return true
	case <-c.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run drives the state machine until ctx is cancelled or outcomes is closed.
// It cancels any in-flight dispatch and waits for it before returning. Run
// must be called at most once.
func (c *Coordinator) Run(ctx context.Context, outcomes <-chan recognize.Outcome) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: coordinator already running")
	}

	l := &loop{state: Idle, since: c.Snapshot().Since}
	l.armTimer = time.NewTimer(time.Hour)
	l.armTimer.Stop()
	defer func() {
		l.armTimer.Stop()
		if l.cancel != nil {
			l.cancel()
		}
		close(c.stopped)
		c.wg.Wait()
	}()

	events := c.player.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case o, ok := <-outcomes:
			if !ok {
				return nil
			}
			c.onOutcome(ctx, l, o)

		case <-l.armTimerC:
			l.armTimerC = nil
			if l.state == Armed {
				slog.Info("dispatch: arm timed out", "armed_for", time.Since(l.armedAt).Round(time.Millisecond))
				c.transition(l, Idle)
			}

		case r := <-c.results:
			c.onResult(ctx, l, r)

		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onPlayback(l, e)

		case err := <-c.faults:
			c.onFault(l, err)
		}
	}
}

// ---- transitions ----

func (c *Coordinator) onOutcome(ctx context.Context, l *loop, o recognize.Outcome) {
	if o.Err != nil {
		observe.Logger(ctx).Warn("dispatch: recognition failed, result dropped",
			"state", l.state.String(),
			"err", o.Err,
		)
		return
	}

	if l.state == Armed && c.heardSelf(l, o) {
		slog.Debug("dispatch: result overlaps acknowledgement, dropped", "text", o.Result.Text)
		return
	}

	decision := c.gate.Evaluate(o.Result, l.state.Mode())
	switch {
	case l.state == Idle && decision == wake.WakePhrase:
		cfg := c.config()
		l.armedAt = time.Now()
		l.listenFrom = time.Time{}
		var ack playback.Request
		if cfg.Acknowledgement != "" {
			ack = playback.NewRequest(cfg.Acknowledgement, playback.Normal)
			l.ackID = ack.ID
		}
		c.transition(l, Armed)
		c.emit(event.Event{Kind: event.WakeDetected, Text: o.Result.Text})

		if l.ackID != uuid.Nil {
			if _, err := c.player.Enqueue(ack); err != nil {
				slog.Warn("dispatch: acknowledgement not queued", "err", err)
				l.ackID = uuid.Nil
				c.publish(l)
			}
		}
		if l.ackID == uuid.Nil {
			c.startArmTimer(l, cfg.ArmTimeout)
		}

	case l.state == Armed && decision == wake.Command:
		c.stopArmTimer(l)
		l.commandEnd = time.Now()
		if o.Utterance != nil && !o.Utterance.FinalizedAt.IsZero() {
			l.commandEnd = o.Utterance.FinalizedAt
		}
		c.transition(l, Processing)
		c.emit(event.Event{Kind: event.CommandDispatched, Text: o.Result.Text})
		c.startDispatch(ctx, l, o.Result.Text)

	case l.state == Armed:
		// Empty or unusable text still consumes the arm.
		c.stopArmTimer(l)
		slog.Debug("dispatch: arm consumed without a command", "text", o.Result.Text)
		c.transition(l, Idle)

	default:
		slog.Debug("dispatch: result ignored",
			"state", l.state.String(),
			"text", o.Result.Text,
			"confidence", o.Result.Confidence,
		)
	}
}

func (c *Coordinator) onResult(ctx context.Context, l *loop, r dispatchResult) {
	if r.gen != l.gen || l.state != Processing {
		slog.Debug("dispatch: stale dispatch result dropped", "gen", r.gen, "current", l.gen)
		return
	}
	l.cancel = nil

	text := r.resp.Text
	failed := r.err != nil || !r.resp.Success
	if r.err != nil {
		observe.Logger(ctx).Warn("dispatch: dispatcher failed", "err", r.err, "elapsed", r.elapsed)
	}
	if text == "" && failed {
		text = c.config().Apology
	}
	if text == "" {
		c.transition(l, Idle)
		return
	}

	req, err := c.player.Enqueue(playback.NewRequest(text, playback.Normal))
	if err != nil {
		slog.Warn("dispatch: reply not queued", "err", err)
		c.transition(l, Idle)
		return
	}
	l.responseID = req.ID
	c.transition(l, Speaking)
}

func (c *Coordinator) onPlayback(l *loop, e event.Event) {
	terminal := e.Kind == event.PlaybackCompleted || e.Kind == event.PlaybackFailed
	switch {
	case e.RequestID == l.responseID && e.Kind == event.PlaybackStarted:
		if !l.commandEnd.IsZero() {
			c.metrics.ResponseLatency.Record(context.Background(), time.Since(l.commandEnd).Seconds())
			l.commandEnd = time.Time{}
		}

	case e.RequestID == l.responseID && terminal:
		if follow(&l.responseID, e) {
			slog.Debug("dispatch: reply pre-empted", "by", l.responseID)
			return
		}
		if l.state == Speaking {
			c.transition(l, Idle)
		}

	case e.RequestID == l.ackID && terminal:
		if follow(&l.ackID, e) {
			return
		}
		slog.Debug("dispatch: acknowledgement finished", "kind", string(e.Kind), "state", l.state.String())
		c.publish(l)
		if l.state == Armed {
			c.listen(l)
		}
	}
}

// follow moves *id on to the Immediate request that pre-empted it and reports
// whether there was one. Otherwise *id is cleared.
func follow(id *uuid.UUID, e event.Event) bool {
	if e.Kind == event.PlaybackFailed && e.Reason == event.ReasonPreempted && e.ReplacedBy != uuid.Nil {
		*id = e.ReplacedBy
		return true
	}
	*id = uuid.Nil
	return false
}

func (c *Coordinator) onFault(l *loop, err error) {
	from := l.state
	c.cancelDispatch(l)
	c.stopArmTimer(l)
	c.player.Drain()
	if c.listener != nil {
		c.listener.Reset()
	}
	l.responseID = uuid.Nil
	l.ackID = uuid.Nil
	l.commandEnd = time.Time{}
	c.transition(l, Idle)
	c.publish(l)

	slog.Error("dispatch: device fault, session reset", "from", from.String(), "err", err)
	c.emit(event.Event{Kind: event.DeviceFault, Err: err})
}

// ---- helpers ----

func (c *Coordinator) startDispatch(ctx context.Context, l *loop, text string) {
	cfg := c.config()
	l.gen++
	gen := l.gen

	dctx, cancel := context.WithCancel(ctx)
	stopTimeout := context.CancelFunc(func() {})
	if cfg.DispatchTimeout > 0 {
		dctx, stopTimeout = context.WithTimeout(dctx, cfg.DispatchTimeout)
	}
	l.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stopTimeout()

		r := c.dispatch(dctx, text)
		r.gen = gen
		select {
		case c.results <- r:
		case <-c.stopped:
		}
	}()
}

func (c *Coordinator) dispatch(ctx context.Context, text string) (r dispatchResult) {
	ctx, span := observe.StartSpan(ctx, "dispatch",
		trace.WithAttributes(attribute.Int("command.length", len(text))),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.err = fmt.Errorf("dispatch: dispatcher panicked: %v", p)
		}
		r.elapsed = time.Since(start)
		c.metrics.DispatchDuration.Record(context.WithoutCancel(ctx), r.elapsed.Seconds())
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, "dispatch failed")
		}
		span.SetAttributes(attribute.Bool("dispatch.success", r.err == nil && r.resp.Success))
	}()

	r.resp, r.err = c.disp.Dispatch(ctx, text)
	return r
}

func (c *Coordinator) cancelDispatch(l *loop) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	// Any result still in flight belongs to an older generation now.
	l.gen++
}

// listen opens the command window after the acknowledgement. Audio captured
// while it played is discarded.
func (c *Coordinator) listen(l *loop) {
	if c.listener != nil {
		c.listener.Reset()
	}
	l.listenFrom = time.Now()
	c.startArmTimer(l, c.config().ArmTimeout)
}

// heardSelf reports whether o must be dropped because it overlaps the
// acknowledgement: either it is still playing or the utterance began before
// it ended.
func (c *Coordinator) heardSelf(l *loop, o recognize.Outcome) bool {
	if l.ackID != uuid.Nil {
		return true
	}
	if o.Utterance == nil || l.listenFrom.IsZero() {
		return false
	}
	start := o.Utterance.StartedAt()
	return !start.IsZero() && start.Before(l.listenFrom)
}

func (c *Coordinator) startArmTimer(l *loop, d time.Duration) {
	l.armTimer.Reset(d)
	l.armTimerC = l.armTimer.C
}

func (c *Coordinator) stopArmTimer(l *loop) {
	l.armTimer.Stop()
	l.armTimerC = nil
}

func (c *Coordinator) transition(l *loop, to State) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	now := time.Now()
	l.since = now
	c.publish(l)
	slog.Debug("dispatch: state changed", "from", from.String(), "to", to.String())
	c.emit(event.Event{Kind: event.StateChanged, Time: now, From: from.String(), To: to.String()})
}

// publish stores the snapshot read by [Coordinator.Snapshot].
func (c *Coordinator) publish(l *loop) {
	c.snap.Store(&Snapshot{
		State:         l.state,
		Since:         l.since,
		ArmedAt:       l.armedAt,
		Acknowledging: l.ackID != uuid.Nil,
	})
}

func (c *Coordinator) emit(e event.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.sink.Emit(e)
}
