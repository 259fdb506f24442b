// Package recognize turns finalized utterances into recognition outcomes.
//
// An [Adapter] starts one recognition call per utterance as soon as the
// utterance is finalized, so a slow backend does not stall capture. Up to
// the configured concurrency calls run at once, and their outcomes are
// delivered strictly in the order the utterances were finalized, even when a
// later call completes first.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/astra/internal/listen"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

// ErrRecognitionFailure wraps every error reported in an [Outcome]: engine
// errors, timeouts and malformed results.
var ErrRecognitionFailure = errors.New("recognize: recognition failed")

// DefaultConcurrency is the number of recognition calls allowed in flight.
const DefaultConcurrency = 2

// Outcome is the result of recognizing one utterance. Exactly one of Result
// and Err is meaningful.
type Outcome struct {
	Utterance *listen.Utterance
	Result    stt.Result
	Err       error

	// Latency is the time spent in the recognizer.
	Latency time.Duration
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithConcurrency bounds the number of recognition calls in flight. Values
// below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(a *Adapter) {
		if n >= 1 {
			a.concurrency = n
		}
	}
}

// WithTimeout bounds each recognition call. Zero means no per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithOutputBuffer sets the capacity of the outcome channel.
func WithOutputBuffer(n int) Option {
	return func(a *Adapter) { a.outCap = n }
}

// Adapter runs a [stt.Recognizer] over a stream of utterances.
type Adapter struct {
	rec         stt.Recognizer
	concurrency int
	timeout     time.Duration
	metrics     *observe.Metrics
	outCap      int
	out         chan Outcome
}

// NewAdapter creates an Adapter for rec.
func NewAdapter(rec stt.Recognizer, opts ...Option) *Adapter {
	a := &Adapter{
		rec:         rec,
		concurrency: DefaultConcurrency,
		outCap:      4,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.out = make(chan Outcome, a.outCap)
	return a
}

// Outcomes returns the ordered outcome stream. It is closed when Run returns.
func (a *Adapter) Outcomes() <-chan Outcome { return a.out }

// Run consumes utterances from in until in is closed or ctx is cancelled.
// Calls still in flight when ctx is cancelled are abandoned and their
// outcomes are not delivered. Run must be called at most once.
func (a *Adapter) Run(ctx context.Context, in <-chan *listen.Utterance) error {
	defer close(a.out)

	// Every accepted utterance gets a slot; slots are delivered in the order
	// they were queued.
	order := make(chan chan Outcome, a.concurrency)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		a.deliver(ctx, order)
	}()

	var workers errgroup.Group
	workers.SetLimit(a.concurrency)

	defer func() {
		close(order)
		_ = workers.Wait()
		<-delivered
	}()

	for {
		var u *listen.Utterance
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case u, ok = <-in:
			if !ok {
				return nil
			}
		}

		slot := make(chan Outcome, 1)
		select {
		case order <- slot:
		case <-ctx.Done():
			return nil
		}
		workers.Go(func() error {
			slot <- a.recognize(ctx, u)
			return nil
		})
	}
}

// deliver forwards outcomes in slot order. Once ctx is done it keeps draining
// order without forwarding so Run can finish.
func (a *Adapter) deliver(ctx context.Context, order <-chan chan Outcome) {
	for slot := range order {
		var o Outcome
		select {
		case o = <-slot:
		case <-ctx.Done():
			continue
		}
		select {
		case a.out <- o:
		case <-ctx.Done():
		}
	}
}

func (a *Adapter) recognize(ctx context.Context, u *listen.Utterance) Outcome {
	ctx, span := observe.StartSpan(ctx, "recognize",
		trace.WithAttributes(
			attribute.Int64("utterance.start_seq", int64(u.StartSeq)),
			attribute.Int64("utterance.end_seq", int64(u.EndSeq)),
			attribute.Bool("utterance.forced", u.Forced),
		),
	)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	a.metrics.RecognitionsInFlight.Add(ctx, 1)
	defer a.metrics.RecognitionsInFlight.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	res, err := a.rec.Recognize(ctx, u.PCM(), u.Format())
	latency := time.Since(start)
	a.metrics.STTDuration.Record(context.WithoutCancel(ctx), latency.Seconds())

	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
		observe.Logger(ctx).Debug("recognize: call failed",
			"start", u.StartSeq,
			"latency", latency,
			"err", err,
		)
		return Outcome{
			Utterance: u,
			Err:       fmt.Errorf("%w: %w", ErrRecognitionFailure, err),
			Latency:   latency,
		}
	}

	res.Text = strings.TrimSpace(res.Text)
	span.SetAttributes(attribute.Float64("stt.confidence", float64(res.Confidence)))
	slog.Debug("recognize: utterance recognized",
		"start", u.StartSeq,
		"text", res.Text,
		"confidence", res.Confidence,
		"latency", latency,
	)
	return Outcome{Utterance: u, Result: res, Latency: latency}
}
