// Package playback owns the speaker. A [Queue] synthesizes queued text and
// streams it to an [audio.Sink], one request at a time.
//
// Normal requests play in FIFO order. An Immediate request jumps to the head
// of the queue, replaces any Immediate request still pending, and stops the
// request currently playing. Every request ends in exactly one
// PlaybackCompleted or PlaybackFailed event; requests that never reached the
// speaker because they were cancelled or pre-empted fail with reason
// "cancelled" or "preempted". A pre-empted request's event names the
// Immediate request that replaced it.
//
// A sink write that fails with [audio.ErrDeviceFault] fails the request,
// cancels everything pending and is reported to the fault handler.
package playback

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/astra/internal/event"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("playback: queue closed")

var (
	errPreempted = errors.New("playback: " + event.ReasonPreempted)
	errCancelled = errors.New("playback: " + event.ReasonCancelled)
)

// preemptedError is the cancellation cause of a request stopped by an
// Immediate request. by is guarded by Queue.mu and moves to the newest
// Immediate request until the stopped request has reported.
type preemptedError struct {
	by uuid.UUID
}

func (e *preemptedError) Error() string { return errPreempted.Error() }

func (e *preemptedError) Unwrap() error { return errPreempted }

const (
	// DefaultChunk is how much audio each Sink.Write carries.
	DefaultChunk = 100 * time.Millisecond

	defaultQueueCap  = 16
	defaultEventsCap = 32
)

// Priority orders requests in the queue.
type Priority int

const (
	// Normal requests play in arrival order.
	Normal Priority = iota

	// Immediate requests pre-empt whatever is playing.
	Immediate
)

// String returns "normal" or "immediate".
func (p Priority) String() string {
	if p == Immediate {
		return "immediate"
	}
	return "normal"
}

// Request is one piece of text to speak.
type Request struct {
	ID        uuid.UUID
	Text      string
	Priority  Priority
	CreatedAt time.Time
}

// NewRequest returns a Request with a fresh ID.
func NewRequest(text string, p Priority) Request {
	return Request{ID: uuid.New(), Text: text, Priority: p, CreatedAt: time.Now()}
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithVoice sets the initial voice parameters.
func WithVoice(v tts.VoiceParams) Option {
	return func(q *Queue) { q.voice = v }
}

// WithChunk sets the duration of audio handed to the sink per write.
func WithChunk(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.chunk = d
		}
	}
}

// WithEventSink forwards every event to s in addition to the Events channel.
func WithEventSink(s event.Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithFaultHandler sets a function called, from the worker goroutine, with
// every sink error that wraps [audio.ErrDeviceFault]. By then the failed
// request and everything pending have already been failed. fn must not block.
func WithFaultHandler(fn func(error)) Option {
	return func(q *Queue) { q.onFault = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue plays requests through a synthesizer and a sink. All exported methods
// are safe for concurrent use.
type Queue struct {
	synth   tts.Synthesizer
	out     audio.Sink
	chunk   time.Duration
	sink    event.Sink
	metrics *observe.Metrics
	onFault func(error)

	mu          sync.Mutex
	queue       requestHeap
	seq         uint64
	voice       tts.VoiceParams
	playing     *Request
	stopPlaying context.CancelCauseFunc
	preempt     *preemptedError
	paused      bool
	closed      bool

	// outbox holds events not yet forwarded; it never blocks callers.
	outbox      []event.Event
	outboxReady chan struct{}
	events      chan event.Event

	notify    chan struct{}
	done      chan struct{}
	workDone  chan struct{}
	forwarded chan struct{}
}

// New creates a Queue that synthesizes with synth and plays on out. It starts
// its worker goroutines immediately; call Close to stop them.
func New(synth tts.Synthesizer, out audio.Sink, opts ...Option) *Queue {
	q := &Queue{
		synth:       synth,
		out:         out,
		chunk:       DefaultChunk,
		queue:       make(requestHeap, 0, defaultQueueCap),
		outboxReady: make(chan struct{}, 1),
		events:      make(chan event.Event, defaultEventsCap),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		workDone:    make(chan struct{}),
		forwarded:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.sink == nil {
		q.sink = event.Discard
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	heap.Init(&q.queue)
	go q.work()
	go q.forward()
	return q
}

// Events delivers playback events in the order they happened. It is closed
// after Close once every event was forwarded.
func (q *Queue) Events() <-chan event.Event { return q.events }

// SetVoice changes the voice used for requests that start after the call.
func (q *Queue) SetVoice(v tts.VoiceParams) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voice = v
}

// Enqueue schedules req. A zero ID is replaced with a fresh one; the
// scheduled request is returned.
func (q *Queue) Enqueue(req Request) (Request, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return req, ErrQueueClosed
	}

	if req.Priority == Immediate {
		// Only the latest Immediate request survives.
		if i := q.queue.indexOf(func(r Request) bool { return r.Priority == Immediate }); i >= 0 {
			old := heap.Remove(&q.queue, i).(entry)
			q.depthLocked(-1)
			q.failLocked(old.req, event.ReasonPreempted, req.ID, nil)
		}
		if q.playing != nil {
			if q.preempt == nil {
				q.preempt = &preemptedError{}
				q.stopPlaying(q.preempt)
			}
			q.preempt.by = req.ID
		}
	}

	q.seq++
	heap.Push(&q.queue, entry{req: req, seq: q.seq})
	q.depthLocked(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return req, nil
}

// Cancel stops the request with the given id, whether pending or playing. It
// reports whether the request was found.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.playing != nil && q.playing.ID == id {
		q.stopPlaying(errCancelled)
		return true
	}
	if i := q.queue.indexOf(func(r Request) bool { return r.ID == id }); i >= 0 {
		e := heap.Remove(&q.queue, i).(entry)
		q.depthLocked(-1)
		q.failLocked(e.req, event.ReasonCancelled, uuid.Nil, nil)
		return true
	}
	return false
}

// Drain cancels every pending request and the one playing.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drainLocked()
}

// Pause stops the queue from starting new requests. The request already
// playing is not affected.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lets the queue start requests again after Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending requests, excluding the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Playing returns the request currently being synthesized or played.
func (q *Queue) Playing() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing == nil {
		return Request{}, false
	}
	return *q.playing, true
}

// Close cancels all requests, stops the workers and closes the Events
// channel. It does not close the sink. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.drainLocked()
	q.mu.Unlock()

	close(q.done)
	<-q.workDone
	<-q.forwarded
	return nil
}

func (q *Queue) drainLocked() {
	if q.playing != nil {
		q.stopPlaying(errCancelled)
	}
	for q.queue.Len() > 0 {
		e := heap.Pop(&q.queue).(entry)
		q.depthLocked(-1)
		q.failLocked(e.req, event.ReasonCancelled, uuid.Nil, nil)
	}
}

func (q *Queue) depthLocked(delta int64) {
	q.metrics.PlaybackQueueDepth.Add(context.Background(), delta)
}

// ---- worker ----

// work pulls requests off the heap and plays them until Close.
func (q *Queue) work() {
	defer close(q.workDone)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			req, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			q.play(ctx, req)

			q.mu.Lock()
			if q.playing != nil && q.playing.ID == req.ID {
				q.stopPlaying(nil)
				q.playing = nil
				q.stopPlaying = nil
				q.preempt = nil
			}
			q.mu.Unlock()
		}
	}
}

// dequeue pops the head request and marks it playing.
func (q *Queue) dequeue() (Request, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.paused || q.queue.Len() == 0 {
		return Request{}, nil, false
	}
	e := heap.Pop(&q.queue).(entry)
	q.depthLocked(-1)

	ctx, cancel := context.WithCancelCause(context.Background())
	req := e.req
	q.playing = &req
	q.stopPlaying = cancel
	q.preempt = nil
	return req, ctx, true
}

// play synthesizes req and streams it to the sink. It emits exactly one
// terminal event.
func (q *Queue) play(ctx context.Context, req Request) {
	ctx, span := observe.StartSpan(ctx, "playback",
		trace.WithAttributes(
			attribute.String("playback.request_id", req.ID.String()),
			attribute.String("playback.priority", req.Priority.String()),
		),
	)
	defer span.End()

	q.mu.Lock()
	voice := q.voice
	q.mu.Unlock()

	start := time.Now()
	a, err := q.synth.Synthesize(ctx, req.Text, voice)
	q.metrics.TTSDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	if err != nil {
		q.finishFailed(ctx, span, req, fmt.Errorf("playback: synthesize: %w", err))
		return
	}

	if cause := context.Cause(ctx); cause != nil {
		q.finishFailed(ctx, span, req, cause)
		return
	}

	conv := audio.FormatConverter{Target: q.out.Format()}
	pcm := conv.Convert(a.PCM, a.Format)
	step := max(q.out.Format().Bytes(q.chunk), 2)

	q.emit(event.Event{Kind: event.PlaybackStarted, RequestID: req.ID, Text: req.Text})
	slog.Debug("playback: started",
		"request_id", req.ID,
		"priority", req.Priority.String(),
		"duration", q.out.Format().Duration(len(pcm)),
	)

	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := q.out.Write(ctx, pcm[off:end]); err != nil {
			q.finishFailed(ctx, span, req, fmt.Errorf("playback: write: %w", err))
			return
		}
	}

	if cause := context.Cause(ctx); cause != nil {
		q.finishFailed(ctx, span, req, cause)
		return
	}
	q.emit(event.Event{Kind: event.PlaybackCompleted, RequestID: req.ID, Text: req.Text})
}

// finishFailed reports req as failed. Cancellation causes map to their reason;
// anything else is an error. A device fault also drains the queue.
func (q *Queue) finishFailed(ctx context.Context, span trace.Span, req Request, err error) {
	cause := context.Cause(ctx)
	var pe *preemptedError
	switch {
	case errors.As(cause, &pe):
		span.SetAttributes(attribute.String("playback.reason", event.ReasonPreempted))
		q.mu.Lock()
		q.failLocked(req, event.ReasonPreempted, pe.by, nil)
		q.mu.Unlock()
	case errors.Is(cause, errCancelled):
		span.SetAttributes(attribute.String("playback.reason", event.ReasonCancelled))
		q.fail(req, event.ReasonCancelled, uuid.Nil, nil)
	case errors.Is(err, audio.ErrDeviceFault):
		span.RecordError(err)
		span.SetStatus(codes.Error, "device fault")
		slog.Error("playback: device fault", "request_id", req.ID, "err", err)
		q.mu.Lock()
		q.failLocked(req, event.ReasonError, uuid.Nil, err)
		q.drainLocked()
		q.mu.Unlock()
		if q.onFault != nil {
			q.onFault(err)
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "playback failed")
		slog.Warn("playback: request failed", "request_id", req.ID, "err", err)
		q.fail(req, event.ReasonError, uuid.Nil, err)
	}
}

func (q *Queue) fail(req Request, reason string, by uuid.UUID, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failLocked(req, reason, by, err)
}

func (q *Queue) failLocked(req Request, reason string, by uuid.UUID, err error) {
	q.emitLocked(event.Event{
		Kind:       event.PlaybackFailed,
		RequestID:  req.ID,
		Text:       req.Text,
		Reason:     reason,
		ReplacedBy: by,
		Err:        err,
	})
}

// ---- event forwarding ----

func (q *Queue) emit(e event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emitLocked(e)
}

func (q *Queue) emitLocked(e event.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.outbox = append(q.outbox, e)
	select {
	case q.outboxReady <- struct{}{}:
	default:
	}
}

// forward moves events from the outbox to the sink and the Events channel.
// Once the worker has stopped it flushes what is left without blocking and
// closes Events.
func (q *Queue) forward() {
	defer close(q.forwarded)
	defer close(q.events)

	stopping := false
	for !stopping {
		select {
		case <-q.outboxReady:
		case <-q.workDone:
			stopping = true
		}
		for _, e := range q.takeOutbox() {
			q.sink.Emit(e)
			if stopping {
				q.offer(e)
				continue
			}
			select {
			case q.events <- e:
			case <-q.workDone:
				stopping = true
				q.offer(e)
			}
		}
	}
	for _, e := range q.takeOutbox() {
		q.sink.Emit(e)
		q.offer(e)
	}
}

// offer sends e on Events if there is room.
func (q *Queue) offer(e event.Event) {
	select {
	case q.events <- e:
	default:
		slog.Warn("playback: event dropped at shutdown", "kind", string(e.Kind), "request_id", e.RequestID)
	}
}

func (q *Queue) takeOutbox() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.outbox
	q.outbox = nil
	return out
}
