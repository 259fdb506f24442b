// Package event defines the operator-facing lifecycle events of the voice
// pipeline and the sinks that consume them.
//
// Events are emitted from the dispatch coordinator and the playback queue.
// Sinks must not block the emitter: [LogSink] and [MetricsSink] are
// synchronous and cheap, and slow sinks such as the PostgreSQL journal buffer
// internally.
package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/astra/internal/observe"
)

// Kind identifies an event type.
type Kind string

const (
	WakeDetected      Kind = "wake_detected"
	CommandDispatched Kind = "command_dispatched"
	PlaybackStarted   Kind = "playback_started"
	PlaybackCompleted Kind = "playback_completed"
	PlaybackFailed    Kind = "playback_failed"
	DeviceFault       Kind = "device_fault"
	Overrun           Kind = "overrun"
	StateChanged      Kind = "state_changed"
)

// Playback failure reasons.
const (
	ReasonPreempted = "preempted"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
)

// Event is one lifecycle notification. Fields that do not apply to a Kind are
// left zero.
type Event struct {
	Kind Kind
	Time time.Time

	// RequestID identifies the playback request for playback events.
	RequestID uuid.UUID

	// Text is the recognized command for CommandDispatched and the spoken
	// text for playback events.
	Text string

	// Reason explains PlaybackFailed.
	Reason string

	// ReplacedBy is the Immediate request that pre-empted this one, set on
	// PlaybackFailed with [ReasonPreempted].
	ReplacedBy uuid.UUID

	// Count is the number of dropped frames for Overrun.
	Count uint64

	// From and To are the coordinator states for StateChanged.
	From, To string

	Err error
}

// Sink consumes events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// multi fans out to several sinks in order.
type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi returns a Sink that forwards every event to each non-nil sink in
// order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// ─── LogSink ─────────────────────────────────────────────────────────────────

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (s LogSink) Emit(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"kind", string(e.Kind)}
	if e.RequestID != uuid.Nil {
		attrs = append(attrs, "request_id", e.RequestID.String())
	}
	if e.Text != "" {
		attrs = append(attrs, "text", e.Text)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.ReplacedBy != uuid.Nil {
		attrs = append(attrs, "replaced_by", e.ReplacedBy.String())
	}
	if e.Count > 0 {
		attrs = append(attrs, "count", e.Count)
	}
	if e.From != "" || e.To != "" {
		attrs = append(attrs, "from", e.From, "to", e.To)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
	}

	switch e.Kind {
	case DeviceFault, Overrun, PlaybackFailed:
		l.Warn("event", attrs...)
	case StateChanged:
		l.Debug("event", attrs...)
	default:
		l.Info("event", attrs...)
	}
}

// ─── MetricsSink ─────────────────────────────────────────────────────────────

// MetricsSink counts events by kind and dropped frames.
type MetricsSink struct {
	Metrics *observe.Metrics
}

// Emit implements [Sink].
func (s MetricsSink) Emit(e Event) {
	m := s.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ctx := context.Background()
	m.RecordEvent(ctx, string(e.Kind))
	if e.Kind == Overrun && e.Count > 0 {
		m.RecordFramesDropped(ctx, e.Count)
	}
}
