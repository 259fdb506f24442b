// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and they expose fields that control return
// values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
//	_ = src.Start(ctx, func(f audio.Frame) { buf.Push(f) })
//	src.Emit(pcm)          // delivers one frame to the callback
//	src.Fault(errors.New("unplugged"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames are injected by
// the test via [Source.Emit]; nothing is captured on its own.
type Source struct {
	mu sync.Mutex

	format  audio.Format
	onFrame func(audio.Frame)
	seq     uint64
	running bool
	faults  chan error

	// StartError is returned by Start when non-nil.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Releases counts how many times the underlying device was actually
	// released. Idempotent Stop keeps this at most one per Start.
	Releases int
}

var _ audio.Source = (*Source)(nil)

// NewSource creates a mock source producing frames in format f.
func NewSource(f audio.Format) *Source {
	return &Source{format: f, faults: make(chan error, 4)}
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, onFrame func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.onFrame = onFrame
	s.running = true
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if !s.running {
		return nil
	}
	s.running = false
	s.onFrame = nil
	s.Releases++
	return nil
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faults }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Emit delivers pcm as the next captured frame. It reports false when the
// source is not running.
func (s *Source) Emit(pcm []byte) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.seq++
	f := audio.Frame{
		Seq:        s.seq,
		Timestamp:  time.Now(),
		Data:       pcm,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}
	cb := s.onFrame
	s.mu.Unlock()

	cb(f)
	return true
}

// Fault raises an asynchronous device fault.
func (s *Source) Fault(err error) {
	s.faults <- audio.NewDeviceFault("capture", err)
}

// Running reports whether Start succeeded and Stop has not been called since.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. It records every buffer
// written to it.
type Sink struct {
	mu sync.Mutex

	format audio.Format
	writes [][]byte
	closed bool

	// WriteDelay makes each Write take this long (or until ctx is done),
	// simulating real-time playback.
	WriteDelay time.Duration

	// WriteError is returned by Write when non-nil.
	WriteError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Sink = (*Sink)(nil)

// NewSink creates a mock sink accepting PCM in format f.
func NewSink(f audio.Format) *Sink {
	return &Sink{format: f}
}

// Write implements [audio.Sink].
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	delay := s.WriteDelay
	werr := s.WriteError
	s.mu.Unlock()

	if werr != nil {
		return werr
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.mu.Lock()
	s.writes = append(s.writes, buf)
	s.mu.Unlock()
	return nil
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Writes returns a copy of all buffers written so far.
func (s *Sink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// BytesWritten returns the total number of PCM bytes written.
func (s *Sink) BytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		n += len(w)
	}
	return n
}

// SetWriteError changes WriteError under the mock's lock.
func (s *Sink) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}
