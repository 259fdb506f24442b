package audio

import "sync/atomic"

// DefaultBufferFrames is the [FrameBuffer] capacity used when none is
// configured. At 30 ms frames this holds a little under two seconds of audio.
const DefaultBufferFrames = 64

// FrameBuffer is the bounded hand-off between a device capture callback and
// the pipeline worker that consumes frames.
//
// Push never blocks: when the buffer is full the oldest queued frame is
// discarded to make room and an overrun is counted. FrameBuffer is safe for
// one producer and any number of consumers.
type FrameBuffer struct {
	ch       chan Frame
	overruns atomic.Uint64
	reported atomic.Uint64
}

// NewFrameBuffer creates a FrameBuffer holding at most capacity frames. A
// non-positive capacity selects [DefaultBufferFrames].
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferFrames
	}
	return &FrameBuffer{ch: make(chan Frame, capacity)}
}

// Push enqueues f, evicting the oldest queued frame if the buffer is full.
// It reports whether a frame was dropped.
func (b *FrameBuffer) Push(f Frame) (dropped bool) {
	for {
		select {
		case b.ch <- f:
			return dropped
		default:
		}
		// Full: evict one frame and retry. A concurrent consumer may have
		// made room in the meantime, in which case nothing is evicted.
		select {
		case <-b.ch:
			b.overruns.Add(1)
			dropped = true
		default:
		}
	}
}

// Frames returns the consumer side of the buffer. The channel is never
// closed; consumers should select on their own cancellation signal.
func (b *FrameBuffer) Frames() <-chan Frame { return b.ch }

// Len returns the number of frames currently queued.
func (b *FrameBuffer) Len() int { return len(b.ch) }

// Overruns returns the total number of frames dropped since creation.
func (b *FrameBuffer) Overruns() uint64 { return b.overruns.Load() }

// TakeOverruns returns the number of frames dropped since the previous call
// to TakeOverruns. It is used to emit periodic Overrun{count} events.
func (b *FrameBuffer) TakeOverruns() uint64 {
	total := b.overruns.Load()
	prev := b.reported.Swap(total)
	if total < prev {
		return 0
	}
	return total - prev
}
