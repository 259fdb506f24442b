package listen

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

// DefaultOutputBuffer is the capacity of the finalized utterance channel.
const DefaultOutputBuffer = 4

// Listener runs a [Classifier] and a [Segmenter] on one goroutine, consuming
// frames from an [audio.FrameBuffer] and producing finalized utterances.
//
// In addition to the segmenter's frame-counted cap, the listener arms a
// wall-clock timer when an utterance opens, so a stalled device still
// force-finalizes after the maximum utterance duration.
type Listener struct {
	buf *audio.FrameBuffer
	cls *Classifier
	seg *Segmenter
	max time.Duration

	out   chan *Utterance
	reset chan struct{}

	onOverrun func(dropped uint64)
	onSpeech  func(start bool)
}

// Option configures a Listener.
type Option func(*Listener)

// WithOverrunHandler registers fn to be called with the number of frames the
// buffer dropped since the last report. fn runs on the listener goroutine.
func WithOverrunHandler(fn func(dropped uint64)) Option {
	return func(l *Listener) { l.onOverrun = fn }
}

// WithSpeechHandler registers fn to be called when an utterance opens
// (start=true) and when it closes or is discarded (start=false).
func WithSpeechHandler(fn func(start bool)) Option {
	return func(l *Listener) { l.onSpeech = fn }
}

// WithOutputBuffer overrides [DefaultOutputBuffer].
func WithOutputBuffer(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.out = make(chan *Utterance, n)
		}
	}
}

// NewListener wires buf, cls and seg together. maxUtterance is the
// wall-clock cap for one utterance.
func NewListener(buf *audio.FrameBuffer, cls *Classifier, seg *Segmenter, opts ...Option) *Listener {
	l := &Listener{
		buf:   buf,
		cls:   cls,
		seg:   seg,
		max:   seg.cfg.MaxUtterance,
		out:   make(chan *Utterance, DefaultOutputBuffer),
		reset: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Utterances returns the channel of finalized utterances. It is closed when
// Run returns.
func (l *Listener) Utterances() <-chan *Utterance { return l.out }

// Reset asks the listener to discard any open utterance and its voting
// history. It never blocks; concurrent resets coalesce.
func (l *Listener) Reset() {
	select {
	case l.reset <- struct{}{}:
	default:
	}
}

// Run processes frames until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.out)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var timerC <-chan time.Time
	stopTimer := func() {
		timer.Stop()
		timerC = nil
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-l.reset:
			wasOpen := l.seg.Accumulating()
			l.seg.Reset()
			l.cls.Reset()
			stopTimer()
			if wasOpen {
				slog.Debug("listen: open utterance discarded by reset")
				l.speech(false)
			}

		case <-timerC:
			timerC = nil
			if u := l.seg.ForceFinalize(); u != nil {
				slog.Debug("listen: utterance hit wall-clock limit", "start", u.StartSeq, "end", u.EndSeq)
				l.speech(false)
				if !l.emit(ctx, u) {
					return nil
				}
			} else {
				l.speech(false)
			}

		case f := <-l.buf.Frames():
			if n := l.buf.TakeOverruns(); n > 0 && l.onOverrun != nil {
				l.onOverrun(n)
			}
			wasOpen := l.seg.Accumulating()
			label := l.cls.Classify(f)
			u := l.seg.Push(f, label.Speech)
			open := l.seg.Accumulating()

			switch {
			case !wasOpen && open:
				timer.Reset(l.max)
				timerC = timer.C
				l.speech(true)
			case wasOpen && !open:
				stopTimer()
				l.speech(false)
			}
			if u != nil && !l.emit(ctx, u) {
				return nil
			}
		}
	}
}

func (l *Listener) emit(ctx context.Context, u *Utterance) bool {
	slog.Debug("listen: utterance finalized",
		"start", u.StartSeq,
		"end", u.EndSeq,
		"duration", u.Duration(),
		"forced", u.Forced,
	)
	select {
	case l.out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) speech(start bool) {
	if l.onSpeech != nil {
		l.onSpeech(start)
	}
}
