// Package listen turns a stream of captured audio frames into finalized
// utterances.
//
// The pipeline inside a [Listener] has two stages that run on one goroutine:
//
//  1. A [Classifier] labels each frame as speech or silence. It smooths the
//     raw per-frame decisions of a [vad.Detector] with a k-of-N vote so that
//     detector noise does not cause rapid start/stop churn.
//
//  2. A [Segmenter] groups contiguous speech into an [Utterance], keeps the
//     trailing silence for recognizer context, and finalizes the utterance
//     once the silence lasts long enough or the utterance reaches its maximum
//     duration.
//
// The Listener reads frames from an [audio.FrameBuffer], so the capture
// callback never waits on classification or segmentation.
package listen

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/vad"
)

// Label is the smoothed classification of one frame.
type Label struct {
	Seq    uint64
	Speech bool
}

// Classifier applies k-of-N hysteresis to raw detector decisions. The
// reported label switches to speech only when at least k of the last N raw
// decisions were speech, and back to silence only when at least k of the last
// N were silence. Otherwise the previous label is kept.
//
// A Classifier is not safe for concurrent use.
type Classifier struct {
	det    vad.Detector
	window []bool
	pos    int
	speech int // raw speech decisions currently in window
	k      int
	state  bool
}

// NewClassifier returns a Classifier voting over the last window decisions
// with threshold k. k must be a strict majority of window.
func NewClassifier(det vad.Detector, window, k int) (*Classifier, error) {
	if det == nil {
		return nil, errors.New("listen: classifier needs a detector")
	}
	if window < 1 {
		return nil, fmt.Errorf("listen: activity window %d must be at least 1", window)
	}
	if k <= window/2 || k > window {
		return nil, fmt.Errorf("listen: activity threshold %d must be in (%d, %d]", k, window/2, window)
	}
	return &Classifier{det: det, window: make([]bool, window), k: k}, nil
}

// Classify labels f. Detector errors count as silence.
func (c *Classifier) Classify(f audio.Frame) Label {
	raw, err := c.det.IsSpeech(f.Data)
	if err != nil {
		slog.Debug("listen: detector failed, treating frame as silence", "seq", f.Seq, "err", err)
		raw = false
	}

	if c.window[c.pos] {
		c.speech--
	}
	c.window[c.pos] = raw
	if raw {
		c.speech++
	}
	c.pos = (c.pos + 1) % len(c.window)

	silence := len(c.window) - c.speech
	switch {
	case !c.state && c.speech >= c.k:
		c.state = true
	case c.state && silence >= c.k:
		c.state = false
	}
	return Label{Seq: f.Seq, Speech: c.state}
}

// Reset forgets the voting history and reports silence until the window
// fills with speech again.
func (c *Classifier) Reset() {
	clear(c.window)
	c.pos = 0
	c.speech = 0
	c.state = false
}
