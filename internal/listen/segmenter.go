package listen

import (
	"fmt"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

// SegmenterConfig holds the timing thresholds of a [Segmenter].
type SegmenterConfig struct {
	// SilenceTimeout is how long trailing silence must last before an
	// utterance is finalized.
	SilenceTimeout time.Duration

	// MinUtterance discards utterances whose speech span is shorter.
	MinUtterance time.Duration

	// MaxUtterance force-finalizes an utterance once its total duration
	// reaches this value.
	MaxUtterance time.Duration
}

// Validate reports inconsistent thresholds.
func (c SegmenterConfig) Validate() error {
	switch {
	case c.SilenceTimeout <= 0:
		return fmt.Errorf("listen: silence timeout %s must be positive", c.SilenceTimeout)
	case c.MinUtterance < 0:
		return fmt.Errorf("listen: min utterance %s must not be negative", c.MinUtterance)
	case c.MaxUtterance <= c.MinUtterance:
		return fmt.Errorf("listen: max utterance %s must exceed min utterance %s", c.MaxUtterance, c.MinUtterance)
	}
	return nil
}

type segState int

const (
	waiting segState = iota
	accumulating
)

// Segmenter groups labelled frames into utterances. It has two states,
// waiting and accumulating, and emits at most one utterance per
// accumulating episode.
//
// After a forced finalization the rest of the same speech run is ignored
// until a silence label is seen, so one run never yields more than one
// utterance.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	cfg      SegmenterConfig
	state    segState
	cur      *Utterance
	silence  time.Duration
	suppress bool
}

// NewSegmenter returns a Segmenter in the waiting state.
func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg}, nil
}

// Push feeds one labelled frame. It returns the finalized utterance when f
// completes one, or nil.
func (s *Segmenter) Push(f audio.Frame, speech bool) *Utterance {
	switch s.state {
	case waiting:
		if !speech {
			s.suppress = false
			return nil
		}
		if s.suppress {
			return nil
		}
		s.state = accumulating
		s.cur = &Utterance{}
		s.silence = 0
		s.cur.append(f, true)

	case accumulating:
		s.cur.append(f, speech)
		if speech {
			s.silence = 0
		} else {
			s.silence += f.Duration()
			if s.silence >= s.cfg.SilenceTimeout {
				return s.finish(false)
			}
		}
	}

	if s.cur.Duration() >= s.cfg.MaxUtterance {
		return s.ForceFinalize()
	}
	return nil
}

// ForceFinalize ends the current episode as if the maximum duration had been
// reached. It returns nil when no utterance is open or the open one is
// shorter than the minimum.
func (s *Segmenter) ForceFinalize() *Utterance {
	if s.state != accumulating {
		return nil
	}
	s.suppress = s.silence == 0
	return s.finish(true)
}

func (s *Segmenter) finish(forced bool) *Utterance {
	u := s.cur
	s.cur = nil
	s.state = waiting
	s.silence = 0
	if u.SpeechDuration() < s.cfg.MinUtterance {
		return nil
	}
	u.Finalized = true
	u.Forced = forced
	u.FinalizedAt = time.Now()
	return u
}

// Accumulating reports whether an utterance is open.
func (s *Segmenter) Accumulating() bool { return s.state == accumulating }

// Reset discards any open utterance.
func (s *Segmenter) Reset() {
	s.cur = nil
	s.state = waiting
	s.silence = 0
	s.suppress = false
}
