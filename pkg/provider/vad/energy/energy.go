// Package energy implements a [vad.Detector] that compares the RMS amplitude
// of a frame against a fixed threshold.
package energy

import (
	"fmt"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/vad"
)

// DefaultThreshold is the RMS amplitude (int16 scale) above which a frame is
// considered speech.
const DefaultThreshold = 300

var _ vad.Detector = (*Detector)(nil)

// Detector is a stateless RMS threshold detector.
type Detector struct {
	threshold float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides [DefaultThreshold]. Non-positive values are ignored.
func WithThreshold(rms float64) Option {
	return func(d *Detector) {
		if rms > 0 {
			d.threshold = rms
		}
	}
}

// New returns a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultThreshold}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold returns the configured RMS threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// IsSpeech implements [vad.Detector].
func (d *Detector) IsSpeech(pcm []byte) (bool, error) {
	if len(pcm)%2 != 0 {
		return false, fmt.Errorf("energy: %d bytes: %w", len(pcm), vad.ErrInvalidFrame)
	}
	if len(pcm) == 0 {
		return false, nil
	}
	return audio.RMS(pcm) >= d.threshold, nil
}
