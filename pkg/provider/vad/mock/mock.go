// Package mock provides a scripted test double for [vad.Detector].
//
// Example:
//
//	det := mock.NewDetector(false, true, true, false)
//	speech, _ := det.IsSpeech(frame) // false, then true, true, false, false...
package mock

import (
	"sync"

	"github.com/MrWong99/astra/pkg/provider/vad"
)

var _ vad.Detector = (*Detector)(nil)

// Detector returns scripted decisions in order. Once the script is exhausted
// it keeps returning Default.
type Detector struct {
	mu sync.Mutex

	// Script is consumed one entry per IsSpeech call.
	Script []bool

	// Default is returned after Script is exhausted.
	Default bool

	// Err, if non-nil, is returned by every call.
	Err error

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte
}

// NewDetector returns a Detector that plays back script.
func NewDetector(script ...bool) *Detector {
	return &Detector{Script: script}
}

// IsSpeech records the frame and returns the next scripted decision.
func (d *Detector) IsSpeech(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frames = append(d.Frames, append([]byte(nil), pcm...))
	if d.Err != nil {
		return false, d.Err
	}
	if len(d.Script) == 0 {
		return d.Default, nil
	}
	v := d.Script[0]
	d.Script = d.Script[1:]
	return v, nil
}

// CallCount returns the number of IsSpeech calls so far.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}
