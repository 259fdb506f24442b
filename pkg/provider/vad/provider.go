// Package vad defines the Detector interface for frame-level voice activity
// detection.
//
// A Detector makes one raw speech/non-speech decision per PCM frame. It holds
// no smoothing state; hysteresis across frames is applied by the listener's
// classifier so that detectors remain interchangeable.
//
// Implementations must be safe for concurrent use.
package vad

import "errors"

// ErrInvalidFrame is returned when a frame cannot be analysed, for example
// because it has an odd number of bytes.
var ErrInvalidFrame = errors.New("vad: invalid frame")

// Detector classifies a single frame of 16-bit little-endian PCM.
type Detector interface {
	// IsSpeech reports whether pcm contains speech. It must not block.
	IsSpeech(pcm []byte) (bool, error)
}

// DetectorFunc adapts an ordinary function to the Detector interface.
type DetectorFunc func(pcm []byte) (bool, error)

// IsSpeech calls f(pcm).
func (f DetectorFunc) IsSpeech(pcm []byte) (bool, error) { return f(pcm) }
