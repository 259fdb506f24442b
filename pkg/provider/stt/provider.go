// Package stt defines the Recognizer interface for speech-to-text backends.
//
// A Recognizer is a stateless call-and-response boundary: it receives the PCM
// of one finalized utterance and returns the recognized text together with a
// confidence score. Recognition may be slow; callers run it asynchronously and
// cancel it through the context. Swapping one backend for another must not
// affect any other pipeline component.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/astra/pkg/audio"
)

// ErrMalformedResult is returned when a backend produced a result that cannot
// be used, for example a confidence outside [0, 1].
var ErrMalformedResult = errors.New("stt: malformed result")

// Result is the outcome of recognizing one utterance.
type Result struct {
	// Text is the recognized speech, trimmed of surrounding whitespace.
	Text string

	// Confidence is the backend's confidence in Text, in [0, 1]. Backends that
	// do not report a confidence use 1.
	Confidence float32

	// IsFinal is true for authoritative results. Batch backends always
	// return final results.
	IsFinal bool
}

// Validate reports whether r is well formed.
func (r Result) Validate() error {
	c := float64(r.Confidence)
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedResult, r.Confidence)
	}
	return nil
}

// Recognizer transcribes utterances.
type Recognizer interface {
	// Recognize transcribes pcm, which is 16-bit little-endian PCM in the
	// given format. It returns an error if the backend fails or ctx is
	// cancelled.
	Recognize(ctx context.Context, pcm []byte, format audio.Format) (Result, error)
}
