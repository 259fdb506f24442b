package resilience

import (
	"context"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

// RecognizerFallback implements [stt.Recognizer] with automatic failover
// across multiple recognition backends. Each backend has its own circuit
// breaker. A malformed result counts as a backend failure.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var _ stt.Recognizer = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognizer as a fallback.
func (f *RecognizerFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// Group exposes the underlying group for health reporting.
func (f *RecognizerFallback) Group() *FallbackGroup[stt.Recognizer] { return f.group }

// Recognize transcribes pcm with the first healthy recognizer.
func (f *RecognizerFallback) Recognize(ctx context.Context, pcm []byte, format audio.Format) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(r stt.Recognizer) (stt.Result, error) {
		res, err := r.Recognize(ctx, pcm, format)
		if err != nil {
			return stt.Result{}, err
		}
		if err := res.Validate(); err != nil {
			return stt.Result{}, err
		}
		return res, nil
	})
}
