package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/astra/pkg/provider/tts"
)

// errVoicesUnsupported makes a non-listing synthesizer fall through to the
// next one in ListVoices.
var errVoicesUnsupported = errors.New("provider cannot list voices")

// SynthesizerFallback implements [tts.Synthesizer] with automatic failover
// across multiple TTS backends. Each backend has its own circuit breaker.
type SynthesizerFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var (
	_ tts.Synthesizer = (*SynthesizerFallback)(nil)
	_ tts.VoiceLister = (*SynthesizerFallback)(nil)
)

// NewSynthesizerFallback creates a [SynthesizerFallback] with primary as the
// preferred backend.
func NewSynthesizerFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *SynthesizerFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Group exposes the underlying group for health reporting.
func (f *SynthesizerFallback) Group() *FallbackGroup[tts.Synthesizer] { return f.group }

// Synthesize renders text with the first healthy synthesizer.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (tts.Audio, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (tts.Audio, error) {
		return s.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy synthesizer that can
// enumerate them.
func (f *SynthesizerFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) ([]tts.Voice, error) {
		vl, ok := s.(tts.VoiceLister)
		if !ok {
			return nil, errVoicesUnsupported
		}
		return vl.ListVoices(ctx)
	})
}
