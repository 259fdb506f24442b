// Package mock provides a test double for [tts.Synthesizer].
//
// By default every call returns Audio sized to the text (one 16 kHz mono
// sample per character). Tests can script errors, delays, and gates that hold
// a call open until released, which is how playback tests keep a request
// "playing" while they enqueue others.
//
// Example:
//
//	s := &mock.Synthesizer{Errors: map[string]error{"boom": errors.New("tts down")}}
//	a, _ := s.Synthesize(ctx, "hello", tts.VoiceParams{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
)

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

// Format is the audio format returned by Synthesizer.
var Format = audio.Format{SampleRate: 16000, Channels: 1}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceParams
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Errors maps input text to the error returned for it.
	Errors map[string]error

	// Gates maps input text to a channel that blocks the call until closed
	// or ctx is done.
	Gates map[string]<-chan struct{}

	// Delay is applied to every call before returning.
	Delay time.Duration

	// SamplesPerChar sets the PCM length per input character. Zero means 1.
	SamplesPerChar int

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// --- Call records ---

	calls []SynthesizeCall
}

// Synthesize records the call and returns silence proportional to the text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (tts.Audio, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SynthesizeCall{Text: text, Voice: voice})
	err := s.Errors[text]
	gate := s.Gates[text]
	delay := s.Delay
	per := max(s.SamplesPerChar, 1)
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{PCM: make([]byte, 2*per*len(text)), Format: Format}, nil
}

// ListVoices returns Voices.
func (s *Synthesizer) ListVoices(context.Context) ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Voices, nil
}

// Calls returns a copy of all recorded Synthesize calls.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthesizeCall(nil), s.calls...)
}

// Texts returns the text of every recorded call in order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
