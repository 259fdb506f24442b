// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A Synthesizer turns one piece of text into a complete buffer of 16-bit PCM.
// The playback queue converts the result to the output device's format and
// streams it to the device, so synthesizers need not know about devices.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

// ErrEmptyText is returned when Synthesize is called with blank text.
var ErrEmptyText = errors.New("tts: empty text")

// VoiceParams selects and shapes the synthesized voice.
type VoiceParams struct {
	// VoiceID is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	VoiceID string

	// Speed is the speaking rate multiplier (0.5 to 2.0, 1.0 = normal). Zero
	// means normal speed.
	Speed float64

	// Pitch shifts the voice pitch (-10 to +10, 0 = unchanged). Providers that
	// cannot change pitch ignore it.
	Pitch float64
}

// SpeedOrDefault returns Speed, or 1 when Speed is not set.
func (v VoiceParams) SpeedOrDefault() float64 {
	if v.Speed <= 0 {
		return 1
	}
	return v.Speed
}

// Audio is the output of one synthesis call.
type Audio struct {
	PCM    []byte
	Format audio.Format
}

// Duration returns the playback duration of the audio.
func (a Audio) Duration() time.Duration { return a.Format.Duration(len(a.PCM)) }

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text with voice and returns the complete audio.
	// It returns an error if the backend fails or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceParams) (Audio, error)
}

// Voice describes one voice offered by a backend.
type Voice struct {
	ID       string
	Name     string
	Provider string
	Metadata map[string]string
}

// VoiceLister is implemented by synthesizers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}
