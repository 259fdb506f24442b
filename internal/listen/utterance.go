package listen

import (
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

// Utterance is one contiguous span of speech plus the trailing silence that
// ended it. It is mutated only by the [Segmenter] that created it and is
// immutable once Finalized.
type Utterance struct {
	StartSeq uint64
	EndSeq   uint64
	Frames   []audio.Frame

	// Finalized is set when the segmenter hands the utterance off.
	Finalized bool

	// Forced is set when the utterance hit the maximum duration instead of
	// ending in silence.
	Forced bool

	// FinalizedAt is the wall-clock time of finalization.
	FinalizedAt time.Time

	duration time.Duration
	speech   time.Duration
}

// Duration is the total audio duration including trailing silence.
func (u *Utterance) Duration() time.Duration { return u.duration }

// StartedAt is the capture time of the first frame, or zero for an empty
// utterance.
func (u *Utterance) StartedAt() time.Time {
	if len(u.Frames) == 0 {
		return time.Time{}
	}
	return u.Frames[0].Timestamp
}

// SpeechDuration is the duration from the first frame through the last frame
// labelled as speech.
func (u *Utterance) SpeechDuration() time.Duration { return u.speech }

// Format returns the PCM format of the utterance's frames.
func (u *Utterance) Format() audio.Format {
	if len(u.Frames) == 0 {
		return audio.Format{}
	}
	return u.Frames[0].Format()
}

// PCM concatenates the frame payloads.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

func (u *Utterance) append(f audio.Frame, speech bool) {
	if len(u.Frames) == 0 {
		u.StartSeq = f.Seq
	}
	u.Frames = append(u.Frames, f)
	u.EndSeq = f.Seq
	u.duration += f.Duration()
	if speech {
		u.speech = u.duration
	}
}
