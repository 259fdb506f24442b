package whisper

import (
	"encoding/binary"

	"github.com/MrWong99/astra/pkg/audio"
)

// whisperFormat is the input format whisper.cpp models are trained on.
var whisperFormat = audio.Format{SampleRate: 16000, Channels: 1}

// toSamples converts PCM in format f to 16 kHz mono float32 samples
// normalised to [-1.0, 1.0].
func toSamples(pcm []byte, f audio.Format) []float32 {
	mono := audio.ConvertPCM(pcm, f, whisperFormat)
	n := len(mono) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(mono[i*2:]))) / 32768.0
	}
	return samples
}
