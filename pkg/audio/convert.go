package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts PCM buffers to a fixed target format. It logs a
// warning the first time it sees a mismatched source format and drops
// misaligned buffers. Create one per stream; it is not meant to be shared
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm converted from the from format to c.Target. When the
// formats already match, pcm is returned unchanged without allocation. A
// buffer that is not a whole number of sample frames yields nil.
func (c *FormatConverter) Convert(pcm []byte, from Format) []byte {
	if from.Channels <= 0 {
		from.Channels = 1
	}
	if len(pcm)%(from.Channels*bytesPerSample) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM buffer, dropping",
				"bytes", len(pcm),
				"format", from.String(),
			)
		})
		return nil
	}
	if from == c.Target {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Info("audio converter: converting stream",
			"from", from.String(),
			"to", c.Target.String(),
		)
	})
	return ConvertPCM(pcm, from, c.Target)
}

// ConvertPCM converts int16 PCM from one format to another. When the target
// has fewer channels the remix runs first so fewer samples are interpolated.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from.Channels <= 0 {
		from.Channels = 1
	}
	if to.Channels <= 0 {
		to.Channels = 1
	}
	if to.Channels < from.Channels {
		pcm = Remix16(pcm, from.Channels, to.Channels)
		return Resample16(pcm, to.Channels, from.SampleRate, to.SampleRate)
	}
	pcm = Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	return Remix16(pcm, from.Channels, to.Channels)
}

// Remix16 changes the channel count of interleaved int16 PCM. Going to mono
// averages all channels with clamping; going from mono duplicates the sample
// into every output channel; any other combination goes through mono.
func Remix16(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	if from != 1 && to != 1 {
		return Remix16(Remix16(pcm, from, 1), 1, to)
	}

	frames := len(pcm) / (from * bytesPerSample)
	out := make([]byte, frames*to*bytesPerSample)
	for i := range frames {
		var v int16
		if from == 1 {
			v = sampleAt(pcm, i)
		} else {
			var sum int32
			for c := range from {
				sum += int32(sampleAt(pcm, i*from+c))
			}
			v = clamp16(sum / int32(from))
		}
		for c := range to {
			putSample(out, i*to+c, v)
		}
	}
	return out
}

// Resample16 resamples interleaved int16 PCM with the given channel count
// from srcRate to dstRate using per-channel linear interpolation. The input
// is returned unchanged when the rates match or either rate is invalid.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 {
		channels = 1
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// RMS returns the root-mean-square amplitude of int16 PCM, in sample units
// (0 to 32768). It is the energy measure used for voice-activity decisions.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(v))
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
