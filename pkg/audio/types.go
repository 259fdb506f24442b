package audio

import "time"

// Frame is a fixed-size block of 16-bit little-endian PCM captured from an
// input device. Frames are immutable once produced; the pipeline stage that
// currently holds a Frame owns it and passes it downstream without copying
// Data.
type Frame struct {
	// Seq is a monotonic sequence number assigned by the capturing [Source].
	// The first frame of a capture session has Seq 1.
	Seq uint64

	// Timestamp is the wall-clock time at which the frame was captured.
	Timestamp time.Time

	// Data holds interleaved int16 PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for recognition input).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int
}

// Format returns the sample format of the frame.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback duration of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an int16 PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// bytesPerSample is the width of one int16 sample.
const bytesPerSample = 2

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * bytesPerSample
}

// Duration returns how long n bytes of PCM in this format play for. It
// returns zero for a format with no sample rate.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of PCM bytes covering d, rounded down to a whole
// sample frame.
func (f Format) Bytes(d time.Duration) int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * ch * bytesPerSample
}
