package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned by [ParseWAV] for data that is not a PCM RIFF/WAVE
// container.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header written
// by [EncodeWAV].
const wavHeaderSize = 44

// EncodeWAV wraps int16 PCM in a canonical 44-byte RIFF/WAVE header so it can
// be uploaded to engines that expect a file rather than raw samples.
func EncodeWAV(pcm []byte, f Format) []byte {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	blockAlign := ch * bytesPerSample
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(ch))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 8*bytesPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// ParseWAV walks the RIFF chunks of a WAV file and returns its format and the
// PCM payload of the data chunk. Only 16-bit integer PCM is accepted. A data
// chunk whose declared size overruns the input (common with streamed WAV
// output) is truncated to the available bytes.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		f      Format
		gotFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || bits != 16 {
				return Format{}, nil, fmt.Errorf("%w: unsupported encoding (format %d, %d bits)", ErrInvalidWAV, audioFormat, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return Format{}, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return f, data[body:end], nil
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
