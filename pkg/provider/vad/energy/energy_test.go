package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/astra/pkg/provider/vad"
	"github.com/MrWong99/astra/pkg/provider/vad/energy"
)

func constant(v int16, n int) []byte {
	b := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestDetector_IsSpeech(t *testing.T) {
	t.Parallel()
	d := energy.New()

	tests := []struct {
		name string
		pcm  []byte
		want bool
	}{
		{name: "silence", pcm: constant(0, 160), want: false},
		{name: "quiet", pcm: constant(100, 160), want: false},
		{name: "loud", pcm: constant(2000, 160), want: true},
		{name: "negative loud", pcm: constant(-2000, 160), want: true},
		{name: "empty", pcm: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := d.IsSpeech(tc.pcm)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsSpeech = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetector_WithThreshold(t *testing.T) {
	t.Parallel()
	d := energy.New(energy.WithThreshold(50))
	if d.Threshold() != 50 {
		t.Fatalf("Threshold = %v, want 50", d.Threshold())
	}
	if got, _ := d.IsSpeech(constant(100, 160)); !got {
		t.Error("expected speech above lowered threshold")
	}
	if energy.New(energy.WithThreshold(-1)).Threshold() != energy.DefaultThreshold {
		t.Error("negative threshold should be ignored")
	}
}

func TestDetector_OddLength(t *testing.T) {
	t.Parallel()
	_, err := energy.New().IsSpeech([]byte{1, 2, 3})
	if !errors.Is(err, vad.ErrInvalidFrame) {
		t.Errorf("err = %v, want ErrInvalidFrame", err)
	}
}
