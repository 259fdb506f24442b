//go:build !portaudio

package portaudio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/audio/portaudio"
)

func TestStub_ReportsUnavailable(t *testing.T) {
	t.Parallel()
	if _, err := portaudio.New(); !errors.Is(err, portaudio.ErrUnavailable) {
		t.Errorf("New err = %v, want ErrUnavailable", err)
	}
	var b portaudio.Backend
	src := b.NewSource(portaudio.Config{})
	if err := src.Start(context.Background(), func(audio.Frame) {}); !errors.Is(err, portaudio.ErrUnavailable) {
		t.Errorf("Start err = %v, want ErrUnavailable", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop err = %v, want nil", err)
	}
	if _, err := b.NewSink(portaudio.Config{}); !errors.Is(err, portaudio.ErrUnavailable) {
		t.Errorf("NewSink err = %v, want ErrUnavailable", err)
	}
}
