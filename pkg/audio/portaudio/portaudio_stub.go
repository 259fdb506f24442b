//go:build !portaudio

package portaudio

import (
	"context"
	"errors"

	"github.com/MrWong99/astra/pkg/audio"
)

// ErrUnavailable is returned by every constructor when the binary was built
// without the portaudio tag.
var ErrUnavailable = errors.New("portaudio: backend not available: rebuild with -tags portaudio")

// Config describes a capture or playback stream.
type Config struct {
	Format    audio.Format
	FrameSize int
	Device    string
}

// Backend is a placeholder when portaudio is not compiled in.
type Backend struct{}

// New always returns [ErrUnavailable].
func New() (*Backend, error) { return nil, ErrUnavailable }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// Devices always returns [ErrUnavailable].
func (b *Backend) Devices(audio.DeviceKind) ([]audio.DeviceInfo, error) { return nil, ErrUnavailable }

// NewSource returns a source whose Start fails with [ErrUnavailable].
func (b *Backend) NewSource(Config) *Source { return &Source{} }

// NewSink always returns [ErrUnavailable].
func (b *Backend) NewSink(Config) (*Sink, error) { return nil, ErrUnavailable }

// Source is a placeholder capture source.
type Source struct{}

// Start always returns [ErrUnavailable].
func (s *Source) Start(context.Context, func(audio.Frame)) error { return ErrUnavailable }

// Stop is a no-op.
func (s *Source) Stop() error { return nil }

// Faults returns a nil channel.
func (s *Source) Faults() <-chan error { return nil }

// Format returns the zero format.
func (s *Source) Format() audio.Format { return audio.Format{} }

// Sink is a placeholder playback sink.
type Sink struct{}

// Write always returns [ErrUnavailable].
func (s *Sink) Write(context.Context, []byte) error { return ErrUnavailable }

// Format returns the zero format.
func (s *Sink) Format() audio.Format { return audio.Format{} }

// Close is a no-op.
func (s *Sink) Close() error { return nil }
