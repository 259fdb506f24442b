//go:build portaudio

// Package portaudio implements [audio.Source] and [audio.Sink] with
// PortAudio through github.com/gordonklaus/portaudio. Build with
// -tags portaudio; without the tag every constructor reports that the
// backend is unavailable.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/astra/pkg/audio"
)

var (
	_ audio.Source     = (*Source)(nil)
	_ audio.Sink       = (*Sink)(nil)
	_ audio.Enumerator = (*Backend)(nil)
)

// Config describes a capture or playback stream.
type Config struct {
	Format    audio.Format
	FrameSize int
	Device    string
}

// Backend owns the PortAudio library initialisation.
type Backend struct {
	closeOnce sync.Once
}

// New initialises PortAudio. Close must be called to terminate it.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. It is idempotent.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() { err = portaudio.Terminate() })
	if err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices lists devices that have at least one channel of the given kind.
// Indices are PortAudio's global device indices.
func (b *Backend) Devices(kind audio.DeviceKind) ([]audio.DeviceInfo, error) {
	devs, _, err := b.devices(kind)
	return devs, err
}

func (b *Backend) devices(kind audio.DeviceKind) ([]audio.DeviceInfo, []*portaudio.DeviceInfo, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("portaudio: enumerate devices: %w", err)
	}
	var def *portaudio.DeviceInfo
	if kind == audio.Capture {
		def, _ = portaudio.DefaultInputDevice()
	} else {
		def, _ = portaudio.DefaultOutputDevice()
	}

	var (
		infos []audio.DeviceInfo
		raw   []*portaudio.DeviceInfo
	)
	for i, d := range all {
		if (kind == audio.Capture && d.MaxInputChannels == 0) || (kind == audio.Playback && d.MaxOutputChannels == 0) {
			continue
		}
		infos = append(infos, audio.DeviceInfo{Index: i, Name: d.Name, Default: def != nil && d.Name == def.Name})
		raw = append(raw, d)
	}
	return infos, raw, nil
}

func (b *Backend) resolve(kind audio.DeviceKind, selector string) (*portaudio.DeviceInfo, error) {
	infos, raw, err := b.devices(kind)
	if err != nil {
		return nil, err
	}
	sel, ok, err := audio.SelectDevice(infos, selector)
	if err != nil {
		return nil, err
	}
	if ok {
		for i := range infos {
			if infos[i].Index == sel.Index {
				return raw[i], nil
			}
		}
	}
	if kind == audio.Capture {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// ---- capture ----

// Source captures int16 PCM with a PortAudio callback stream.
type Source struct {
	b        *Backend
	cfg      Config
	mu       sync.Mutex
	stream   *portaudio.Stream
	stopCtx  func() bool
	stopping atomic.Bool
	faults   chan error
	seq      uint64
}

// NewSource creates a capture source. The device is opened by Start.
func (b *Backend) NewSource(cfg Config) *Source {
	return &Source{b: b, cfg: cfg, faults: make(chan error, 1)}
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context, onFrame func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return errors.New("portaudio: capture already started")
	}
	dev, err := s.b.resolve(audio.Capture, s.cfg.Device)
	if err != nil {
		return audio.NewDeviceFault("open capture", err)
	}
	channels := max(s.cfg.Format.Channels, 1)
	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(s.cfg.Format.SampleRate)
	params.FramesPerBuffer = s.cfg.FrameSize

	s.seq = 0
	s.stopping.Store(false)
	cb := func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			slog.Debug("portaudio: input overflow")
		}
		data := make([]byte, len(in)*2)
		for i, v := range in {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
		}
		s.seq++
		onFrame(audio.Frame{
			Seq:        s.seq,
			Timestamp:  time.Now(),
			Data:       data,
			SampleRate: s.cfg.Format.SampleRate,
			Channels:   channels,
		})
	}

	stream, err := portaudio.OpenStream(params, cb)
	if err != nil {
		return audio.NewDeviceFault("open capture", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return audio.NewDeviceFault("start capture", err)
	}
	s.stream = stream
	s.stopCtx = context.AfterFunc(ctx, func() { _ = s.Stop() })

	slog.Info("audio capture started", "backend", "portaudio", "device", dev.Name, "format", s.cfg.Format.String())
	return nil
}

// Stop implements [audio.Source]. It is idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stopping.Store(true)
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}
	stream := s.stream
	s.stream = nil
	errStop := stream.Stop()
	errClose := stream.Close()
	if err := errors.Join(errStop, errClose); err != nil {
		return fmt.Errorf("portaudio: stop capture: %w", err)
	}
	return nil
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faults }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.cfg.Format }

// ---- playback ----

// Sink plays int16 PCM with a blocking PortAudio output stream.
type Sink struct {
	cfg     Config
	writeMu sync.Mutex
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	closed  bool
}

// NewSink opens and starts a blocking playback stream.
func (b *Backend) NewSink(cfg Config) (*Sink, error) {
	dev, err := b.resolve(audio.Playback, cfg.Device)
	if err != nil {
		return nil, audio.NewDeviceFault("open playback", err)
	}
	channels := max(cfg.Format.Channels, 1)
	frames := cfg.FrameSize
	if frames <= 0 {
		frames = cfg.Format.SampleRate / 50
	}
	params := portaudio.HighLatencyParameters(nil, dev)
	params.Output.Channels = channels
	params.SampleRate = float64(cfg.Format.SampleRate)
	params.FramesPerBuffer = frames

	s := &Sink{cfg: cfg, buf: make([]int16, frames*channels)}
	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		return nil, audio.NewDeviceFault("open playback", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, audio.NewDeviceFault("start playback", err)
	}
	s.stream = stream
	slog.Info("audio playback started", "backend", "portaudio", "device", dev.Name, "format", cfg.Format.String())
	return s, nil
}

// Write implements [audio.Sink]. Each device buffer is written synchronously,
// so cancellation takes effect within one buffer period.
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	stream, closed := s.stream, s.closed
	s.mu.Unlock()
	if closed || stream == nil {
		return errors.New("portaudio: sink closed")
	}

	samples := len(pcm) / 2
	for off := 0; off < samples; off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(s.buf), samples-off)
		for i := range n {
			s.buf[i] = int16(binary.LittleEndian.Uint16(pcm[(off+i)*2:]))
		}
		clear(s.buf[n:])
		if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return audio.NewDeviceFault("playback", err)
		}
	}
	return nil
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.cfg.Format }

// Close implements [audio.Sink]. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream == nil {
		return nil
	}
	errStop := s.stream.Stop()
	errClose := s.stream.Close()
	s.stream = nil
	if err := errors.Join(errStop, errClose); err != nil {
		return fmt.Errorf("portaudio: stop playback: %w", err)
	}
	return nil
}
