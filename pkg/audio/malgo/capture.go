package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/astra/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Config describes a capture or playback stream.
type Config struct {
	// Format is the PCM format requested from the device. miniaudio converts
	// from the hardware format transparently.
	Format audio.Format

	// FrameSize is the number of samples per channel in each captured
	// [audio.Frame]. Ignored for playback.
	FrameSize int

	// Device selects the device by index ("#2") or name substring. Empty
	// selects the system default.
	Device string
}

func (c Config) frameBytes() int {
	ch := c.Format.Channels
	if ch <= 0 {
		ch = 1
	}
	return c.FrameSize * ch * 2
}

// Source captures int16 PCM from a miniaudio device and delivers fixed-size
// frames to the callback passed to Start.
type Source struct {
	b   *Backend
	cfg Config

	mu       sync.Mutex
	dev      device
	stopCtx  func() bool
	stopping atomic.Bool
	faults   chan error

	// Owned by the capture thread while the device runs.
	onFrame func(audio.Frame)
	seq     uint64
	pending []byte
	stage   []byte
}

// NewSource creates a capture source on b. The device is not opened until
// Start.
func (b *Backend) NewSource(cfg Config) *Source {
	return &Source{
		b:      b,
		cfg:    cfg,
		faults: make(chan error, 1),
	}
}

// Start opens the capture device and begins delivering frames. Cancelling ctx
// stops capture as if Stop had been called.
func (s *Source) Start(ctx context.Context, onFrame func(audio.Frame)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	if s.cfg.FrameSize <= 0 || s.cfg.Format.SampleRate <= 0 {
		return fmt.Errorf("malgo: invalid capture config: frame size %d, %s", s.cfg.FrameSize, s.cfg.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return errors.New("malgo: capture already started")
	}

	id, name, err := s.b.resolveDevice(audio.Capture, s.cfg.Device)
	if err != nil {
		return audio.NewDeviceFault("open capture", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(s.cfg.Format.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(s.cfg.FrameSize)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(max(s.cfg.Format.Channels, 1))
	devCfg.Capture.DeviceID = id
	devCfg.Alsa.NoMMap = 1

	s.onFrame = onFrame
	s.seq = 0
	s.pending = s.pending[:0]
	if s.stage == nil {
		s.stage = make([]byte, 0, s.cfg.frameBytes()*2)
	}
	s.stopping.Store(false)

	dev, err := s.b.initDev(devCfg, malgo.DeviceCallbacks{Data: s.onData, Stop: s.onStop})
	if err != nil {
		return audio.NewDeviceFault("open capture", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return audio.NewDeviceFault("start capture", err)
	}
	s.dev = dev
	s.stopCtx = context.AfterFunc(ctx, func() { _ = s.Stop() })

	slog.Info("audio capture started",
		"backend", "malgo",
		"device", name,
		"format", s.cfg.Format.String(),
		"frame", s.cfg.Format.Duration(s.cfg.frameBytes()),
	)
	return nil
}

// onData runs on the miniaudio capture thread. It re-slices the device
// periods into frames of exactly FrameSize samples.
func (s *Source) onData(_, in []byte, _ uint32) {
	if len(in) == 0 || s.stopping.Load() {
		return
	}
	size := s.cfg.frameBytes()
	s.pending = append(s.pending, in...)
	now := time.Now()
	for len(s.pending) >= size {
		data := make([]byte, size)
		copy(data, s.pending[:size])
		s.pending = s.pending[size:]
		s.seq++
		s.onFrame(audio.Frame{
			Seq:        s.seq,
			Timestamp:  now,
			Data:       data,
			SampleRate: s.cfg.Format.SampleRate,
			Channels:   max(s.cfg.Format.Channels, 1),
		})
	}
	s.pending = append(s.stage[:0], s.pending...)
}

// onStop is called by miniaudio whenever the device stops. A stop that was
// not requested through Stop is a device fault.
func (s *Source) onStop() {
	if s.stopping.Load() {
		return
	}
	select {
	case s.faults <- audio.NewDeviceFault("capture", errors.New("device stopped unexpectedly")):
	default:
	}
}

// Stop halts capture and releases the device. Calling Stop on a stopped
// source is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.stopping.Store(true)
	dev := s.dev
	s.dev = nil
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}

	err := dev.Stop()
	dev.Uninit()
	slog.Info("audio capture stopped", "backend", "malgo")
	if err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faults }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.cfg.Format }
