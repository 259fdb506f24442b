package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/astra/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

const (
	// sinkHighWater bounds how much audio Write queues ahead of the device.
	sinkHighWater = 200 * time.Millisecond

	// sinkStallTimeout is how long Write waits for the device to consume
	// audio before reporting a device fault.
	sinkStallTimeout = 2 * time.Second
)

// Sink plays int16 PCM through a miniaudio playback device. The device runs
// continuously from construction until Close and outputs silence whenever
// nothing is queued.
type Sink struct {
	cfg       Config
	highWater int

	mu     sync.Mutex
	dev    device
	closed bool

	// writeMu serialises Write so at most one stream is queued at a time.
	writeMu sync.Mutex

	// qmu guards queue, which is shared with the device thread.
	qmu      sync.Mutex
	queue    []byte
	consumed chan struct{}
}

// NewSink opens and starts a playback device on b.
func (b *Backend) NewSink(cfg Config) (*Sink, error) {
	if cfg.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("malgo: invalid playback format %s", cfg.Format)
	}
	id, name, err := b.resolveDevice(audio.Playback, cfg.Device)
	if err != nil {
		return nil, audio.NewDeviceFault("open playback", err)
	}

	s := &Sink{
		cfg:       cfg,
		highWater: cfg.Format.Bytes(sinkHighWater),
		consumed:  make(chan struct{}, 1),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = uint32(cfg.Format.SampleRate)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(max(cfg.Format.Channels, 1))
	devCfg.Playback.DeviceID = id
	devCfg.Alsa.NoMMap = 1

	dev, err := b.initDev(devCfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, audio.NewDeviceFault("open playback", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, audio.NewDeviceFault("start playback", err)
	}
	s.dev = dev

	slog.Info("audio playback started", "backend", "malgo", "device", name, "format", cfg.Format.String())
	return s, nil
}

// onData runs on the miniaudio playback thread and fills out from the queue,
// padding with silence.
func (s *Sink) onData(out, _ []byte, _ uint32) {
	s.qmu.Lock()
	n := copy(out, s.queue)
	s.queue = s.queue[n:]
	s.qmu.Unlock()

	clear(out[n:])
	if n > 0 {
		select {
		case s.consumed <- struct{}{}:
		default:
		}
	}
}

// Write queues pcm for playback and returns once the device has consumed all
// of it. Cancelling ctx discards whatever is still queued and returns
// ctx.Err().
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("malgo: sink closed")
	}

	stall := time.NewTimer(sinkStallTimeout)
	defer stall.Stop()

	off := 0
	for {
		s.qmu.Lock()
		if room := s.highWater - len(s.queue); room > 0 && off < len(pcm) {
			take := min(room, len(pcm)-off)
			s.queue = append(s.queue, pcm[off:off+take]...)
			off += take
		}
		done := off == len(pcm) && len(s.queue) == 0
		s.qmu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()
		case <-s.consumed:
			stall.Reset(sinkStallTimeout)
		case <-stall.C:
			s.flush()
			return audio.NewDeviceFault("playback", errors.New("device stopped consuming audio"))
		}
	}
}

func (s *Sink) flush() {
	s.qmu.Lock()
	s.queue = nil
	s.qmu.Unlock()
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.cfg.Format }

// Close stops and releases the playback device. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	dev := s.dev
	s.dev = nil
	if dev == nil {
		return nil
	}
	err := dev.Stop()
	dev.Uninit()
	s.flush()
	if err != nil {
		return fmt.Errorf("malgo: stop playback: %w", err)
	}
	return nil
}
