// Package malgo implements [audio.Source] and [audio.Sink] on top of
// miniaudio through github.com/gen2brain/malgo.
//
// A [Backend] owns the miniaudio context and is shared by one capture
// [Source] and one playback [Sink]. Devices are selected by index or name
// using [audio.SelectDevice]; an empty selector uses the system default.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/astra/pkg/audio"
)

var _ audio.Enumerator = (*Backend)(nil)

// device is the subset of *malgo.Device used by this package, so tests can
// substitute a fake.
type device interface {
	Start() error
	Stop() error
	Uninit()
}

// initFunc opens a device for cfg with the given callbacks.
type initFunc func(cfg malgo.DeviceConfig, cb malgo.DeviceCallbacks) (device, error)

// Backend owns a miniaudio context.
type Backend struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	closed  bool
	initDev initFunc
}

// New initialises a miniaudio context using the platform's default backend
// order. Close must be called to release it.
func New() (*Backend, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	b := &Backend{ctx: mctx}
	b.initDev = func(cfg malgo.DeviceConfig, cb malgo.DeviceCallbacks) (device, error) {
		dev, err := malgo.InitDevice(mctx.Context, cfg, cb)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return b, nil
}

// Devices lists capture or playback devices in miniaudio enumeration order.
func (b *Backend) Devices(kind audio.DeviceKind) ([]audio.DeviceInfo, error) {
	infos, err := b.rawDevices(kind)
	if err != nil {
		return nil, err
	}
	out := make([]audio.DeviceInfo, len(infos))
	for i := range infos {
		out[i] = audio.DeviceInfo{
			Index:   i,
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		}
	}
	return out, nil
}

func (b *Backend) rawDevices(kind audio.DeviceKind) ([]malgo.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("malgo: backend closed")
	}
	infos, err := b.ctx.Devices(deviceType(kind))
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate %s devices: %w", kind, err)
	}
	return infos, nil
}

// resolveDevice maps a selector to a miniaudio device ID pointer. It returns
// nil for the backend default.
func (b *Backend) resolveDevice(kind audio.DeviceKind, selector string) (unsafe.Pointer, string, error) {
	if selector == "" {
		return nil, "default", nil
	}
	infos, err := b.rawDevices(kind)
	if err != nil {
		return nil, "", err
	}
	devs := make([]audio.DeviceInfo, len(infos))
	for i := range infos {
		devs[i] = audio.DeviceInfo{Index: i, Name: infos[i].Name(), Default: infos[i].IsDefault != 0}
	}
	sel, ok, err := audio.SelectDevice(devs, selector)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "default", nil
	}
	return infos[sel.Index].ID.Pointer(), sel.Name, nil
}

// Close releases the miniaudio context. Sources and sinks created from the
// backend must be stopped first. Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.ctx == nil {
		b.closed = true
		return nil
	}
	b.closed = true
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

func deviceType(kind audio.DeviceKind) malgo.DeviceType {
	if kind == audio.Playback {
		return malgo.Playback
	}
	return malgo.Capture
}
