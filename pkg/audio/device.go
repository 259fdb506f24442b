// Package audio defines the device abstractions and PCM helpers used by the
// Astra voice pipeline.
//
// The two primary abstractions are:
//
//   - [Source]: owns an input device and pushes captured [Frame] values to a
//     callback on the device's real-time thread.
//   - [Sink]: owns an output device and accepts PCM writes for playback.
//
// Implementations live in backend packages (audio/malgo, audio/portaudio) and
// in audio/mock for tests. The capture callback contract is strict: it must
// never block, so callers typically hand frames to a [FrameBuffer].
package audio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDeviceFault marks an unrecoverable capture or playback device failure.
// Test for it with errors.Is.
var ErrDeviceFault = errors.New("audio: device fault")

// ErrDeviceNotFound is returned by [SelectDevice] when no device matches the
// requested index or name.
var ErrDeviceNotFound = errors.New("audio: device not found")

// DeviceFaultError describes which device operation failed. It matches
// [ErrDeviceFault] under errors.Is.
type DeviceFaultError struct {
	// Op names the failing operation, e.g. "capture", "playback", "start".
	Op  string
	Err error
}

// Error implements error.
func (e *DeviceFaultError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: device fault during %s", e.Op)
	}
	return fmt.Sprintf("audio: device fault during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceFaultError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDeviceFault].
func (e *DeviceFaultError) Is(target error) bool { return target == ErrDeviceFault }

// NewDeviceFault wraps err as a [DeviceFaultError] for operation op.
func NewDeviceFault(op string, err error) error {
	return &DeviceFaultError{Op: op, Err: err}
}

// Source abstracts a physical input device.
//
// Only one Source may hold a device at a time. Implementations must be safe
// for concurrent calls to Stop.
type Source interface {
	// Start opens the device and begins continuous capture. onFrame is invoked
	// for every captured frame on the capture thread and must not block.
	// Start returns an error wrapping [ErrDeviceFault] if the device cannot be
	// opened.
	Start(ctx context.Context, onFrame func(Frame)) error

	// Stop halts capture and releases the device. It is idempotent: calling it
	// again after the first call is a no-op returning nil.
	Stop() error

	// Faults delivers asynchronous device faults raised after Start returned.
	// The channel is never closed.
	Faults() <-chan error

	// Format returns the capture format negotiated with the device.
	Format() Format
}

// Sink abstracts a physical output device.
type Sink interface {
	// Write plays pcm (in the sink's [Format]) and returns once the data has
	// been handed to the device. Write returns ctx.Err() promptly when ctx is
	// cancelled, which is how an in-progress playback is stopped mid-stream.
	Write(ctx context.Context, pcm []byte) error

	// Format returns the playback format expected by Write.
	Format() Format

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// DeviceKind distinguishes capture devices from playback devices during
// enumeration.
type DeviceKind int

const (
	// Capture selects input devices.
	Capture DeviceKind = iota

	// Playback selects output devices.
	Playback
)

// String returns the human-readable name of the kind.
func (k DeviceKind) String() string {
	switch k {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	// Index is the position in the backend's enumeration order.
	Index int

	// Name is the backend-reported device name.
	Name string

	// Default is true for the system default device of this kind.
	Default bool
}

// Enumerator lists devices of a given kind. Backends implement it so the CLI
// can print choices and config can select a device by index or name.
type Enumerator interface {
	Devices(kind DeviceKind) ([]DeviceInfo, error)
}

// SelectDevice resolves selector against devs. An empty selector picks the default
// device (ok is false when no device is flagged default, meaning the backend
// should use its own default). A selector of the form "#N" or "N" selects by
// index; anything else matches the first device whose name contains selector,
// case-insensitively.
func SelectDevice(devs []DeviceInfo, selector string) (info DeviceInfo, ok bool, err error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		for _, d := range devs {
			if d.Default {
				return d, true, nil
			}
		}
		return DeviceInfo{}, false, nil
	}

	if idx, convErr := strconv.Atoi(strings.TrimPrefix(selector, "#")); convErr == nil {
		for _, d := range devs {
			if d.Index == idx {
				return d, true, nil
			}
		}
		return DeviceInfo{}, false, fmt.Errorf("%w: index %d", ErrDeviceNotFound, idx)
	}

	needle := strings.ToLower(selector)
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, true, nil
		}
	}
	return DeviceInfo{}, false, fmt.Errorf("%w: name %q", ErrDeviceNotFound, selector)
}
