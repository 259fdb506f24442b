package audio_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
)

func TestFrameBuffer_DropsOldest(t *testing.T) {
	t.Parallel()
	b := audio.NewFrameBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		dropped := b.Push(audio.Frame{Seq: seq})
		if want := seq > 3; dropped != want {
			t.Errorf("Push(%d) dropped = %v, want %v", seq, dropped, want)
		}
	}

	if got := b.Overruns(); got != 2 {
		t.Errorf("Overruns = %d, want 2", got)
	}
	for _, want := range []uint64{3, 4, 5} {
		f := <-b.Frames()
		if f.Seq != want {
			t.Errorf("frame seq = %d, want %d", f.Seq, want)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestFrameBuffer_TakeOverruns(t *testing.T) {
	t.Parallel()
	b := audio.NewFrameBuffer(1)
	b.Push(audio.Frame{Seq: 1})
	b.Push(audio.Frame{Seq: 2})
	b.Push(audio.Frame{Seq: 3})

	if got := b.TakeOverruns(); got != 2 {
		t.Errorf("first TakeOverruns = %d, want 2", got)
	}
	if got := b.TakeOverruns(); got != 0 {
		t.Errorf("second TakeOverruns = %d, want 0", got)
	}
	b.Push(audio.Frame{Seq: 4})
	if got := b.TakeOverruns(); got != 1 {
		t.Errorf("third TakeOverruns = %d, want 1", got)
	}
	if got := b.Overruns(); got != 3 {
		t.Errorf("Overruns = %d, want 3", got)
	}
}

func TestFrameBuffer_ConcurrentConsumer(t *testing.T) {
	t.Parallel()
	b := audio.NewFrameBuffer(4)
	const total = 2000

	var (
		wg       sync.WaitGroup
		received int
		lastSeq  uint64
		ordered  = true
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case f := <-b.Frames():
				if f.Seq <= lastSeq {
					ordered = false
				}
				lastSeq = f.Seq
				received++
			case <-done:
				return
			}
		}
	}()

	for seq := uint64(1); seq <= total; seq++ {
		b.Push(audio.Frame{Seq: seq})
	}
	// Let the consumer empty the buffer before stopping it.
	for b.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	close(done)
	wg.Wait()

	if !ordered {
		t.Error("frames delivered out of order")
	}
	if got := uint64(received) + b.Overruns(); got != total {
		t.Errorf("received + overruns = %d, want %d", got, total)
	}
}

func TestFrameBuffer_DefaultCapacity(t *testing.T) {
	t.Parallel()
	b := audio.NewFrameBuffer(0)
	for i := range audio.DefaultBufferFrames {
		if b.Push(audio.Frame{Seq: uint64(i + 1)}) {
			t.Fatalf("unexpected drop at %d", i)
		}
	}
	if !b.Push(audio.Frame{}) {
		t.Error("expected drop once default capacity is exceeded")
	}
}

func TestSelectDevice(t *testing.T) {
	t.Parallel()
	devs := []audio.DeviceInfo{
		{Index: 0, Name: "HDA Intel PCH: ALC3246 Analog"},
		{Index: 1, Name: "USB Audio Device", Default: true},
		{Index: 2, Name: "Jabra Speak 510"},
	}

	tests := []struct {
		selector string
		want     int
		wantOK   bool
		wantErr  bool
	}{
		{selector: "", want: 1, wantOK: true},
		{selector: "#2", want: 2, wantOK: true},
		{selector: "0", want: 0, wantOK: true},
		{selector: "jabra", want: 2, wantOK: true},
		{selector: "  usb audio ", want: 1, wantOK: true},
		{selector: "#9", wantErr: true},
		{selector: "bluetooth", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%q", tc.selector), func(t *testing.T) {
			got, ok, err := audio.SelectDevice(devs, tc.selector)
			if tc.wantErr {
				if !errors.Is(err, audio.ErrDeviceNotFound) {
					t.Fatalf("err = %v, want ErrDeviceNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tc.wantOK || got.Index != tc.want {
				t.Errorf("got index %d ok=%v, want %d ok=%v", got.Index, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestSelectDevice_NoDefault(t *testing.T) {
	t.Parallel()
	_, ok, err := audio.SelectDevice([]audio.DeviceInfo{{Index: 0, Name: "a"}}, "")
	if err != nil || ok {
		t.Errorf("got ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestDeviceFaultError(t *testing.T) {
	t.Parallel()
	cause := errors.New("ALSA xrun")
	err := fmt.Errorf("capture: %w", audio.NewDeviceFault("capture", cause))

	if !errors.Is(err, audio.ErrDeviceFault) {
		t.Error("expected errors.Is(err, ErrDeviceFault)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	var dfe *audio.DeviceFaultError
	if !errors.As(err, &dfe) || dfe.Op != "capture" {
		t.Errorf("errors.As failed or wrong op: %+v", dfe)
	}
}
