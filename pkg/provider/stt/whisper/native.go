// This file contains the NativeRecognizer backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

// Compile-time assertion that NativeRecognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*NativeRecognizer)(nil)

// NativeRecognizer implements stt.Recognizer using the whisper.cpp Go
// bindings. The model is loaded once and shared; each call creates its own
// whisper context, so concurrent calls do not interfere.
type NativeRecognizer struct {
	model    whisperlib.Model
	language string

	closeOnce sync.Once
}

// NativeOption is a functional option for configuring a NativeRecognizer.
type NativeOption func(*NativeRecognizer)

// WithNativeLanguage sets the language code for transcription. Defaults to
// "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(r *NativeRecognizer) { r.language = lang }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the recognizer is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &NativeRecognizer{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the whisper model. It is idempotent.
func (r *NativeRecognizer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.model != nil {
			err = r.model.Close()
		}
	})
	return err
}

// Recognize runs inference on pcm. whisper.cpp has no cancel primitive, so a
// cancelled ctx only prevents the call from starting.
//
// Confidence is the mean token probability across all segments.
func (r *NativeRecognizer) Recognize(ctx context.Context, pcm []byte, format audio.Format) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	samples := toSamples(pcm, format)

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts []string
		psum  float64
		pn    int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			psum += float64(tok.P)
			pn++
		}
	}

	res := stt.Result{Text: strings.Join(parts, " "), Confidence: 1, IsFinal: true}
	if pn > 0 {
		res.Confidence = float32(psum / float64(pn))
	}
	if err := res.Validate(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	return res, nil
}
