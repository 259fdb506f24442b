// Package piper provides a Synthesizer that runs the piper command-line TTS
// engine as a subprocess.
//
// Each call writes the text to piper's stdin and reads back the WAV file it
// produces. Voices are .onnx model files in a directory; the VoiceID names the
// file without its extension.
package piper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
)

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

// DefaultBinary is the executable looked up on PATH when none is configured.
const DefaultBinary = "piper"

// commandFunc builds the command for one synthesis run.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithBinary sets the piper executable path.
func WithBinary(path string) Option {
	return func(s *Synthesizer) { s.binary = path }
}

// WithDefaultVoice sets the model used when VoiceParams.VoiceID is empty.
func WithDefaultVoice(voice string) Option {
	return func(s *Synthesizer) { s.defaultVoice = voice }
}

// Synthesizer implements tts.Synthesizer by invoking piper.
type Synthesizer struct {
	modelDir     string
	binary       string
	defaultVoice string
	command      commandFunc
}

// New creates a Synthesizer that loads voice models from modelDir.
func New(modelDir string, opts ...Option) (*Synthesizer, error) {
	if modelDir == "" {
		return nil, errors.New("piper: model directory must not be empty")
	}
	s := &Synthesizer{
		modelDir: modelDir,
		binary:   DefaultBinary,
		command:  exec.CommandContext,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// modelPath returns the .onnx path for voice, rejecting names that would
// escape the model directory.
func (s *Synthesizer) modelPath(voice string) (string, error) {
	if voice == "" {
		voice = s.defaultVoice
	}
	if voice == "" {
		return "", errors.New("piper: no voice selected and no default voice configured")
	}
	if strings.ContainsAny(voice, `/\`) || voice == "." || voice == ".." {
		return "", fmt.Errorf("piper: invalid voice name %q", voice)
	}
	return filepath.Join(s.modelDir, voice+".onnx"), nil
}

// Synthesize runs piper for text and returns the decoded WAV audio. Speed
// maps to piper's --length_scale (1/speed); pitch is not supported.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, fmt.Errorf("piper: %w", tts.ErrEmptyText)
	}
	model, err := s.modelPath(voice.VoiceID)
	if err != nil {
		return tts.Audio{}, err
	}

	out, err := os.CreateTemp("", "astra-piper-*.wav")
	if err != nil {
		return tts.Audio{}, fmt.Errorf("piper: create output file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{"--model", model, "--output_file", outPath}
	if speed := voice.SpeedOrDefault(); speed != 1 {
		args = append(args, "--length_scale", strconv.FormatFloat(1/speed, 'f', 3, 64))
	}

	cmd := s.command(ctx, s.binary, args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tts.Audio{}, fmt.Errorf("piper: %w", ctxErr)
		}
		return tts.Audio{}, fmt.Errorf("piper: run: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("piper: read output: %w", err)
	}
	format, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("piper: %w", err)
	}
	return tts.Audio{PCM: pcm, Format: format}, nil
}

// ListVoices returns one voice per .onnx model in the model directory.
func (s *Synthesizer) ListVoices(_ context.Context) ([]tts.Voice, error) {
	matches, err := filepath.Glob(filepath.Join(s.modelDir, "*.onnx"))
	if err != nil {
		return nil, fmt.Errorf("piper: list voices: %w", err)
	}
	sort.Strings(matches)
	voices := make([]tts.Voice, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".onnx")
		voices = append(voices, tts.Voice{
			ID:       id,
			Name:     id,
			Provider: "piper",
			Metadata: map[string]string{"path": m},
		})
	}
	return voices, nil
}
