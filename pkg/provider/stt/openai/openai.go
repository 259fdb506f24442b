// Package openai provides a speech recognizer backed by the OpenAI audio
// transcription API. Any OpenAI-compatible endpoint can be targeted with
// [WithBaseURL].
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

// DefaultModel is used when New is given an empty model name.
const DefaultModel = oai.AudioModelGPT4oMiniTranscribe

var _ stt.Recognizer = (*Recognizer)(nil)

// uploadFormat is the format audio is converted to before upload.
var uploadFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Recognizer implements stt.Recognizer using the OpenAI API.
type Recognizer struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

type config struct {
	baseURL    string
	language   string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 language hint (e.g., "en").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the client retries failed requests.
// Defaults to the client library's default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a Recognizer. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Recognizer{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Recognize uploads pcm as a 16 kHz mono WAV file.
//
// For gpt-4o transcription models token log probabilities are requested and
// Confidence is exp(mean logprob). Other models report Confidence 1.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte, format audio.Format) (stt.Result, error) {
	wav := audio.EncodeWAV(audio.ConvertPCM(pcm, format, uploadFormat), uploadFormat)

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          r.model,
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if r.language != "" {
		params.Language = oai.String(r.language)
	}
	if supportsLogprobs(r.model) {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcription: %w", err)
	}

	res := stt.Result{Text: strings.TrimSpace(resp.Text), Confidence: 1, IsFinal: true}
	if n := len(resp.Logprobs); n > 0 {
		var sum float64
		for _, lp := range resp.Logprobs {
			sum += lp.Logprob
		}
		res.Confidence = float32(math.Min(1, math.Exp(sum/float64(n))))
	}
	if err := res.Validate(); err != nil {
		return stt.Result{}, fmt.Errorf("openai: %w", err)
	}
	return res, nil
}

func supportsLogprobs(model oai.AudioModel) bool {
	return strings.HasPrefix(string(model), "gpt-4o")
}
