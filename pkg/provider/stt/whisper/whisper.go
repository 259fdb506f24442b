// Package whisper provides whisper.cpp-backed speech recognizers.
//
// [Recognizer] talks to a running whisper-server binary over its REST API
// (POST /inference). [NativeRecognizer] links whisper.cpp through its Go
// bindings and runs inference in-process.
//
// whisper.cpp is a batch engine, which matches the pipeline's model of
// recognizing one finalized utterance per call. Audio is converted to the
// 16 kHz mono format whisper models expect before it is submitted.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := r.Recognize(ctx, pcm, audio.Format{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Recognizer implements stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithHTTPClient replaces the default HTTP client, which has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) { r.httpClient = c }
}

// Recognizer implements stt.Recognizer backed by a whisper.cpp HTTP server.
type Recognizer struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Recognizer that connects to the whisper.cpp server at
// serverURL (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// inferenceResponse is the subset of whisper-server's verbose_json output
// used here.
type inferenceResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text       string   `json:"text"`
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Recognize encodes pcm as a 16 kHz mono WAV file and POSTs it to the
// /inference endpoint as multipart/form-data.
//
// Confidence is exp(mean segment avg_logprob) when the server reports it,
// and 1 otherwise.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte, format audio.Format) (stt.Result, error) {
	wav := audio.EncodeWAV(audio.ConvertPCM(pcm, format, whisperFormat), whisperFormat)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        r.language,
		"model":           r.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w: %v", stt.ErrMalformedResult, err)
	}

	res := stt.Result{
		Text:       strings.TrimSpace(out.Text),
		Confidence: 1,
		IsFinal:    true,
	}
	var (
		sum float64
		n   int
	)
	for _, seg := range out.Segments {
		if seg.AvgLogprob != nil {
			sum += *seg.AvgLogprob
			n++
		}
	}
	if n > 0 {
		res.Confidence = float32(math.Min(1, math.Exp(sum/float64(n))))
	}
	if err := res.Validate(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	return res, nil
}
