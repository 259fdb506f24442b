// Package coqui provides a Synthesizer backed by a locally running Coqui TTS
// server. Two server APIs are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; voices come from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; voices come from
//     GET /studio_speakers.
//
// Both servers return a WAV file per request. Speed and pitch are not
// supported by either API and are ignored.
//
// Typical usage:
//
//	s, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	out, err := s.Synthesize(ctx, "It is ten past three.", tts.VoiceParams{VoiceID: "p225"})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
)

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	xttsEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the synthesizer targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server. This is the
	// default.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) { s.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithAPIMode selects the server API.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) { s.apiMode = mode }
}

// Synthesizer implements tts.Synthesizer against a Coqui TTS server.
type Synthesizer struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Synthesizer for the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	if s.apiMode != APIModeStandard && s.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", s.apiMode)
	}
	return s, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the JSON body returned by GET /details.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

// Synthesize renders text with one HTTP request and decodes the WAV reply.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, fmt.Errorf("coqui: %w", tts.ErrEmptyText)
	}

	var (
		req      *http.Request
		err      error
		endpoint string
	)
	switch s.apiMode {
	case APIModeXTTS:
		if voice.VoiceID == "" {
			return tts.Audio{}, errors.New("coqui: XTTS mode requires a voice ID")
		}
		endpoint = xttsEndpoint
		body, merr := json.Marshal(xttsRequest{Text: text, SpeakerWav: voice.VoiceID, Language: s.language})
		if merr != nil {
			return tts.Audio{}, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		endpoint = apiTTSEndpoint
		params := url.Values{}
		params.Set("text", text)
		if voice.VoiceID != "" {
			params.Set("speaker_id", voice.VoiceID)
		}
		if s.language != "" {
			params.Set("language_id", s.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	format, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %w", err)
	}
	return tts.Audio{PCM: pcm, Format: format}, nil
}

// ListVoices returns the server's voices, sorted by ID.
//
// In APIModeStandard a multi-speaker model yields one voice per speaker and a
// single-speaker model yields one voice named after the model.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if s.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := s.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
			return nil, err
		}
		voices := make([]tts.Voice, 0, len(raw))
		for name := range raw {
			voices = append(voices, tts.Voice{ID: name, Name: name, Provider: "coqui", Metadata: map[string]string{"type": "studio"}})
		}
		slices.SortFunc(voices, func(a, b tts.Voice) int { return strings.Compare(a.ID, b.ID) })
		return voices, nil
	}

	var details detailsResponse
	if err := s.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		return []tts.Voice{{ID: name, Name: name, Provider: "coqui", Metadata: map[string]string{"type": "single-speaker", "model_name": name}}}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	voices := make([]tts.Voice, 0, len(speakers))
	for _, spk := range speakers {
		voices = append(voices, tts.Voice{
			ID:       spk,
			Name:     spk,
			Provider: "coqui",
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		})
	}
	return voices, nil
}

func (s *Synthesizer) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}
