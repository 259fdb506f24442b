package coqui_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
	"github.com/MrWong99/astra/pkg/provider/tts/coqui"
)

var mono22k = audio.Format{SampleRate: 22050, Channels: 1}

func wavHandler(t *testing.T, pcm []byte) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(pcm, mono22k))
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := coqui.New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
	if _, err := coqui.New("http://localhost:5002", coqui.WithAPIMode("bogus")); err == nil {
		t.Error("expected error for unknown API mode")
	}
	if _, err := coqui.New("http://localhost:5002/", coqui.WithTimeout(time.Second)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	queries := make(chan url.Values, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tts", func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		wavHandler(t, pcm)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := coqui.New(srv.URL, coqui.WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := s.Synthesize(context.Background(), "  Hallo Welt. ", tts.VoiceParams{VoiceID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != mono22k || string(out.PCM) != string(pcm) {
		t.Errorf("audio = %v %v, want %v %v", out.Format, out.PCM, mono22k, pcm)
	}
	q := <-queries
	if q.Get("text") != "Hallo Welt." || q.Get("speaker_id") != "p225" || q.Get("language_id") != "de" {
		t.Errorf("query = %v", q)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()
	bodies := make(chan map[string]string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tts_to_audio/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		wavHandler(t, []byte{0, 0})(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, _ := coqui.New(srv.URL, coqui.WithAPIMode(coqui.APIModeXTTS))
	if _, err := s.Synthesize(context.Background(), "hello", tts.VoiceParams{}); err == nil {
		t.Error("expected error without voice ID in XTTS mode")
	}
	if _, err := s.Synthesize(context.Background(), "hello", tts.VoiceParams{VoiceID: "Ana Florence"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := <-bodies
	if got["text"] != "hello" || got["speaker_wav"] != "Ana Florence" || got["language"] != "en" {
		t.Errorf("body = %v", got)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "garbage" {
			_, _ = w.Write([]byte("not a wav file at all, sorry"))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	s, _ := coqui.New(srv.URL)

	if _, err := s.Synthesize(context.Background(), "  ", tts.VoiceParams{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("blank text err = %v, want ErrEmptyText", err)
	}
	if _, err := s.Synthesize(context.Background(), "hello", tts.VoiceParams{}); err == nil {
		t.Error("expected error for HTTP 500")
	}
	if _, err := s.Synthesize(context.Background(), "garbage", tts.VoiceParams{}); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("garbage err = %v, want ErrInvalidWAV", err)
	}
}

func TestListVoices_Standard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		details map[string]any
		wantIDs []string
	}{
		{
			name:    "multi speaker",
			details: map[string]any{"model_name": "vctk/vits", "speakers": []string{"p227", "p225"}},
			wantIDs: []string{"p225", "p227"},
		},
		{
			name:    "single speaker",
			details: map[string]any{"model_name": "ljspeech/tacotron2"},
			wantIDs: []string{"ljspeech/tacotron2"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(tc.details)
			}))
			defer srv.Close()
			s, _ := coqui.New(srv.URL)
			voices, err := s.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, v := range voices {
				if v.ID != tc.wantIDs[i] || v.Provider != "coqui" {
					t.Errorf("voice %d = %+v, want ID %s", i, v, tc.wantIDs[i])
				}
			}
		})
	}
}

func TestListVoices_XTTS(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/studio_speakers" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Daisy Studious": {}, "Ana Florence": {}}`))
	}))
	defer srv.Close()
	s, _ := coqui.New(srv.URL, coqui.WithAPIMode(coqui.APIModeXTTS))
	voices, err := s.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "Ana Florence" || voices[1].ID != "Daisy Studious" {
		t.Errorf("voices = %+v", voices)
	}
}
