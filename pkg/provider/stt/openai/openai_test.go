package openai_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt/openai"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

type seenRequest struct {
	model   string
	include string
}

func newServer(t *testing.T, status int, body any, seen *atomic.Pointer[seenRequest]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen.Store(&seenRequest{model: r.FormValue("model"), include: r.FormValue("include[]")})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New("", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestRecognize_LogprobConfidence(t *testing.T) {
	t.Parallel()
	var seen atomic.Pointer[seenRequest]
	srv := newServer(t, http.StatusOK, map[string]any{
		"text": " What time is it? ",
		"logprobs": []map[string]any{
			{"token": "What", "logprob": -0.2},
			{"token": " time", "logprob": -0.4},
		},
	}, &seen)

	r, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL), openai.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.Recognize(context.Background(), make([]byte, 3200), mono16k)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Text != "What time is it?" {
		t.Errorf("text = %q", res.Text)
	}
	if want := math.Exp(-0.3); math.Abs(float64(res.Confidence)-want) > 1e-4 {
		t.Errorf("confidence = %v, want %v", res.Confidence, want)
	}
	got := seen.Load()
	if got == nil || got.model != string(openai.DefaultModel) || got.include != "logprobs" {
		t.Errorf("request = %+v, want default model with logprobs", got)
	}
}

func TestRecognize_WhisperModelSkipsLogprobs(t *testing.T) {
	t.Parallel()
	var seen atomic.Pointer[seenRequest]
	srv := newServer(t, http.StatusOK, map[string]any{"text": "hello"}, &seen)

	r, _ := openai.New("sk-test", "whisper-1", openai.WithBaseURL(srv.URL), openai.WithMaxRetries(0))
	res, err := r.Recognize(context.Background(), make([]byte, 3200), mono16k)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", res.Confidence)
	}
	if got := seen.Load(); got.include != "" {
		t.Errorf("include = %q, want empty for whisper-1", got.include)
	}
}

func TestRecognize_APIError(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusBadRequest, map[string]any{
		"error": map[string]string{"message": "bad audio", "type": "invalid_request_error"},
	}, nil)
	r, _ := openai.New("sk-test", "", openai.WithBaseURL(srv.URL), openai.WithMaxRetries(0))
	if _, err := r.Recognize(context.Background(), make([]byte, 3200), mono16k); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}
