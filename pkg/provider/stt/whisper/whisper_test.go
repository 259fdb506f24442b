package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
	"github.com/MrWong99/astra/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type inferenceRequest struct {
	format   audio.Format
	pcmBytes int
	language string
	model    string
	respFmt  string
}

// newMockServer responds to POST /inference with body and records the last
// request's form fields.
func newMockServer(t *testing.T, status int, body any, last *atomic.Pointer[inferenceRequest]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		format, pcm, err := audio.ParseWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if last != nil {
			last.Store(&inferenceRequest{
				format:   format,
				pcmBytes: len(pcm),
				language: r.FormValue("language"),
				model:    r.FormValue("model"),
				respFmt:  r.FormValue("response_format"),
			})
		}
		if status != http.StatusOK {
			http.Error(w, "model not loaded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates a 440 Hz sine wave with `samples` int16 samples.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

// ---- recognition ------------------------------------------------------------

func TestRecognize_VerboseJSONConfidence(t *testing.T) {
	t.Parallel()
	var last atomic.Pointer[inferenceRequest]
	srv := newMockServer(t, http.StatusOK, map[string]any{
		"text": "  hey astra ",
		"segments": []map[string]any{
			{"text": "hey", "avg_logprob": -0.1},
			{"text": "astra", "avg_logprob": -0.3},
		},
	}, &last)

	r, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"), whisper.WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.Recognize(context.Background(), makeSpeechPCM(16000), mono16k)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Text != "hey astra" || !res.IsFinal {
		t.Errorf("result = %+v, want trimmed final text", res)
	}
	want := float32(math.Exp(-0.2))
	if math.Abs(float64(res.Confidence-want)) > 1e-4 {
		t.Errorf("confidence = %v, want %v", res.Confidence, want)
	}

	req := last.Load()
	if req == nil {
		t.Fatal("server saw no request")
	}
	if req.language != "de" || req.model != "base" || req.respFmt != "verbose_json" {
		t.Errorf("form fields = %+v", req)
	}
	if req.format != mono16k || req.pcmBytes != 32000 {
		t.Errorf("uploaded %d bytes at %v, want 32000 at %v", req.pcmBytes, req.format, mono16k)
	}
}

func TestRecognize_ConvertsToMono16k(t *testing.T) {
	t.Parallel()
	var last atomic.Pointer[inferenceRequest]
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "what time is it"}, &last)
	r, _ := whisper.New(srv.URL)

	stereo48k := audio.Format{SampleRate: 48000, Channels: 2}
	pcm := make([]byte, stereo48k.Bytes(time.Second))
	res, err := r.Recognize(context.Background(), pcm, stereo48k)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 when server reports none", res.Confidence)
	}
	req := last.Load()
	if req.format != mono16k {
		t.Errorf("uploaded format = %v, want %v", req.format, mono16k)
	}
	if got := mono16k.Duration(req.pcmBytes); got < 990*time.Millisecond || got > 1010*time.Millisecond {
		t.Errorf("uploaded duration = %s, want about 1s", got)
	}
}

func TestRecognize_ServerError(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, http.StatusInternalServerError, nil, nil)
	r, _ := whisper.New(srv.URL)
	_, err := r.Recognize(context.Background(), makeSpeechPCM(1600), mono16k)
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestRecognize_MalformedJSON(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	r, _ := whisper.New(srv.URL)
	_, err := r.Recognize(context.Background(), makeSpeechPCM(1600), mono16k)
	if !errors.Is(err, stt.ErrMalformedResult) {
		t.Fatalf("err = %v, want ErrMalformedResult", err)
	}
}

func TestRecognize_ContextCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	r, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Recognize(ctx, makeSpeechPCM(1600), mono16k)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
