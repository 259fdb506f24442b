package elevenlabs_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/tts"
	"github.com/MrWong99/astra/pkg/provider/tts/elevenlabs"
)

type streamRecord struct {
	path     string
	format   string
	messages []map[string]any
}

// newStreamServer accepts one stream-input WebSocket, reads three messages,
// and replies with the given audio chunks followed by a final marker.
func newStreamServer(t *testing.T, chunks [][]byte, rec chan<- streamRecord) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		got := streamRecord{path: r.URL.Path, format: r.URL.Query().Get("output_format")}
		for range 3 {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(msg, &m)
			got.messages = append(got.messages, m)
		}
		rec <- got

		for _, c := range chunks {
			b, _ := json.Marshal(map[string]any{"audio": base64.StdEncoding.EncodeToString(c)})
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := elevenlabs.New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := elevenlabs.New("key", elevenlabs.WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	if _, err := elevenlabs.New("key", elevenlabs.WithOutputFormat("pcm_abc")); err == nil {
		t.Error("expected error for malformed sample rate")
	}
}

func TestSynthesize_CollectsChunks(t *testing.T) {
	t.Parallel()
	rec := make(chan streamRecord, 1)
	srv := newStreamServer(t, [][]byte{{1, 0, 2, 0}, {3, 0}}, rec)

	s, err := elevenlabs.New("xi-test",
		elevenlabs.WithBaseURL(srv.URL),
		elevenlabs.WithOutputFormat("pcm_24000"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := s.Synthesize(context.Background(), "It is ten past three.", tts.VoiceParams{VoiceID: "rachel", Speed: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(out.PCM) != string([]byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("PCM = %v", out.PCM)
	}
	if out.Format != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("format = %v", out.Format)
	}

	got := <-rec
	if got.path != "/v1/text-to-speech/rachel/stream-input" || got.format != "pcm_24000" {
		t.Errorf("dialed %s format %s", got.path, got.format)
	}
	if got.messages[0]["xi_api_key"] != "xi-test" {
		t.Errorf("handshake = %v, want API key", got.messages[0])
	}
	vs, _ := got.messages[0]["voice_settings"].(map[string]any)
	if vs["speed"] != 1.1 {
		t.Errorf("voice settings = %v, want speed 1.1", vs)
	}
	if got.messages[1]["text"] != "It is ten past three. " || got.messages[2]["text"] != "" {
		t.Errorf("text messages = %v, %v", got.messages[1], got.messages[2])
	}
}

func TestSynthesize_RequiresVoiceAndText(t *testing.T) {
	t.Parallel()
	s, _ := elevenlabs.New("key")
	if _, err := s.Synthesize(context.Background(), "hello", tts.VoiceParams{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := s.Synthesize(context.Background(), " ", tts.VoiceParams{VoiceID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "xi-test" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
	}))
	defer srv.Close()

	s, _ := elevenlabs.New("xi-test", elevenlabs.WithBaseURL(srv.URL))
	voices, err := s.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices, want 1", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Name != "Rachel" || v.Metadata["category"] != "premade" || v.Metadata["accent"] != "american" {
		t.Errorf("voice = %+v", v)
	}
}
