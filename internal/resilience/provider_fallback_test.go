package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/llm"
	llmmock "github.com/MrWong99/astra/pkg/provider/llm/mock"
	"github.com/MrWong99/astra/pkg/provider/stt"
	sttmock "github.com/MrWong99/astra/pkg/provider/stt/mock"
	"github.com/MrWong99/astra/pkg/provider/tts"
	ttsmock "github.com/MrWong99/astra/pkg/provider/tts/mock"
)

var testCfg = FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}

// ─── Recognizer ──────────────────────────────────────────────────────────────

func TestRecognizerFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Recognizer{Default: sttmock.Response{Result: stt.Result{Text: "hey astra", Confidence: 0.9, IsFinal: true}}}
	secondary := &sttmock.Recognizer{}

	fb := NewRecognizerFallback(primary, "whisper", testCfg)
	fb.AddFallback("openai", secondary)

	res, err := fb.Recognize(context.Background(), []byte{0, 0}, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hey astra" {
		t.Errorf("text = %q", res.Text)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestRecognizerFallback_MalformedResultFailsOver(t *testing.T) {
	primary := &sttmock.Recognizer{Default: sttmock.Response{Result: stt.Result{Text: "garbled", Confidence: 7}}}
	secondary := &sttmock.Recognizer{Default: sttmock.Response{Result: stt.Result{Text: "what time is it", Confidence: 0.8, IsFinal: true}}}

	fb := NewRecognizerFallback(primary, "whisper", testCfg)
	fb.AddFallback("openai", secondary)

	res, err := fb.Recognize(context.Background(), nil, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "what time is it" {
		t.Errorf("text = %q, want fallback result", res.Text)
	}
}

func TestRecognizerFallback_AllFail(t *testing.T) {
	primary := &sttmock.Recognizer{Default: sttmock.Response{Err: errors.New("server down")}}
	fb := NewRecognizerFallback(primary, "whisper", testCfg)

	_, err := fb.Recognize(context.Background(), nil, audio.Format{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestRecognizerFallback_CancelStopsFailover(t *testing.T) {
	gate := make(chan struct{})
	primary := &sttmock.Recognizer{Default: sttmock.Response{Gate: gate}}
	secondary := &sttmock.Recognizer{}
	fb := NewRecognizerFallback(primary, "whisper", testCfg)
	fb.AddFallback("openai", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.Recognize(ctx, nil, audio.Format{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("cancellation must not fail over to the next recognizer")
	}
	if got := fb.Group().States()["whisper"]; got != StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

// ─── Synthesizer ─────────────────────────────────────────────────────────────

func TestSynthesizerFallback_Failover(t *testing.T) {
	primary := &ttsmock.Synthesizer{Errors: map[string]error{"hello": errors.New("quota exceeded")}}
	secondary := &ttsmock.Synthesizer{}

	fb := NewSynthesizerFallback(primary, "elevenlabs", testCfg)
	fb.AddFallback("piper", secondary)

	out, err := fb.Synthesize(context.Background(), "hello", tts.VoiceParams{VoiceID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.PCM) == 0 {
		t.Error("expected audio from fallback")
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("secondary calls = %v", got)
	}
}

func TestSynthesizerFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Synthesizer{Voices: []tts.Voice{{ID: "amy", Provider: "piper"}}}
	fb := NewSynthesizerFallback(primary, "piper", testCfg)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "amy" {
		t.Errorf("voices = %+v", voices)
	}
}

// ─── LLM ─────────────────────────────────────────────────────────────────────

func TestLLMFallback_Failover(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("rate limited")}
	secondary := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Sure."}}

	fb := NewLLMFallback(primary, "openrouter", testCfg)
	fb.AddFallback("ollama", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "tell me a joke"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Sure." {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 and 1", primary.CallCount(), secondary.CallCount())
	}
	if names := fb.Group().Names(); len(names) != 2 || names[0] != "openrouter" {
		t.Errorf("names = %v", names)
	}
}
