package app_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/astra/internal/app"
	"github.com/MrWong99/astra/internal/config"
	"github.com/MrWong99/astra/internal/dispatch"
	"github.com/MrWong99/astra/internal/event"
	eventmock "github.com/MrWong99/astra/internal/event/mock"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/pkg/audio"
	audiomock "github.com/MrWong99/astra/pkg/audio/mock"
	journalmock "github.com/MrWong99/astra/pkg/journal/mock"
	"github.com/MrWong99/astra/pkg/provider/stt"
	sttmock "github.com/MrWong99/astra/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/astra/pkg/provider/tts/mock"
)

const testYAML = `
server:
  log_level: info
audio:
  sample_rate: 16000
  channels: 1
  frame_ms: 20
listen:
  activity_window: 3
  silence_timeout: 100ms
  min_utterance: 40ms
  max_utterance: 2s
wake:
  phrases: ["hey astra"]
  acknowledgement: ""
providers:
  stt: {name: whisper}
  tts: {name: piper}
assistant:
  timezone: UTC
`

var format = audio.Format{SampleRate: 16000, Channels: 1}

// testConfig parses testYAML with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func recognized(text string) sttmock.Response {
	return sttmock.Response{Result: stt.Result{Text: text, Confidence: 0.9, IsFinal: true}}
}

// frame returns one 20 ms frame of constant amplitude.
func frame(amplitude int16) []byte {
	pcm := make([]byte, format.Bytes(20*time.Millisecond))
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amplitude))
	}
	return pcm
}

// speak emits a loud burst followed by enough silence to close the utterance.
func speak(t *testing.T, src *audiomock.Source) {
	t.Helper()
	for range 10 {
		src.Emit(frame(8000))
	}
	for range 10 {
		src.Emit(frame(0))
	}
}

type harness struct {
	app     *app.App
	src     *audiomock.Source
	sink    *audiomock.Sink
	stt     *sttmock.Recognizer
	tts     *ttsmock.Synthesizer
	journal *journalmock.Store
	events  *eventmock.Sink
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, responses ...sttmock.Response) *harness {
	t.Helper()
	h := &harness{
		src:     audiomock.NewSource(format),
		sink:    audiomock.NewSink(format),
		stt:     &sttmock.Recognizer{Responses: responses},
		tts:     &ttsmock.Synthesizer{},
		journal: &journalmock.Store{},
		events:  &eventmock.Sink{},
	}
	clock := func() time.Time { return time.Date(2026, 10, 16, 14, 5, 0, 0, time.UTC) }

	a, err := app.New(testConfig(t), &app.Providers{
		Source:  h.src,
		Sink:    h.sink,
		STT:     h.stt,
		TTS:     h.tts,
		Journal: h.journal,
	},
		app.WithMetrics(testMetrics(t)),
		app.WithClock(clock),
		app.WithEventSink(h.events),
		app.WithSessionID("test-session"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.app.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !h.src.Running() {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func (h *harness) states() []string {
	var out []string
	for _, e := range h.events.Events() {
		if e.Kind == event.StateChanged {
			out = append(out, e.To)
		}
	}
	return out
}

func waitState(t *testing.T, a *app.App, want dispatch.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", a.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(testConfig(t), &app.Providers{})
	if err == nil {
		t.Fatal("expected error for empty providers")
	}
	for _, want := range []string{"audio source", "audio sink", "stt", "tts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNew_BadTimezone(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Assistant.Timezone = "Mars/Olympus"
	_, err := app.New(cfg, &app.Providers{
		Source: audiomock.NewSource(format),
		Sink:   audiomock.NewSink(format),
		STT:    &sttmock.Recognizer{},
		TTS:    &ttsmock.Synthesizer{},
	}, app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

// ─── Pipeline scenarios ──────────────────────────────────────────────────────

func TestRun_WakeThenCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("hey astra"), recognized("what time is it"))
	h.start(t)

	speak(t, h.src)
	waitState(t, h.app, dispatch.Armed)

	speak(t, h.src)
	if !h.events.WaitFor(event.PlaybackCompleted, 1, 2*time.Second) {
		t.Fatalf("reply never played; events: %v", h.events.Kinds())
	}
	waitState(t, h.app, dispatch.Idle)

	want := []string{"armed", "processing", "speaking", "idle"}
	if got := h.states(); !slices.Equal(got, want) {
		t.Errorf("state transitions = %v, want %v", got, want)
	}
	if n := h.events.Count(event.CommandDispatched); n != 1 {
		t.Errorf("CommandDispatched = %d, want 1", n)
	}
	texts := h.tts.Texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "02:05 PM") {
		t.Errorf("synthesized %q, want one time reply", texts)
	}
	if h.sink.BytesWritten() == 0 {
		t.Error("nothing written to the sink")
	}
	if n := h.stt.CallCount(); n != 2 {
		t.Errorf("recognizer calls = %d, want 2", n)
	}

	h.stop(t)
	var kinds []string
	for _, e := range h.journal.Entries() {
		if e.SessionID != "test-session" {
			t.Errorf("journal entry session = %q", e.SessionID)
		}
		kinds = append(kinds, e.Kind)
	}
	for _, want := range []event.Kind{event.WakeDetected, event.CommandDispatched, event.PlaybackCompleted} {
		if !slices.Contains(kinds, string(want)) {
			t.Errorf("journal is missing %s; got %v", want, kinds)
		}
	}
}

func TestRun_SpeechWithoutWakePhraseIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("what time is it"), recognized("turn on the lights"))
	h.start(t)

	speak(t, h.src)
	speak(t, h.src)

	deadline := time.Now().Add(2 * time.Second)
	for h.stt.CallCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("recognizer calls = %d, want 2", h.stt.CallCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Let the coordinator see both outcomes.
	time.Sleep(50 * time.Millisecond)

	if got := h.app.State(); got != dispatch.Idle {
		t.Errorf("state = %s, want idle", got)
	}
	if n := h.events.Count(event.CommandDispatched); n != 0 {
		t.Errorf("CommandDispatched = %d, want 0", n)
	}
	if texts := h.tts.Texts(); len(texts) != 0 {
		t.Errorf("synthesized %q, want nothing", texts)
	}
}

func TestRun_DeviceFaultResetsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("hey astra"))
	h.start(t)

	speak(t, h.src)
	waitState(t, h.app, dispatch.Armed)

	h.src.Fault(errors.New("usb unplugged"))
	if !h.events.WaitFor(event.DeviceFault, 1, 2*time.Second) {
		t.Fatal("DeviceFault not emitted")
	}
	waitState(t, h.app, dispatch.Idle)
}

func TestRun_PlaybackDeviceFaultResetsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("hey astra"), recognized("what time is it"))
	h.sink.SetWriteError(audio.NewDeviceFault("playback", errors.New("speaker unplugged")))
	h.start(t)

	speak(t, h.src)
	waitState(t, h.app, dispatch.Armed)
	speak(t, h.src)

	if !h.events.WaitFor(event.DeviceFault, 1, 2*time.Second) {
		t.Fatalf("DeviceFault not emitted; events: %v", h.events.Kinds())
	}
	waitState(t, h.app, dispatch.Idle)
	time.Sleep(50 * time.Millisecond)

	if n := h.events.Count(event.DeviceFault); n != 1 {
		t.Errorf("DeviceFault events = %d, want 1", n)
	}
	var failed int
	for _, e := range h.events.Events() {
		if e.Kind == event.PlaybackFailed {
			failed++
			if !errors.Is(e.Err, audio.ErrDeviceFault) {
				t.Errorf("PlaybackFailed err = %v, want device fault", e.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("PlaybackFailed events = %d, want 1", failed)
	}
	if !h.src.Running() {
		t.Error("capture stopped by a playback fault")
	}
}

// orderedSource reports Stop calls to log before stopping the mock.
type orderedSource struct {
	*audiomock.Source
	log func(string)
}

func (s orderedSource) Stop() error {
	s.log("capture stopped")
	return s.Source.Stop()
}

func TestRun_ShutdownStopsCaptureBeforePlayback(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	recorded := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}

	src := orderedSource{Source: audiomock.NewSource(format), log: record}
	sink := audiomock.NewSink(format)
	sink.WriteDelay = 5 * time.Second
	events := &eventmock.Sink{}
	a, err := app.New(testConfig(t), &app.Providers{
		Source: src,
		Sink:   sink,
		STT:    &sttmock.Recognizer{Responses: []sttmock.Response{recognized("hey astra"), recognized("what time is it")}},
		TTS:    &ttsmock.Synthesizer{},
	},
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(event.Multi(events, event.SinkFunc(func(e event.Event) {
			if e.Kind == event.PlaybackFailed && e.Reason == event.ReasonCancelled {
				record("playback cancelled")
			}
		}))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for !src.Running() {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	speak(t, src.Source)
	waitState(t, a, dispatch.Armed)
	speak(t, src.Source)
	if !events.WaitFor(event.PlaybackStarted, 1, 2*time.Second) {
		t.Fatalf("reply never started; events: %v", events.Kinds())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if src.Running() {
		t.Error("capture still running after Run returned")
	}

	deadline = time.Now().Add(2 * time.Second)
	for !slices.Contains(recorded(), "playback cancelled") {
		if time.Now().After(deadline) {
			t.Fatalf("reply was not cancelled; order: %v", recorded())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := recorded(); got[0] != "capture stopped" {
		t.Errorf("shutdown order = %v, want capture stopped first", got)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRun_CaptureStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.StartError = audio.NewDeviceFault("capture", errors.New("no device"))

	err := h.app.Run(context.Background())
	if !errors.Is(err, audio.ErrDeviceFault) {
		t.Fatalf("Run error = %v, want ErrDeviceFault", err)
	}
	if n := h.events.Count(event.DeviceFault); n != 1 {
		t.Errorf("DeviceFault events = %d, want 1", n)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func TestApplyConfig_NewWakePhrase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("hey astra"), recognized("ok computer"))
	old := testConfig(t)
	next := testConfig(t)
	next.Wake.Phrases = []string{"ok computer"}
	h.app.ApplyConfig(old, next)

	h.start(t)
	speak(t, h.src)
	speak(t, h.src)

	if !h.events.WaitFor(event.WakeDetected, 1, 2*time.Second) {
		t.Fatal("reloaded wake phrase did not arm the session")
	}
	events := h.events.Events()
	for _, e := range events {
		if e.Kind == event.WakeDetected && e.Text != "ok computer" {
			t.Errorf("woke on %q, want only the reloaded phrase", e.Text)
		}
	}
}

func TestApplyConfig_VoiceChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, recognized("hey astra"), recognized("hello"))
	old := testConfig(t)
	next := testConfig(t)
	next.Voice.VoiceID = "nova"
	h.app.ApplyConfig(old, next)

	h.start(t)
	speak(t, h.src)
	waitState(t, h.app, dispatch.Armed)
	speak(t, h.src)
	if !h.events.WaitFor(event.PlaybackCompleted, 1, 2*time.Second) {
		t.Fatal("reply never played")
	}
	calls := h.tts.Calls()
	if len(calls) == 0 || calls[0].Voice.VoiceID != "nova" {
		t.Errorf("synthesis calls = %+v, want voice nova", calls)
	}
}

// ─── Operator HTTP ───────────────────────────────────────────────────────────

func TestHandler_HealthzReportsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Info   map[string]string `json:"info"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Info["state"] != "idle" || body.Info["session_id"] != "test-session" {
		t.Errorf("info = %v", body.Info)
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if h.sink.CallCountClose != 1 {
		t.Errorf("sink closed %d times, want 1", h.sink.CallCountClose)
	}
}
