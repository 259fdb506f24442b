// Command astra is the main entry point for the Astra voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/astra/internal/app"
	"github.com/MrWong99/astra/internal/config"
	"github.com/MrWong99/astra/internal/health"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/internal/resilience"
	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/audio/malgo"
	"github.com/MrWong99/astra/pkg/audio/portaudio"
	"github.com/MrWong99/astra/pkg/journal/postgres"
	"github.com/MrWong99/astra/pkg/provider/llm"
	"github.com/MrWong99/astra/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/astra/pkg/provider/llm/openai"
	"github.com/MrWong99/astra/pkg/provider/stt"
	sttopenai "github.com/MrWong99/astra/pkg/provider/stt/openai"
	"github.com/MrWong99/astra/pkg/provider/stt/whisper"
	"github.com/MrWong99/astra/pkg/provider/tts"
	"github.com/MrWong99/astra/pkg/provider/tts/coqui"
	"github.com/MrWong99/astra/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/astra/pkg/provider/tts/piper"
)

// deepSeekBaseURL is the OpenAI-compatible endpoint of DeepSeek.
const deepSeekBaseURL = "https://api.deepseek.com/v1/"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets and overrides")
	listDevices := flag.Bool("list-devices", false, "print capture and playback devices and exit")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured TTS provider and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "astra: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "astra: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "astra: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *listDevices {
		return printDevices(cfg.Audio.Backend)
	}

	slog.Info("astra starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "astra",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if *listVoices {
		return printVoices(ctx, providers.TTS)
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	closeAudio, err := openAudio(cfg.Audio, providers)
	if err != nil {
		slog.Error("failed to open audio devices", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}
	defer func() {
		if err := closeAudio(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}()

	// ── Journal (optional) ────────────────────────────────────────────────────
	if dsn := cfg.Journal.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect journal", "err", err)
			return 1
		}
		defer store.Close()
		providers.Journal = store
		providers.Checkers = append(providers.Checkers, health.Checker{Name: "journal", Check: store.Ping})
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go func() { _ = watcher.Run(ctx) }()
	}

	slog.Info("ready; say the wake phrase or press Ctrl+C to shut down", "wake_phrases", cfg.Wake.Phrases)

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// openAILLMs are served by the openai-go client with a fixed base URL.
var openAILLMs = map[string]string{
	"openai":     "",
	"deepseek":   deepSeekBaseURL,
	"openrouter": llmopenai.OpenRouterBaseURL,
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for name, baseURL := range openAILLMs {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []llmopenai.Option
			switch {
			case entry.BaseURL != "":
				opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
			case baseURL != "":
				opts = append(opts, llmopenai.WithBaseURL(baseURL))
			}
			return llmopenai.New(entry.APIKey, entry.Model, opts...)
		})
	}

	// anthropic, gemini, mistral, groq and the local servers go through
	// any-llm: optional APIKey + optional BaseURL.
	for _, providerName := range anyllm.Supported {
		if _, ok := openAILLMs[providerName]; ok {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []piper.Option
		if bin := entry.OptionString("binary"); bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		if entry.Model != "" {
			opts = append(opts, piper.WithDefaultVoice(entry.Model))
		}
		return piper.New(entry.OptionString("model_dir"), opts...)
	})

	for _, kind := range []string{"stt", "tts", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// fallbackConfig returns the breaker settings for a provider group of kind.
// Every attempt is counted in the provider metrics.
func fallbackConfig(kind string) resilience.FallbackConfig {
	m := observe.DefaultMetrics()
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(provider string, _, to resilience.State) {
				m.RecordCircuitTransition(context.Background(), provider, kind, to.String())
			},
		},
		OnResult: func(provider string, err error) {
			ctx := context.Background()
			status := "ok"
			if err != nil {
				status = "error"
				m.RecordProviderError(ctx, provider, kind)
			}
			m.RecordProviderRequest(ctx, provider, kind, status)
		},
	}
}

// buildProviders instantiates all providers named in cfg using the registry,
// wraps each kind in a fallback group and returns them in an [app.Providers]
// struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	p := cfg.Providers

	if p.STT.Name == "" {
		return nil, errors.New("providers.stt is required")
	}
	rec, err := reg.CreateSTT(p.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", p.STT.Name, err)
	}
	sttGroup := resilience.NewRecognizerFallback(rec, p.STT.Name, fallbackConfig("stt"))
	for _, fb := range p.STTFallbacks {
		r, err := reg.CreateSTT(fb)
		if err != nil {
			slog.Warn("stt fallback skipped", "name", fb.Name, "err", err)
			continue
		}
		sttGroup.AddFallback(fb.Name, r)
	}
	ps.STT = sttGroup
	ps.Checkers = append(ps.Checkers, health.GroupChecker("stt", sttGroup.Group()))
	slog.Info("provider created", "kind", "stt", "name", p.STT.Name, "fallbacks", len(p.STTFallbacks))

	if p.TTS.Name == "" {
		return nil, errors.New("providers.tts is required")
	}
	synth, err := reg.CreateTTS(p.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", p.TTS.Name, err)
	}
	ttsGroup := resilience.NewSynthesizerFallback(synth, p.TTS.Name, fallbackConfig("tts"))
	for _, fb := range p.TTSFallbacks {
		s, err := reg.CreateTTS(fb)
		if err != nil {
			slog.Warn("tts fallback skipped", "name", fb.Name, "err", err)
			continue
		}
		ttsGroup.AddFallback(fb.Name, s)
	}
	ps.TTS = ttsGroup
	ps.Checkers = append(ps.Checkers, health.GroupChecker("tts", ttsGroup.Group()))
	slog.Info("provider created", "kind", "tts", "name", p.TTS.Name, "fallbacks", len(p.TTSFallbacks))

	if name := p.LLM.Name; name != "" {
		model, err := reg.CreateLLM(p.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("llm provider not available; unmatched commands get the offline reply", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			llmGroup := resilience.NewLLMFallback(model, name, fallbackConfig("llm"))
			for _, fb := range p.LLMFallbacks {
				m, err := reg.CreateLLM(fb)
				if err != nil {
					slog.Warn("llm fallback skipped", "name", fb.Name, "err", err)
					continue
				}
				llmGroup.AddFallback(fb.Name, m)
			}
			ps.LLM = llmGroup
			ps.Checkers = append(ps.Checkers, health.GroupChecker("llm", llmGroup.Group()))
			slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(p.LLMFallbacks))
		}
	}

	return ps, nil
}

// ── Audio ─────────────────────────────────────────────────────────────────────

// openAudio opens the capture source and playback sink on the configured
// backend and stores them in ps. The returned function releases the backend.
func openAudio(ac config.AudioConfig, ps *app.Providers) (func() error, error) {
	format := audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels}

	switch ac.Backend {
	case config.BackendPortAudio:
		b, err := portaudio.New()
		if err != nil {
			return nil, err
		}
		sink, err := b.NewSink(portaudio.Config{Format: format, Device: ac.OutputDevice})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		ps.Source = b.NewSource(portaudio.Config{Format: format, FrameSize: ac.FrameSize(), Device: ac.InputDevice})
		ps.Sink = sink
		return b.Close, nil

	default:
		b, err := malgo.New()
		if err != nil {
			return nil, err
		}
		sink, err := b.NewSink(malgo.Config{Format: format, Device: ac.OutputDevice})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		ps.Source = b.NewSource(malgo.Config{Format: format, FrameSize: ac.FrameSize(), Device: ac.InputDevice})
		ps.Sink = sink
		return b.Close, nil
	}
}

// enumerator is an audio backend that can list its devices.
type enumerator interface {
	audio.Enumerator
	Close() error
}

func printDevices(backend config.AudioBackend) int {
	var (
		b   enumerator
		err error
	)
	if backend == config.BackendPortAudio {
		b, err = portaudio.New()
	} else {
		b, err = malgo.New()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra: %v\n", err)
		return 1
	}
	defer b.Close()

	for _, kind := range []audio.DeviceKind{audio.Capture, audio.Playback} {
		devs, err := b.Devices(kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "astra: list %s devices: %v\n", kind, err)
			return 1
		}
		fmt.Printf("%s devices:\n", kind)
		for _, d := range devs {
			mark := " "
			if d.Default {
				mark = "*"
			}
			fmt.Printf("  %s #%d  %s\n", mark, d.Index, d.Name)
		}
	}
	return 0
}

func printVoices(ctx context.Context, synth tts.Synthesizer) int {
	lister, ok := synth.(tts.VoiceLister)
	if !ok {
		fmt.Fprintln(os.Stderr, "astra: the configured tts provider cannot list voices")
		return 1
	}
	voices, err := lister.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra: list voices: %v\n", err)
		return 1
	}
	for _, v := range voices {
		fmt.Printf("%-24s %s\n", v.ID, v.Name)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Astra, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Audio", string(cfg.Audio.Backend), fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	if len(cfg.Wake.Phrases) > 0 {
		printProvider("Wake phrase", cfg.Wake.Phrases[0], "")
	}
	if cfg.Journal.PostgresDSN != "" {
		fmt.Printf("║  Journal         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Journal         : %-19s ║\n", "(disabled)")
	}
	if cfg.Assistant.OfflineFirst {
		fmt.Printf("║  Offline first   : %-19s ║\n", "yes")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
