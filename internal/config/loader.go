package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai"},
	"tts": {"elevenlabs", "coqui", "piper"},
	"llm": {"openai", "deepseek", "openrouter", "anthropic", "ollama", "gemini", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults applied by [Load] and [LoadFromReader] to unset fields.
const (
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultFrameMS         = 20
	DefaultBufferFrames    = 50
	DefaultActivityWindow  = 5
	DefaultEnergyThreshold = 0.02
	DefaultSilenceTimeout  = 800 * time.Millisecond
	DefaultMinUtterance    = 250 * time.Millisecond
	DefaultMaxUtterance    = 15 * time.Second
	DefaultWakePhrase      = "hey astra"
	DefaultWakeConfidence  = 0.5
	DefaultArmTimeout      = 8 * time.Second
	DefaultAssistantName   = "Astra"
	DefaultTimezone        = "UTC"
)

// Environment variables read by [ApplyEnv].
const (
	EnvWakeWord     = "ASTRA_WAKE_WORD"
	EnvTTSVoice     = "ASTRA_TTS_VOICE"
	EnvOfflineFirst = "ASTRA_OFFLINE_FIRST"
	EnvDebug        = "ASTRA_DEBUG"
	EnvPostgresDSN  = "ASTRA_POSTGRES_DSN"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvDeepSeekKey  = "DEEPSEEK_API_KEY"
	EnvElevenLabs   = "ELEVENLABS_API_KEY"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Variables that are already set win. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. It does not consult the environment, which makes it
// convenient in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data, applies env overrides (when lookup is non-nil) and
// defaults, then validates.
func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides onto cfg. API keys only fill
// provider entries whose api_key is empty.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup(EnvWakeWord); ok && strings.TrimSpace(v) != "" {
		cfg.Wake.Phrases = nil
		for p := range strings.SplitSeq(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Wake.Phrases = append(cfg.Wake.Phrases, p)
			}
		}
	}
	if v, ok := lookup(EnvTTSVoice); ok && v != "" {
		cfg.Voice.VoiceID = v
	}
	if v, ok := lookup(EnvOfflineFirst); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", EnvOfflineFirst, v, err))
		} else {
			cfg.Assistant.OfflineFirst = b
		}
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", EnvDebug, v, err))
		} else if b {
			cfg.Server.LogLevel = LogDebug
		}
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		cfg.Journal.PostgresDSN = v
	}

	keys := map[string]string{}
	for name, env := range map[string]string{
		"openai":     EnvOpenAIKey,
		"deepseek":   EnvDeepSeekKey,
		"elevenlabs": EnvElevenLabs,
	} {
		if v, ok := lookup(env); ok && v != "" {
			keys[name] = v
		}
	}
	for _, e := range cfg.Providers.entries() {
		if e.APIKey == "" {
			e.APIKey = keys[e.Name]
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// entries returns pointers to every configured provider entry.
func (p *ProvidersConfig) entries() []*ProviderEntry {
	out := []*ProviderEntry{&p.STT, &p.TTS, &p.LLM}
	for i := range p.STTFallbacks {
		out = append(out, &p.STTFallbacks[i])
	}
	for i := range p.TTSFallbacks {
		out = append(out, &p.TTSFallbacks[i])
	}
	for i := range p.LLMFallbacks {
		out = append(out, &p.LLMFallbacks[i])
	}
	return out
}

// ApplyDefaults fills zero-valued fields with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = BackendMalgo
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.FrameMS == 0 {
		a.FrameMS = DefaultFrameMS
	}
	if a.BufferFrames == 0 {
		a.BufferFrames = DefaultBufferFrames
	}

	l := &cfg.Listen
	if l.ActivityWindow == 0 {
		l.ActivityWindow = DefaultActivityWindow
	}
	if l.ActivityThreshold == 0 {
		l.ActivityThreshold = l.ActivityWindow/2 + 1
	}
	if l.EnergyThreshold == 0 {
		l.EnergyThreshold = DefaultEnergyThreshold
	}
	if l.SilenceTimeout == 0 {
		l.SilenceTimeout = DefaultSilenceTimeout
	}
	if l.MinUtterance == 0 {
		l.MinUtterance = DefaultMinUtterance
	}
	if l.MaxUtterance == 0 {
		l.MaxUtterance = DefaultMaxUtterance
	}

	w := &cfg.Wake
	if len(w.Phrases) == 0 {
		w.Phrases = []string{DefaultWakePhrase}
	}
	if w.ConfidenceThreshold == 0 {
		w.ConfidenceThreshold = DefaultWakeConfidence
	}
	if w.ArmTimeout == 0 {
		w.ArmTimeout = DefaultArmTimeout
	}

	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = DefaultAssistantName
	}
	if cfg.Assistant.Timezone == "" {
		cfg.Assistant.Timezone = DefaultTimezone
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: malgo, portaudio", a.Backend))
	}
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.FrameMS < 0 || a.FrameMS > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [1, 1000]", a.FrameMS))
	}
	if a.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d must not be negative", a.BufferFrames))
	}

	// Listen
	l := cfg.Listen
	if l.ActivityWindow < 0 {
		errs = append(errs, fmt.Errorf("listen.activity_window %d must be positive", l.ActivityWindow))
	}
	if l.ActivityWindow > 0 && (l.ActivityThreshold*2 <= l.ActivityWindow || l.ActivityThreshold > l.ActivityWindow) {
		errs = append(errs, fmt.Errorf("listen.activity_threshold %d must be a strict majority of activity_window %d", l.ActivityThreshold, l.ActivityWindow))
	}
	if l.EnergyThreshold < 0 || l.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("listen.energy_threshold %.3f is out of range [0, 1]", l.EnergyThreshold))
	}
	if l.SilenceTimeout < 0 || l.MinUtterance < 0 || l.MaxUtterance < 0 {
		errs = append(errs, errors.New("listen: durations must not be negative"))
	}
	if l.MaxUtterance > 0 && l.MaxUtterance <= l.MinUtterance {
		errs = append(errs, fmt.Errorf("listen.max_utterance %s must exceed min_utterance %s", l.MaxUtterance, l.MinUtterance))
	}

	// Wake
	w := cfg.Wake
	for i, p := range w.Phrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d] is empty", i))
		}
	}
	if w.ConfidenceThreshold < 0 || w.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake.confidence_threshold %.2f is out of range [0, 1]", w.ConfidenceThreshold))
	}
	if w.FuzzyThreshold < 0 || w.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake.fuzzy_threshold %.2f is out of range [0, 1]", w.FuzzyThreshold))
	}
	if w.ArmTimeout < 0 {
		errs = append(errs, fmt.Errorf("wake.arm_timeout %s must not be negative", w.ArmTimeout))
	}

	// Voice
	if v := cfg.Voice.Speed; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [0.5, 2.0]", v))
	}
	if v := cfg.Voice.Pitch; v < -10 || v > 10 {
		errs = append(errs, fmt.Errorf("voice.pitch %.2f is out of range [-10, 10]", v))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("llm", p.LLM.Name)
	errs = append(errs, validateFallbacks("stt", p.STT, p.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", p.TTS, p.TTSFallbacks)...)
	errs = append(errs, validateFallbacks("llm", p.LLM, p.LLMFallbacks)...)

	// Provider availability warnings
	if p.STT.Name == "" {
		slog.Warn("providers.stt is not configured; speech will not be recognised")
	}
	if p.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies will not be spoken")
	}
	if p.LLM.Name == "" && !cfg.Assistant.OfflineFirst {
		slog.Warn("providers.llm is not configured; unmatched commands get the offline reply")
	}

	// Assistant
	if tz := cfg.Assistant.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("assistant.timezone %q: %w", tz, err))
		}
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s to be configured", kind, kind))
	}
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
