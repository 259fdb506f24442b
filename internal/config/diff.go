package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; audio devices and
// providers need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeChanged is true if phrases, prefixes, thresholds, arm timeout or
	// acknowledgement changed.
	WakeChanged bool

	VoiceChanged     bool
	AssistantChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied live.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.WakeChanged && !d.VoiceChanged && !d.AssistantChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.WakeChanged = !wakeEqual(old.Wake, new.Wake)
	d.VoiceChanged = old.Voice != new.Voice
	d.AssistantChanged = old.Assistant != new.Assistant

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Listen != new.Listen {
		d.RestartRequired = append(d.RestartRequired, "listen")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

func wakeEqual(a, b WakeConfig) bool {
	return slices.Equal(a.Phrases, b.Phrases) &&
		slices.Equal(a.Prefixes, b.Prefixes) &&
		(a.Prefixes == nil) == (b.Prefixes == nil) &&
		a.ConfidenceThreshold == b.ConfidenceThreshold &&
		a.FuzzyThreshold == b.FuzzyThreshold &&
		a.ArmTimeout == b.ArmTimeout &&
		a.Acknowledgement == b.Acknowledgement
}

func providersEqual(a, b ProvidersConfig) bool {
	eq := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL &&
			x.Model == y.Model && len(x.Options) == len(y.Options)
	}
	return slices.EqualFunc(a.entriesValue(), b.entriesValue(), eq)
}

func (p ProvidersConfig) entriesValue() []ProviderEntry {
	out := []ProviderEntry{p.STT, p.TTS, p.LLM}
	out = append(out, p.STTFallbacks...)
	out = append(out, p.TTSFallbacks...)
	return append(out, p.LLMFallbacks...)
}
