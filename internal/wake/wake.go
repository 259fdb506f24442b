// Package wake implements the wake-word gate: it decides whether a recognized
// utterance arms the assistant, is the command that follows, or is ignored.
//
// A heard utterance matches a wake phrase when, after normalization, it
// consists of any run of allowed prefix words (greetings such as "hey" or
// "okay") followed by the phrase's core words. The core of "hey astra" is
// "astra", so "hey astra", "okay hey astra" and "hello astra" all match.
//
// Core words are compared with a phonetic tolerance: a heard word matches a
// phrase word when both are equal, or when their Double Metaphone codes
// intersect and their Jaro-Winkler similarity reaches the fuzzy threshold.
// This absorbs common recognizer misspellings ("astro", "astrah") without
// accepting unrelated words ("astronaut").
package wake

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/astra/pkg/provider/stt"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultPhrase              = "hey astra"
	DefaultConfidenceThreshold = 0.6
	DefaultFuzzyThreshold      = 0.85
)

// DefaultPrefixes are the greeting words allowed before a wake phrase.
var DefaultPrefixes = []string{"hey", "hi", "hello", "ok", "okay"}

// Mode is the session mode the gate evaluates a result in.
type Mode int

const (
	ModeIdle Mode = iota
	ModeArmed
	ModeProcessing
	ModeSpeaking
)

// String returns the lower-case name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeArmed:
		return "armed"
	case ModeProcessing:
		return "processing"
	case ModeSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Decision is the outcome of evaluating one recognition result.
type Decision int

const (
	Ignore Decision = iota
	WakePhrase
	Command
)

// String returns the name of the decision.
func (d Decision) String() string {
	switch d {
	case Ignore:
		return "ignore"
	case WakePhrase:
		return "wake_phrase"
	case Command:
		return "command"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Config holds the gate's tunables. All fields can be changed at runtime
// through [Gate.Update].
type Config struct {
	// Phrases are the accepted wake phrases. At least one is required.
	Phrases []string

	// Prefixes are words that may precede a phrase. Nil uses
	// DefaultPrefixes; an empty non-nil slice allows none.
	Prefixes []string

	// ConfidenceThreshold is the minimum recognition confidence for a wake
	// phrase, in [0, 1].
	ConfidenceThreshold float32

	// FuzzyThreshold is the minimum Jaro-Winkler similarity for a phonetic
	// word match, in (0, 1]. 1 requires exact words. Zero uses
	// DefaultFuzzyThreshold.
	FuzzyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Prefixes == nil {
		c.Prefixes = DefaultPrefixes
	}
	if c.FuzzyThreshold == 0 {
		c.FuzzyThreshold = DefaultFuzzyThreshold
	}
	return c
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if len(c.Phrases) == 0 {
		errs = append(errs, errors.New("wake: at least one phrase is required"))
	}
	for i, p := range c.Phrases {
		if len(Tokens(p)) == 0 {
			errs = append(errs, fmt.Errorf("wake: phrase %d (%q) is empty after normalization", i, p))
		}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake: confidence threshold %v out of range [0, 1]", c.ConfidenceThreshold))
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake: fuzzy threshold %v out of range [0, 1]", c.FuzzyThreshold))
	}
	return errors.Join(errs...)
}

// phrase is a compiled wake phrase.
type phrase struct {
	text string
	core []string
}

// compiled is an immutable snapshot of the gate configuration.
type compiled struct {
	phrases    []phrase
	prefixes   map[string]struct{}
	confidence float32
	matcher    *matcher
}

func compile(cfg Config) (*compiled, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &compiled{
		prefixes:   make(map[string]struct{}, len(cfg.Prefixes)),
		confidence: cfg.ConfidenceThreshold,
		matcher:    newMatcher(cfg.FuzzyThreshold),
	}
	for _, p := range cfg.Prefixes {
		for _, tok := range Tokens(p) {
			c.prefixes[tok] = struct{}{}
		}
	}
	for _, p := range cfg.Phrases {
		toks := Tokens(p)
		core := toks
		for len(core) > 1 {
			if _, ok := c.prefixes[core[0]]; !ok {
				break
			}
			core = core[1:]
		}
		c.phrases = append(c.phrases, phrase{text: strings.Join(toks, " "), core: core})
	}
	return c, nil
}

// Gate evaluates recognition results against the wake configuration. It is
// safe for concurrent use; Update swaps the configuration atomically.
type Gate struct {
	cfg atomic.Pointer[compiled]
}

// NewGate compiles cfg into a Gate.
func NewGate(cfg Config) (*Gate, error) {
	c, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	g := &Gate{}
	g.cfg.Store(c)
	return g, nil
}

// Update replaces the configuration. On error the previous configuration
// stays in effect.
func (g *Gate) Update(cfg Config) error {
	c, err := compile(cfg)
	if err != nil {
		return err
	}
	g.cfg.Store(c)
	return nil
}

// Evaluate classifies res in the given mode.
//
//   - Idle: WakePhrase when the text matches a phrase and the confidence
//     meets the threshold, otherwise Ignore.
//   - Armed: Command for any non-empty text, Ignore for empty text.
//   - Processing and Speaking: always Ignore.
func (g *Gate) Evaluate(res stt.Result, mode Mode) Decision {
	switch mode {
	case ModeIdle:
		c := g.cfg.Load()
		if res.Confidence < c.confidence {
			return Ignore
		}
		if _, ok := c.match(Tokens(res.Text)); ok {
			return WakePhrase
		}
		return Ignore
	case ModeArmed:
		if strings.TrimSpace(res.Text) == "" {
			return Ignore
		}
		return Command
	default:
		return Ignore
	}
}

// Match reports which configured phrase text matches, ignoring confidence.
func (g *Gate) Match(text string) (string, bool) {
	return g.cfg.Load().match(Tokens(text))
}

// match tries every suffix of heard that follows a run of prefix words.
func (c *compiled) match(heard []string) (string, bool) {
	if len(heard) == 0 {
		return "", false
	}
	for start := 0; start < len(heard); start++ {
		if start > 0 {
			if _, ok := c.prefixes[heard[start-1]]; !ok {
				break
			}
		}
		rest := heard[start:]
		for _, p := range c.phrases {
			if c.matcher.matchTokens(rest, p.core) {
				return p.text, true
			}
		}
	}
	return "", false
}

// Tokens normalizes text into lower-case words: punctuation is dropped,
// apostrophes are removed inside words, and whitespace is collapsed.
func Tokens(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}
