// Package command turns a recognized command into a spoken reply.
//
// A [Router] tries its intents in registration order; each intent is a
// case-insensitive regular expression anchored at the start of the command,
// and named groups become handler parameters. Text that no intent matches is
// answered by the LLM fallback, or by the offline reply when no model is
// configured or offline-first mode is on.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/astra/internal/dispatch"
	"github.com/MrWong99/astra/internal/observe"
	"github.com/MrWong99/astra/pkg/provider/llm"
)

var _ dispatch.Dispatcher = (*Router)(nil)

const (
	// DefaultSystemPrompt frames the LLM fallback.
	DefaultSystemPrompt = `You are Astra, an advanced AI assistant focused on productivity and efficiency.
You are helpful, professional, and direct in your responses.
You prioritize offline-first solutions when available.
Your replies are spoken aloud, so keep them short and avoid markup.`

	// DefaultOfflineReply answers unmatched commands without a model.
	DefaultOfflineReply = "I apologize, but I'm currently operating in offline mode and cannot process complex queries."

	// DefaultTemperature and DefaultMaxTokens shape the LLM fallback.
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Match is the parsed form of a command handed to a handler.
type Match struct {
	// Text is the full command.
	Text string

	// Intent is the name of the matched intent.
	Intent string

	// Params holds the named groups of the intent pattern that matched.
	Params map[string]string
}

// HandlerFunc produces the reply for a matched intent.
type HandlerFunc func(ctx context.Context, m Match) (string, error)

type intent struct {
	name    string
	pattern *regexp.Regexp
	handle  HandlerFunc
}

// Config holds the router settings.
type Config struct {
	// Name is the assistant's name used in greetings. Default "Astra".
	Name string

	// SystemPrompt frames the LLM fallback. Empty uses DefaultSystemPrompt.
	SystemPrompt string

	// OfflineFirst keeps unmatched commands away from the LLM.
	OfflineFirst bool

	// OfflineReply answers unmatched commands without a model. Empty uses
	// DefaultOfflineReply.
	OfflineReply string

	// Apology replaces the reply when a handler or the model fails. Empty
	// uses dispatch.DefaultApology.
	Apology string

	// Location is the time zone for time and date replies. Nil means UTC.
	Location *time.Location

	// Use24Hour formats times as 15:04 instead of 03:04 PM.
	Use24Hour bool

	// Temperature and MaxTokens shape the LLM fallback. Zero uses the
	// defaults.
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "Astra"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.OfflineReply == "" {
		c.OfflineReply = DefaultOfflineReply
	}
	if c.Apology == "" {
		c.Apology = dispatch.DefaultApology
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Option configures a [Router].
type Option func(*Router)

// WithLLM sets the fallback model.
func WithLLM(p llm.Provider) Option {
	return func(r *Router) { r.llm = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router dispatches commands to intents and the LLM fallback. It is safe for
// concurrent use.
type Router struct {
	llm     llm.Provider
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.RWMutex
	cfg     Config
	intents []intent
}

// NewRouter creates a Router with the built-in intents registered.
func NewRouter(cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.registerBuiltins()
	return r
}

// UpdateConfig replaces the router settings.
func (r *Router) UpdateConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
}

func (r *Router) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Register adds an intent after the existing ones. pattern is matched
// case-insensitively against the start of the command.
func (r *Router) Register(name, pattern string, h HandlerFunc) error {
	if name == "" || h == nil {
		return errors.New("command: intent needs a name and a handler")
	}
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)`)
	if err != nil {
		return fmt.Errorf("command: intent %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent{name: name, pattern: re, handle: h})
	return nil
}

// Intents returns the registered intent names in match order.
func (r *Router) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.intents))
	for i, in := range r.intents {
		names[i] = in.name
	}
	return names
}

// Dispatch implements [dispatch.Dispatcher]. A failing handler or model
// yields the apology with Success false together with the error.
func (r *Router) Dispatch(ctx context.Context, text string) (dispatch.Response, error) {
	text = strings.TrimSpace(text)
	cfg := r.config()

	if m, h, ok := r.match(text); ok {
		ctx, span := observe.StartSpan(ctx, "command.intent",
			trace.WithAttributes(attribute.String("command.intent", m.Intent)),
		)
		defer span.End()

		reply, err := h(ctx, m)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "intent failed")
			return dispatch.Response{Text: cfg.Apology}, fmt.Errorf("command: intent %s: %w", m.Intent, err)
		}
		slog.Debug("command: intent handled", "intent", m.Intent)
		return dispatch.Response{Success: true, Text: reply}, nil
	}

	if cfg.OfflineFirst || r.llm == nil {
		slog.Debug("command: no intent matched, replying offline", "offline_first", cfg.OfflineFirst)
		return dispatch.Response{Text: cfg.OfflineReply}, nil
	}
	return r.complete(ctx, cfg, text)
}

func (r *Router) match(text string) (Match, HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.intents {
		sub := in.pattern.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		params := make(map[string]string)
		for i, name := range in.pattern.SubexpNames() {
			if name != "" && i < len(sub) {
				params[name] = strings.TrimSpace(strings.TrimRight(sub[i], ".?!"))
			}
		}
		return Match{Text: text, Intent: in.name, Params: params}, in.handle, true
	}
	return Match{}, nil, false
}

func (r *Router) complete(ctx context.Context, cfg Config, text string) (dispatch.Response, error) {
	ctx, span := observe.StartSpan(ctx, "command.llm")
	defer span.End()

	start := time.Now()
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	r.metrics.LLMDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return dispatch.Response{Text: cfg.Apology}, fmt.Errorf("command: llm fallback: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.Int("llm.total_tokens", resp.Usage.TotalTokens),
	)
	if reply == "" {
		return dispatch.Response{Text: cfg.Apology}, errors.New("command: llm fallback: empty reply")
	}
	return dispatch.Response{Success: true, Text: reply}, nil
}
