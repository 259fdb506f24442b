// Package health provides HTTP liveness and readiness handlers for the
// operator endpoint.
//
//   - /healthz: liveness check; always 200 while the process serves HTTP. The
//     body carries informational fields such as the dispatcher state.
//   - /readyz: readiness check; 200 only when every registered [Checker]
//     passes (provider circuits, journal connectivity).
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key in the JSON "checks" map (e.g. "stt", "journal").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Group is implemented by provider fallback groups.
type Group interface {
	// Healthy reports whether at least one provider's circuit is not open.
	Healthy() bool
}

// ErrNoHealthyProvider is reported by [GroupChecker] when every provider in
// the group has an open circuit breaker.
var ErrNoHealthyProvider = errors.New("no healthy provider")

// GroupChecker returns a Checker that fails while g has no usable provider.
func GroupChecker(name string, g Group) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !g.Healthy() {
			return ErrNoHealthyProvider
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Info   map[string]string `json:"info,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	info     func() map[string]string
}

// Option configures a Handler.
type Option func(*Handler)

// WithInfo adds the map returned by fn to every /healthz response.
func WithInfo(fn func() map[string]string) Option {
	return func(h *Handler) { h.info = fn }
}

// New creates a Handler that evaluates checkers concurrently on each
// /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.info != nil {
		res.Info = h.info()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when every checker passes. Each checker gets a
// context with a [checkTimeout] deadline derived from the request.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
