// Package health provides the HTTP health endpoints of the voice server.
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every [Checker] passes and the
//     server is not draining.
//   - /health: a summary of the service (active sessions, error count,
//     upstream model).
//   - /errors: the most recent recorded errors.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// errDraining is reported by /readyz once [Handler.SetDraining] was called.
var errDraining = errors.New("server is shutting down")

// Checker is a named readiness check. Check returns nil when the dependency is
// healthy.
type Checker struct {
	// Name appears as a key in the /readyz response, e.g. "upstream".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Summary is the body of the /health endpoint.
type Summary struct {
	Status             string `json:"status"`
	ActiveSessions     int    `json:"active_sessions"`
	TotalErrors        int    `json:"total_errors"`
	UpstreamConfigured bool   `json:"upstream_configured"`
	Provider           string `json:"provider,omitempty"`
	Model              string `json:"model,omitempty"`
}

// result is the JSON response body for /healthz and /readyz.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds readiness checks.
func WithChecker(c ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c...) }
}

// WithSummary sets the function that fills the /health response. Status is
// overwritten by the handler.
func WithSummary(fn func() Summary) Option {
	return func(h *Handler) { h.summary = fn }
}

// WithRecentErrors sets the function whose result /errors serves.
func WithRecentErrors(fn func() any) Option {
	return func(h *Handler) { h.recent = fn }
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	summary  func() Summary
	recent   func() any
	draining atomic.Bool
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining makes /readyz fail so load balancers stop routing new sessions
// while existing ones finish.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)
			if err == nil {
				err = ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	if h.draining.Load() {
		checks["server"] = "fail: " + errDraining.Error()
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// Health serves the service summary.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	var s Summary
	if h.summary != nil {
		s = h.summary()
	}
	s.Status = "healthy"
	if h.draining.Load() {
		s.Status = "draining"
	}
	writeJSON(w, http.StatusOK, s)
}

// Errors serves the recent error list.
func (h *Handler) Errors(w http.ResponseWriter, _ *http.Request) {
	var v any = []any{}
	if h.recent != nil {
		v = h.recent()
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": v})
}

// Register adds all health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /errors", h.Errors)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
