// Package health serves the liveness and readiness probes of the ops
// listener.
//
//   - /healthz: liveness; always 200 while the process can serve HTTP. The
//     body carries the current session state when a state source is set.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//     The client counts as ready while its voice session is connected.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// ErrNotConnected is reported by [SessionConnected] while no session is live.
var ErrNotConnected = errors.New("session not connected")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name is the key used in the JSON "checks" map.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// SessionConnected returns a checker named "session" that fails with
// [ErrNotConnected] whenever connected reports false. connected must be safe
// to call from the HTTP goroutine.
func SessionConnected(connected func() bool) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if !connected() {
				return ErrNotConnected
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	State  string            `json:"state,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	state    func() string
	checkers []Checker
}

// New creates a [Handler]. state may be nil; when set, its value is included
// in every response. Checkers run sequentially in the order given.
func New(state func() string, checkers ...Checker) *Handler {
	return &Handler{
		state:    state,
		checkers: append([]Checker(nil), checkers...),
	}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", State: h.currentState()})
}

// Readyz returns 200 only when every registered [Checker] passes, 503
// otherwise. Each checker gets its own [checkTimeout] deadline derived from
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{
		Status: "ok",
		State:  h.currentState(),
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
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

func (h *Handler) currentState() string {
	if h.state == nil {
		return ""
	}
	return h.state()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
