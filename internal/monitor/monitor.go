// Package monitor serves the device's HTTP side: liveness and readiness
// probes, the Prometheus scrape endpoint, and the websocket conversation
// view. It listens only when server.listen_addr is configured; a robot with
// no network observer runs fine without it.
//
//   - /healthz — liveness; 200 while the process can serve HTTP.
//   - /readyz  — readiness; 200 only when every registered check passes,
//     503 with per-check detail otherwise.
//   - /metrics — Prometheus scrape of the turn instruments.
//   - /ws      — committed-turn stream for a browser or phone on the
//     robot's network, mounted when a conversation surface is configured.
//
// Probe responses are JSON with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the result of each named check.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lingobotics/lingo/internal/observe"
)

const (
	// checkTimeout is the maximum time a single readiness check may take
	// before its context is cancelled.
	checkTimeout = 5 * time.Second

	// shutdownTimeout bounds the connection drain when Run's context ends.
	shutdownTimeout = 5 * time.Second

	// readHeaderTimeout guards the listener against stalled clients.
	readHeaderTimeout = 10 * time.Second
)

// Checker is a named readiness check. Check returns nil when the dependency
// could serve a turn right now and an error describing the failure
// otherwise. It must respect context cancellation.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "head", "archive").
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz probes. Safe for concurrent use;
// the check list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// NewHandler creates a Handler that evaluates the given checks, in order, on
// each /readyz request.
func NewHandler(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. A process that can serve HTTP is alive, so
// it always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe: 200 only when every check passes. Checks
// run sequentially, each under a checkTimeout deadline derived from the
// request context, so a wedged dependency cannot hold the probe forever.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Config configures the monitor server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8090".
	Addr string

	// Checkers are evaluated by /readyz, in order.
	Checkers []Checker

	// Conversation, when set, is mounted at /ws. Pass the display hub.
	Conversation http.Handler

	// Metrics instruments served requests. Nil means the shared default
	// set.
	Metrics *observe.Metrics
}

// Server ties the probes, the Prometheus endpoint, and the conversation
// websocket to one listener.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// New binds the listen address and builds the route table. The port is
// claimed here so a configuration mistake surfaces at startup, not at the
// first scrape.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("monitor: listen address must not be empty")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	NewHandler(cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Conversation != nil {
		mux.Handle("GET /ws", cfg.Conversation)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("monitor: listen on %q: %w", cfg.Addr, err)
	}

	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           observe.Middleware(m)(mux),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

// Addr returns the bound listen address, with the real port when the
// configuration asked for :0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Run serves until ctx is cancelled, then drains open connections for up to
// shutdownTimeout. It returns ctx.Err() after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	slog.Info("monitor: serving", "addr", s.Addr())

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: serve: %w", err)
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("monitor: shutdown: %w", err)
	}
	<-errCh
	return ctx.Err()
}
