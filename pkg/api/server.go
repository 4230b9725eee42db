// Package api serves the health and metrics HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/metrics"
	"github.com/cptnfren/teltubby/pkg/quota"
)

// Config configures the HTTP listener.
type Config struct {
	// Port is the listen port.
	Port int

	// LocalhostOnly binds the listener to 127.0.0.1.
	LocalhostOnly bool
}

// Options wires the status sources. Nil fields are reported as absent.
type Options struct {
	// Quota supplies the gate snapshot.
	Quota *quota.Gate

	// QueueDepth returns the ready message count of the job queue.
	QueueDepth func() (int, error)

	// SessionHeld reports whether the worker is holding on session
	// health (worker process only).
	SessionHeld func() bool

	// Webhook, when set, is mounted at /telegram/webhook (bot process in
	// webhook mode).
	Webhook http.Handler

	// Version is reported in the health payload.
	Version string
}

// healthPayload is the /healthz response body.
type healthPayload struct {
	Status     string  `json:"status"`
	Version    string  `json:"version,omitempty"`
	QuotaState string  `json:"quota_state,omitempty"`
	QuotaRatio float64 `json:"quota_ratio,omitempty"`
	QueueDepth *int    `json:"queue_depth,omitempty"`
	SessionOK  *bool   `json:"session_ok,omitempty"`
}

// Server is the health/metrics HTTP server.
type Server struct {
	cfg  Config
	opts Options
	http *http.Server
}

// New builds the server and its routes.
func New(cfg Config, opts Options) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8081
	}

	s := &Server{cfg: cfg, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)

	if metrics.IsEnabled() {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	if opts.Webhook != nil {
		r.Method(http.MethodPost, "/telegram/webhook", opts.Webhook)
	}

	host := ""
	if cfg.LocalhostOnly {
		host = "127.0.0.1"
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler exposes the router (used by tests).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	logger.Info("health endpoint listening",
		logger.KeyComponent, "api",
		"addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{Status: "ok", Version: s.opts.Version}

	if s.opts.Quota != nil {
		snap := s.opts.Quota.Snapshot(r.Context())
		payload.QuotaState = string(snap.State)
		if snap.RatioKnown {
			payload.QuotaRatio = snap.Ratio
		}
		if snap.State == quota.StateClosed {
			payload.Status = "degraded"
		}
	}

	if s.opts.QueueDepth != nil {
		if depth, err := s.opts.QueueDepth(); err == nil {
			payload.QueueDepth = &depth
		} else {
			logger.Warn("failed to read queue depth", logger.Err(err))
		}
	}

	if s.opts.SessionHeld != nil {
		ok := !s.opts.SessionHeld()
		payload.SessionOK = &ok
		if !ok {
			payload.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if payload.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("failed to encode health payload", logger.Err(err))
	}
}
