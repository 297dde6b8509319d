// Package api exposes the agent's local control surface: a JSON API for
// driving the call engine, inspecting registration state and querying
// the call log. It is the process boundary the UI talks to.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/history"
	"github.com/flowpbx/flowphone/internal/sip"
	"github.com/flowpbx/flowphone/internal/telephony"
)

// Engine is the call-engine surface the API drives. *call.Session
// implements it.
type Engine interface {
	State() call.State
	Dial(target string) error
	Hangup() error
	ToggleMute() bool
	ToggleSpeaker() bool
	SendTones(digits string) error
}

// Ring is the inbound-ring surface. *ring.Receiver implements it.
type Ring interface {
	Ringing() (telephony.Invite, bool)
	Answer(sessionID string) error
	SurfaceShown() bool
}

// Decliner rejects a ringing invite. *ring.DeclineHandler implements it.
type Decliner interface {
	Decline(sessionID string) bool
}

// HistoryStore is the call-log surface. *history.Store implements it.
type HistoryStore interface {
	List(ctx context.Context, filter history.ListFilter) ([]history.Entry, int, error)
	Purge(ctx context.Context, days int) (int64, error)
}

// RegistrationStatus reports the SIP account state. *sip.Driver
// implements it.
type RegistrationStatus interface {
	RegistrationState() sip.RegSnapshot
}

// Config carries the server's dependencies. Engine, Ring and Decliner
// are required; the rest degrade gracefully when absent.
type Config struct {
	Engine       Engine
	Ring         Ring
	Decliner     Decliner
	History      HistoryStore
	Registration RegistrationStatus

	// Metrics, when set, is mounted at /metrics outside the
	// authenticated group so scrapers need no bearer token.
	Metrics http.Handler

	// Auth protects everything under /api/v1 except /health. Nil
	// disables authentication for loopback-only listeners.
	Auth *middleware.TokenAuth

	// RateLimit overrides the default per-IP limits when Rate is set.
	RateLimit middleware.RateLimitConfig
}

// Server is the control API: the chi router plus the collaborators
// the handlers drive.
type Server struct {
	router  *chi.Mux
	engine  Engine
	ring    Ring
	decline Decliner
	history HistoryStore
	reg     RegistrationStatus
	metrics http.Handler
	auth    *middleware.TokenAuth
	limiter *middleware.IPRateLimiter
	started time.Time
}

// NewServer wires the router. The zero RateLimit config selects the
// package defaults.
func NewServer(cfg Config) *Server {
	rlCfg := cfg.RateLimit
	if rlCfg.Rate == 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}

	s := &Server{
		router:  chi.NewRouter(),
		engine:  cfg.Engine,
		ring:    cfg.Ring,
		decline: cfg.Decliner,
		history: cfg.History,
		reg:     cfg.Registration,
		metrics: cfg.Metrics,
		auth:    cfg.Auth,
		limiter: middleware.NewIPRateLimiter(rlCfg),
		started: time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP hands requests to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources. The caller shuts the listener
// down separately.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes mounts the middleware stack and every endpoint group.
func (s *Server) routes() {
	r := s.router

	// Stack order matters: the request id must exist before the
	// logger and the recoverer reference it.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Reachable without a token.
		r.Get("/health", s.handleHealth)

		// Everything else sits behind the token and the rate limiter.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Use(middleware.RequireToken(s.auth))

			r.Get("/status", s.handleStatus)

			r.Route("/call", func(r chi.Router) {
				r.Get("/", s.handleCallState)
				r.Post("/dial", s.handleDial)
				r.Post("/answer", s.handleAnswer)
				r.Post("/decline", s.handleDecline)
				r.Post("/hangup", s.handleHangup)
				r.Post("/mute", s.handleToggleMute)
				r.Post("/speaker", s.handleToggleSpeaker)
				r.Post("/dtmf", s.handleSendTones)
				r.Post("/surface-shown", s.handleSurfaceShown)
			})

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleHistoryList)
				r.Delete("/", s.handleHistoryPurge)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	slog.Info("api routes mounted")
}

// handleHealth is the liveness probe; it answers without a token.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
