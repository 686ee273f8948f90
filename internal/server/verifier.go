package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/metrics"
)

// Verifier serves the verifier's public surface: its actor document with the
// envelope-signing key, the discovery endpoints, and status counters.
type Verifier struct {
	cfg    *config.Verifier
	events *metrics.EventCounter
	router *chi.Mux
}

// NewVerifier creates the verifier HTTP server.
func NewVerifier(cfg *config.Verifier, events *metrics.EventCounter, keyPair *ap.KeyPair) *Verifier {
	s := &Verifier{cfg: cfg, events: events}
	s.router = s.buildRouter(keyPair)
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Verifier) Start(ctx context.Context) {
	serve(ctx, "verifier", s.cfg.Port, s.router)
}

// Handler exposes the router, mainly for tests.
func (s *Verifier) Handler() http.Handler { return s.router }

func (s *Verifier) buildRouter(keyPair *ap.KeyPair) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	actor := newServiceActor(s.cfg.LocalDomain, actorUsername(s.cfg.ActorURI), s.cfg.ActorName, s.cfg.ActorKeyPath, keyPair)
	actor.mount(r)

	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", s.handleRoot)

	return r
}

// actorUsername derives the webfinger username from the actor URI path,
// falling back to "verifier" for bare or root paths.
func actorUsername(actorURI string) string {
	u, err := url.Parse(actorURI)
	if err != nil {
		return "verifier"
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return "verifier"
	}
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func (s *Verifier) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"total":   s.events.TotalStats(),
		"current": s.events.Stats(),
	}, http.StatusOK)
}

func (s *Verifier) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "fedivet verifier — independent actor key attestation\n\n")
	fmt.Fprintf(w, "actor: %s\n", s.cfg.ActorURI)
}
