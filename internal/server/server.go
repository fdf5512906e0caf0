// Package server assembles the HTTP surface: health, metrics, admin and the
// catch-all fetch handler.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/52poke/shellcache/internal/admin"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Fetch      http.Handler
	Admin      *admin.Handler // nil = admin routes off
	Metrics    http.Handler   // nil = no /metrics
	ReadyCheck ReadyChecker   // nil = always ready
}

var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
)

// New creates an http.Handler with all routes wired.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writePlain(w, http.StatusOK, okBody)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.ReadyCheck != nil {
			if err := deps.ReadyCheck(r.Context()); err != nil {
				writePlain(w, http.StatusServiceUnavailable, notReadyBody)
				return
			}
		}
		writePlain(w, http.StatusOK, okBody)
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Admin != nil {
		r.Mount(admin.Prefix, deps.Admin.Routes())
	}

	r.NotFound(deps.Fetch.ServeHTTP)
	r.MethodNotAllowed(deps.Fetch.ServeHTTP)
	return r
}

func writePlain(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
