// Package server implements the HTTP surface of the feed service.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/app"
	"github.com/eugener/xmlfetch/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// FeedReader is the feed surface the HTTP layer serves. *app.FeedService
// implements it.
type FeedReader interface {
	Fetch(ctx context.Context, name string) (*xmlfetch.Document, error)
	Refresh(ctx context.Context) error
	Snapshots(ctx context.Context, name string, limit int) ([]xmlfetch.Snapshot, error)
	Feeds(ctx context.Context) ([]app.FeedStatus, error)
}

// Authenticator validates the credentials on a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Feeds          FeedReader
	Auth           Authenticator      // nil = open API
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(s.authenticate)
		}
		r.Get("/feeds", s.handleListFeeds)
		r.Get("/feeds/{name}", s.handleFetchFeed)
		r.Get("/feeds/{name}/snapshots", s.handleListSnapshots)
		r.Post("/refresh", s.handleRefresh)
	})

	return r
}

type server struct {
	deps Deps
}
