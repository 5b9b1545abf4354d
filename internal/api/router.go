// Package api exposes group setup, settings and control over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/device"
	"github.com/dokzlo13/groupd/internal/group"
)

// Engine is the part of the group manager served over HTTP.
type Engine interface {
	Create(ctx context.Context, req group.CreateRequest) (*group.Group, error)
	Get(id string) (*group.Group, error)
	List() []*group.Group
	Failed() map[string]string
	ApplySettings(ctx context.Context, id string, s group.Settings) (*group.Group, error)
	SetMembership(ctx context.Context, id string, devices []string, supported map[string][]string) (*group.Group, error)
	Update(ctx context.Context, id, name, class string) (*group.Group, error)
	Write(ctx context.Context, id string, values map[string]any, opts map[string]device.WriteOptions) error
	Delete(ctx context.Context, id string) error
	EligibleDevices(ctx context.Context, class string, selected []string) ([]device.Device, error)
}

// NewRouter creates a new HTTP router with all routes configured. ready
// reports whether stored groups finished starting; nil means always ready.
func NewRouter(engine Engine, ready func() bool) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	h := &handler{engine: engine}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))
		r.Use(chimw.SetHeader("Content-Type", "application/json"))

		r.Get("/groups", h.listGroups)
		r.Post("/groups", h.createGroup)
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/", h.getGroup)
			r.Patch("/", h.updateGroup)
			r.Delete("/", h.deleteGroup)
			r.Put("/settings", h.applySettings)
			r.Put("/membership", h.setMembership)
			r.Post("/capabilities", h.writeCapabilities)
		})

		r.Get("/devices", h.listDevices)
	})

	return r
}

// requestLogger logs every request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			log.Debug().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}
