package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Options struct {
	// Token protects everything but /health when set
	Token       string
	CORSOrigins []string
}

// NewRouter creates the control API router.
func NewRouter(h *Handlers, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(Logging)
	r.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.NotFound(NotFound)
	r.MethodNotAllowed(NotFound)

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Token))

		r.Get("/status", h.Status)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/run", h.Run)
		r.Post("/run_async", h.RunAsync)
		r.Post("/kill", h.Kill)
		r.Post("/reload", h.Reload)
	})

	return r
}
