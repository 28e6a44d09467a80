package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// NewRouter assembles the public HTTP surface. Health and metrics stay open;
// everything under /v1 besides healthz requires a bearer token.
func NewRouter(cfg *infra.Config, app *handlers.App, logger zerolog.Logger, lookup middleware.CountryLookup) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.I18N(cfg.DefaultLocale, lookup))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(cfg.JWTSecret))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", app.JobsCreate)
				r.Get("/", app.JobsList)
				r.Get("/{job_id}", app.JobsGet)
				r.Post("/{job_id}/cancel", app.JobsCancel)
			})

			r.Route("/workflows", func(r chi.Router) {
				r.Post("/resolve", app.WorkflowsResolve)
				r.Get("/", app.WorkflowsList)
				r.Get("/{id}", app.WorkflowsGet)
				r.Patch("/{id}", app.WorkflowsUpdate)
				r.Post("/{id}/pairs", app.WorkflowsUpsertPair)
			})

			r.Route("/credits", func(r chi.Router) {
				r.Get("/balance", app.CreditsBalance)
				r.Get("/history", app.CreditsHistory)
			})
		})
	})

	return r
}
