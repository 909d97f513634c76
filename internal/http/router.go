package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/iago/erpnext-dispatch/internal/http/handlers"
	"github.com/iago/erpnext-dispatch/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
	// Context stops background middleware work such as the rate limit sweep.
	Context context.Context
}

func NewRouter(deps RouterDependencies) http.Handler {
	ctx := deps.Context
	if ctx == nil {
		ctx = context.Background()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Trace(deps.Logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
	router.Use(middleware.Auth(deps.AuthToken))

	router.Get("/healthz", deps.API.Health)
	router.Route("/v1", func(r chi.Router) {
		r.Get("/operations", deps.API.ListOperations)
		r.Post("/operations/{name}", deps.API.DispatchOperation)
		r.Post("/jobs", deps.API.CreateJob)
		r.Get("/jobs", deps.API.ListJobs)
		r.Get("/jobs/{id}", deps.API.JobStatus)
	})

	return router
}
