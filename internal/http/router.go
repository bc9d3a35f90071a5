package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adilkhanov/ride-match/internal/observability"
	"github.com/adilkhanov/ride-match/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, profiles ProfileLoader) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(AuthMiddleware(profiles))
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyKeyMiddleware)

	r.Get("/v1/feed", h.GetFeed)
	r.Post("/v1/orders", h.CreateOrder)
	r.Get("/v1/orders/{id}", h.GetOrder)
	r.Post("/v1/orders/{id}/claim", h.ClaimOrder)
	r.Post("/v1/orders/{id}/cancel", h.CancelOrder)
	r.Post("/v1/orders/{id}/complete", h.CompleteOrder)
	r.Post("/v1/bundles/claim", h.ClaimBundle)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
