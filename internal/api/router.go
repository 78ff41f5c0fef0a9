// Package api provides the HTTP API for RouteCast.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/api/handler"
	"github.com/routecast/routecast/internal/api/middleware"
	"github.com/routecast/routecast/internal/featureflags"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	PlanMetrics *middleware.PlanMetrics

	Planner     handler.RoutePlanner
	Ops         handler.OpsConfig
	Weather     handler.WeatherInvalidator
	RoutePlaces handler.RoutePlacesClearer
	Flags       *featureflags.Service
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "routecast-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS)           // TLS enforcement (enabled via REQUIRE_TLS=true)
	r.Use(middleware.RequireJSON)          // Reject non-JSON bodies early
	r.Use(middleware.ContentTypeJSON)      // JSON content type

	planHandler := handler.NewPlanHandler(cfg.Planner, cfg.PlanMetrics)
	opsHandler := handler.NewOpsHandler(cfg.Ops)
	adminHandler := handler.NewAdminHandler(cfg.Weather, cfg.RoutePlaces, cfg.Flags)

	planRateLimit := middleware.RateLimitByIP(middleware.PlanRateLimit)         // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit) // 100 req/min

	r.Route("/v1", func(r chi.Router) {
		// Route planning - external fan-out on cold plans, strict limit
		r.With(planRateLimit).Post("/routes:plan", planHandler.PlanRoute)

		// Ops endpoints
		r.Route("/ops", func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
		})

		// Admin endpoints - operator cache and flag controls
		r.Route("/admin", func(r chi.Router) {
			r.Use(standardRateLimit)

			r.Post("/weather/invalidate", adminHandler.InvalidateWeather)
			r.Post("/route-places/clear", adminHandler.ClearRoutePlaces)

			r.Route("/flags", func(r chi.Router) {
				r.Get("/", adminHandler.ListFlags)
				r.Put("/", adminHandler.UpdateFlags)
				r.Post("/invalidate", adminHandler.InvalidateFlags)
			})
		})
	})

	return r
}
