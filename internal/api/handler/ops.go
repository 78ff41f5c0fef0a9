package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/routecast/routecast/internal/api/models"
	"github.com/routecast/routecast/internal/api/response"
	"github.com/routecast/routecast/internal/provider/resilience"
)

// Pinger checks one dependency's connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheStats exposes hit counters for the status endpoint.
type CacheStats interface {
	Stats() (hits, misses int64)
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	db        Pinger
	kv        Pinger
	providers *resilience.Registry
	places    CacheStats
}

// OpsConfig holds the dependencies of the ops endpoints. Any field may
// be nil; the matching check is then skipped.
type OpsConfig struct {
	Version     string
	BuildTime   string
	DB          Pinger
	KV          Pinger
	Providers   *resilience.Registry
	RoutePlaces CacheStats
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		db:        cfg.DB,
		kv:        cfg.KV,
		providers: cfg.Providers,
		places:    cfg.RoutePlaces,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check. Fails
// when Postgres or Redis cannot be reached.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, dep := range map[string]Pinger{"postgres": h.db, "redis": h.kv} {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			response.ServiceUnavailable(w, r, name+" unreachable")
			return
		}
	}

	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	})
}

// SystemStatus handles GET /v1/ops/status - provider and subsystem
// status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := models.SystemStatus{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}

	for name, dep := range map[string]Pinger{"postgres": h.db, "redis": h.kv} {
		if dep == nil {
			continue
		}
		sub := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err := dep.Ping(ctx); err != nil {
			sub.Status = models.HealthStatusFail
			detail := err.Error()
			sub.Detail = &detail
			status.Status = models.HealthStatusDegraded
		}
		status.Subsystems = append(status.Subsystems, sub)
	}

	if h.providers != nil {
		for _, ph := range h.providers.GetAllHealth() {
			p := models.ProviderStatus{
				Provider: ph.Name,
				Status:   providerHealthStatus(ph),
				State:    ph.CircuitState.String(),
			}
			if ph.LastError != "" {
				msg := ph.LastError
				p.Message = &msg
			}
			if !ph.IsHealthy() {
				status.Status = models.HealthStatusDegraded
			}
			status.Providers = append(status.Providers, p)
		}
	}

	if h.places != nil {
		hits, misses := h.places.Stats()
		status.Caches = map[string]interface{}{
			"route_places_hits":   hits,
			"route_places_misses": misses,
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func providerHealthStatus(ph *resilience.ProviderHealth) models.HealthStatus {
	switch ph.CircuitState {
	case gobreaker.StateOpen:
		return models.HealthStatusFail
	case gobreaker.StateHalfOpen:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusOK
	}
}
