// Package handler provides HTTP handlers for the RouteCast API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/routecast/routecast/internal/api/middleware"
	"github.com/routecast/routecast/internal/api/models"
	"github.com/routecast/routecast/internal/api/response"
	"github.com/routecast/routecast/internal/engine"
)

// RoutePlanner turns a plan request into an annotated route. The
// engine implements it.
type RoutePlanner interface {
	PlanRoute(ctx context.Context, req engine.PlanRequest) (*engine.RouteResult, error)
}

// PlanHandler handles POST /v1/routes:plan.
type PlanHandler struct {
	planner RoutePlanner
	metrics *middleware.PlanMetrics
}

// NewPlanHandler creates a new PlanHandler. metrics may be nil.
func NewPlanHandler(planner RoutePlanner, metrics *middleware.PlanMetrics) *PlanHandler {
	return &PlanHandler{planner: planner, metrics: metrics}
}

// PlanRoute decodes a plan request, runs the engine, and maps plan
// errors to problem responses.
func (h *PlanHandler) PlanRoute(w http.ResponseWriter, r *http.Request) {
	var req engine.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "request body must be valid JSON", nil)
		return
	}

	start := time.Now()
	result, err := h.planner.PlanRoute(r.Context(), req)
	if err != nil {
		h.recordPlan(start, false, err)
		writePlanError(w, r, err)
		return
	}

	h.recordPlan(start, result.Stats.CacheHit, nil)
	response.JSON(w, r, http.StatusOK, result)
}

func (h *PlanHandler) recordPlan(start time.Time, cacheHit bool, err error) {
	if h.metrics == nil {
		return
	}
	kind := ""
	if err != nil {
		kind = string(engine.KindInternal)
		var pe *engine.PlanError
		if errors.As(err, &pe) {
			kind = string(pe.Kind)
		}
	}
	h.metrics.RecordPlan(time.Since(start), cacheHit, kind)
}

func writePlanError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *engine.PlanError
	if !errors.As(err, &pe) {
		response.InternalError(w, r, "route planning failed")
		return
	}

	traceID := middleware.GetRequestID(r.Context())
	switch pe.Kind {
	case engine.KindInputInvalid:
		response.BadRequest(w, r, pe.Reason, nil)
	case engine.KindPlaceNotFound:
		response.NotFound(w, r, pe.Reason)
	case engine.KindNoRoute:
		response.Error(w, r, models.NewNoRoute(traceID, pe.Reason))
	case engine.KindUpstreamUnavailable:
		response.BadGateway(w, r, pe.Reason)
	default:
		response.InternalError(w, r, pe.Reason)
	}
}
