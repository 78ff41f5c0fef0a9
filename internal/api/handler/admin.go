package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/routecast/routecast/internal/api/models"
	"github.com/routecast/routecast/internal/api/response"
	"github.com/routecast/routecast/internal/featureflags"
)

// WeatherInvalidator drops cached weather for a geohash cell.
type WeatherInvalidator interface {
	InvalidateGeohash(ctx context.Context, geohash string) (int64, error)
}

// RoutePlacesClearer drops the cached place list for a route.
type RoutePlacesClearer interface {
	Clear(ctx context.Context, srcPlaceID, dstPlaceID int64) (int64, error)
}

// AdminHandler handles operator cache and flag endpoints.
type AdminHandler struct {
	weather WeatherInvalidator
	places  RoutePlacesClearer
	flags   *featureflags.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(weather WeatherInvalidator, places RoutePlacesClearer, flags *featureflags.Service) *AdminHandler {
	return &AdminHandler{weather: weather, places: places, flags: flags}
}

// InvalidateWeather handles POST /v1/admin/weather/invalidate - drop
// every cached forecast for one geohash cell.
func (h *AdminHandler) InvalidateWeather(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Geohash string `json:"geohash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Geohash == "" {
		response.BadRequest(w, r, "geohash is required", []models.FieldError{
			{Field: "geohash", Message: "required"},
		})
		return
	}

	removed, err := h.weather.InvalidateGeohash(r.Context(), req.Geohash)
	if err != nil {
		response.InternalError(w, r, "invalidation failed")
		return
	}

	response.JSON(w, r, http.StatusOK, map[string]interface{}{
		"geohash": req.Geohash,
		"removed": removed,
	})
}

// ClearRoutePlaces handles POST /v1/admin/route-places/clear - drop
// the cached place list of one route.
func (h *AdminHandler) ClearRoutePlaces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcPlaceID int64 `json:"src_place_id"`
		DstPlaceID int64 `json:"dst_place_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SrcPlaceID == 0 || req.DstPlaceID == 0 {
		response.BadRequest(w, r, "src_place_id and dst_place_id are required", nil)
		return
	}

	removed, err := h.places.Clear(r.Context(), req.SrcPlaceID, req.DstPlaceID)
	if err != nil {
		response.InternalError(w, r, "clear failed")
		return
	}

	response.JSON(w, r, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

// ListFlags handles GET /v1/admin/flags - list all feature flags.
func (h *AdminHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	flags := h.flags.GetAllFlags(r.Context())
	list := featureflags.FlagList{Items: make([]featureflags.Flag, 0, len(flags))}
	for _, f := range flags {
		list.Items = append(list.Items, *f)
	}
	response.JSON(w, r, http.StatusOK, list)
}

// UpdateFlags handles PUT /v1/admin/flags - update feature flags.
func (h *AdminHandler) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	var req featureflags.FlagUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updates) == 0 {
		response.BadRequest(w, r, "updates are required", nil)
		return
	}

	flags := make([]*featureflags.Flag, 0, len(req.Updates))
	for _, u := range req.Updates {
		if u.Key == "" {
			response.BadRequest(w, r, "every update needs a key", nil)
			return
		}
		flags = append(flags, &featureflags.Flag{Key: u.Key, Value: u.Value, Reason: req.Reason})
	}

	if err := h.flags.SetFlags(r.Context(), flags); err != nil {
		response.InternalError(w, r, "storing flags failed")
		return
	}
	response.NoContent(w, r)
}

// InvalidateFlags handles POST /v1/admin/flags/invalidate - force a
// reload of the flag cache on next read.
func (h *AdminHandler) InvalidateFlags(w http.ResponseWriter, r *http.Request) {
	h.flags.InvalidateCache()
	response.NoContent(w, r)
}
