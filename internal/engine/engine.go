// Package engine orchestrates a route plan: name resolution, graph
// routing with on-demand building, and weather annotation, behind one
// PlanRoute entry point.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/overlay"
	"github.com/routecast/routecast/internal/places"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/pkg/polyline"
)

// TrafficFactor scales the reported duration when traffic is requested.
// Stored graph durations are never touched.
const TrafficFactor = 1.30

// PlaceResolver maps place names to ids.
type PlaceResolver interface {
	Resolve(ctx context.Context, name, country string) (int64, error)
}

// PlaceDirectory reads place records, for endpoint coordinates.
type PlaceDirectory interface {
	PlaceByID(ctx context.Context, id int64) (*store.Place, error)
}

// PathFinder answers routes from the cached graph.
type PathFinder interface {
	FindRoute(ctx context.Context, srcPlaceID, dstPlaceID int64) (*routing.Path, error)
}

// GraphBuilder grows the graph on a miss.
type GraphBuilder interface {
	HandleMiss(ctx context.Context, srcPlaceID, dstPlaceID int64, src, dst routing.Coordinate) (*routing.InjectResult, error)
	LinkPlaceToNearestNode(ctx context.Context, placeID int64, lat, lon float64, candidates []int64) (bool, error)
}

// WeatherAnnotator overlays weather onto a path.
type WeatherAnnotator interface {
	Annotate(ctx context.Context, path *routing.Path, departure time.Time) (*overlay.Result, error)
}

// RouteAlerter finds the places a route passes through.
type RouteAlerter interface {
	AlertsFor(ctx context.Context, path *routing.Path, departure time.Time) ([]overlay.PlaceAlert, error)
	AlertsFromKnown(ctx context.Context, path *routing.Path, departure time.Time, known []store.RoutePlace) []overlay.PlaceAlert
}

// RoutePlacesCache caches the place list per route.
type RoutePlacesCache interface {
	Get(ctx context.Context, srcPlaceID, dstPlaceID int64) ([]store.RoutePlace, error)
	Set(ctx context.Context, srcPlaceID, dstPlaceID int64, list []store.RoutePlace) error
}

// CoreServices collects every collaborator of the engine. Built once at
// startup, leaves first; the engine holds no other state.
type CoreServices struct {
	Resolver    PlaceResolver
	Places      PlaceDirectory
	Router      PathFinder
	Builder     GraphBuilder
	Overlay     WeatherAnnotator
	Alerter     RouteAlerter
	RoutePlaces RoutePlacesCache
	Logger      zerolog.Logger
}

// Engine is the route planning orchestrator.
type Engine struct {
	svc CoreServices
	log zerolog.Logger
}

// New builds an Engine over assembled services.
func New(svc CoreServices) *Engine {
	return &Engine{
		svc: svc,
		log: svc.Logger.With().Str("component", "engine").Logger(),
	}
}

// PlanRequest is one route plan ask.
type PlanRequest struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Departure   time.Time `json:"departure_time"`
	WithTraffic bool      `json:"with_traffic"`
	Country     string    `json:"country,omitempty"`
}

// GeoPoint is one geometry vertex in responses.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PlanStats summarizes cache behavior of one plan.
type PlanStats struct {
	CacheHit         bool    `json:"cache_hit"`
	NewAPICalls      int     `json:"new_api_calls"`
	CellCacheHitRate float64 `json:"cell_cache_hit_rate"`
}

// RouteResult is the outcome of a successful plan.
type RouteResult struct {
	DistanceKm     float64              `json:"distance_km"`
	DurationHours  float64              `json:"duration_hours"`
	Geometry       []GeoPoint           `json:"geometry"`
	WeatherSummary string               `json:"weather_summary"`
	WeatherCells   []overlay.CellRecord `json:"weather_cells"`
	PlacesOnRoute  []overlay.PlaceAlert `json:"places_on_route"`
	Stats          PlanStats            `json:"stats"`
}

// PlanRoute turns an (origin, destination, departure) triple into an
// annotated route. The route duration is deterministic: weather never
// modifies it, and the traffic factor only scales the reported number.
// Weather degradation produces a plan without forecasts, never an error.
func (e *Engine) PlanRoute(ctx context.Context, req PlanRequest) (*RouteResult, error) {
	origin := strings.TrimSpace(req.Origin)
	dest := strings.TrimSpace(req.Destination)
	if origin == "" || dest == "" {
		return nil, planErr(KindInputInvalid, "origin and destination are required", nil)
	}
	departure := req.Departure
	if departure.IsZero() {
		departure = time.Now()
	}

	srcID, err := e.resolve(ctx, origin, req.Country)
	if err != nil {
		return nil, err
	}
	dstID, err := e.resolve(ctx, dest, req.Country)
	if err != nil {
		return nil, err
	}
	if srcID == dstID {
		return nil, planErr(KindInputInvalid, "origin and destination are the same place", nil)
	}

	path, built, err := e.route(ctx, srcID, dstID)
	if err != nil {
		return nil, err
	}

	weather, alerts := e.annotate(ctx, path, departure, srcID, dstID, built)

	if built {
		e.linkRoutePlaces(ctx, path, alerts)
	}

	result := &RouteResult{
		DistanceKm:     path.DistanceKm(),
		DurationHours:  path.DurationHours(),
		Geometry:       toGeoPoints(path.Geometry),
		WeatherSummary: weather.Summary,
		WeatherCells:   weather.Cells,
		PlacesOnRoute:  alerts,
		Stats: PlanStats{
			CacheHit:         !built,
			NewAPICalls:      weather.Stats.APICalls,
			CellCacheHitRate: weather.Stats.HitRate,
		},
	}
	if req.WithTraffic {
		result.DurationHours *= TrafficFactor
	}

	e.log.Info().
		Int64("src_place", srcID).
		Int64("dst_place", dstID).
		Bool("cache_hit", !built).
		Float64("distance_km", result.DistanceKm).
		Int("weather_cells", len(result.WeatherCells)).
		Msg("route planned")
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, name, country string) (int64, error) {
	id, err := e.svc.Resolver.Resolve(ctx, name, country)
	if err != nil {
		if errors.Is(err, places.ErrNotFound) {
			return 0, planErr(KindPlaceNotFound, "unknown place "+name, err)
		}
		return 0, planErr(KindInternal, "resolving "+name, err)
	}
	return id, nil
}

// route answers from the graph, building it once on a miss. built
// reports whether the graph grew for this plan.
func (e *Engine) route(ctx context.Context, srcID, dstID int64) (*routing.Path, bool, error) {
	path, err := e.svc.Router.FindRoute(ctx, srcID, dstID)
	if err != nil {
		return nil, false, planErr(KindInternal, "graph routing failed", err)
	}
	if path != nil {
		return path, false, nil
	}

	src, dst, err := e.endpointCoords(ctx, srcID, dstID)
	if err != nil {
		return nil, false, err
	}

	if _, err := e.svc.Builder.HandleMiss(ctx, srcID, dstID, src, dst); err != nil {
		switch {
		case errors.Is(err, routing.ErrProviderUnavailable):
			return nil, false, planErr(KindUpstreamUnavailable, "external router unavailable", err)
		case errors.Is(err, routing.ErrInvalidCoordinates):
			return nil, false, planErr(KindInputInvalid, "endpoint coordinates invalid", err)
		case errors.Is(err, routing.ErrInjectFailed):
			return nil, false, planErr(KindNoRoute, "route could not be added to the graph", err)
		default:
			return nil, false, planErr(KindInternal, "graph building failed", err)
		}
	}

	path, err = e.svc.Router.FindRoute(ctx, srcID, dstID)
	if err != nil {
		return nil, false, planErr(KindInternal, "graph routing failed after build", err)
	}
	if path == nil {
		return nil, false, planErr(KindNoRoute, "no route between the places", nil)
	}
	return path, true, nil
}

func (e *Engine) endpointCoords(ctx context.Context, srcID, dstID int64) (routing.Coordinate, routing.Coordinate, error) {
	var zero routing.Coordinate
	srcPlace, err := e.svc.Places.PlaceByID(ctx, srcID)
	if err != nil {
		return zero, zero, planErr(KindInternal, "loading origin place", err)
	}
	dstPlace, err := e.svc.Places.PlaceByID(ctx, dstID)
	if err != nil {
		return zero, zero, planErr(KindInternal, "loading destination place", err)
	}
	return routing.Coordinate{Lat: srcPlace.Lat, Lon: srcPlace.Lon},
		routing.Coordinate{Lat: dstPlace.Lat, Lon: dstPlace.Lon}, nil
}

// annotate runs the weather overlay and the place alerts concurrently
// and merges their outcomes. Either side failing degrades that side
// only.
func (e *Engine) annotate(ctx context.Context, path *routing.Path, departure time.Time, srcID, dstID int64, built bool) (*overlay.Result, []overlay.PlaceAlert) {
	var (
		wg      sync.WaitGroup
		weather *overlay.Result
		alerts  []overlay.PlaceAlert
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := e.svc.Overlay.Annotate(ctx, path, departure)
		if err != nil || res == nil {
			e.log.Warn().Err(err).Msg("weather overlay failed, degrading")
			res = &overlay.Result{Summary: overlay.UnavailableSummary}
		}
		weather = res
	}()
	go func() {
		defer wg.Done()
		alerts = e.placesOnRoute(ctx, path, departure, srcID, dstID, built)
	}()
	wg.Wait()

	return weather, alerts
}

// placesOnRoute prefers the cached place list; a fresh polygon scan
// repopulates the cache.
func (e *Engine) placesOnRoute(ctx context.Context, path *routing.Path, departure time.Time, srcID, dstID int64, built bool) []overlay.PlaceAlert {
	if !built {
		if known, err := e.svc.RoutePlaces.Get(ctx, srcID, dstID); err == nil && known != nil {
			return e.svc.Alerter.AlertsFromKnown(ctx, path, departure, known)
		}
	}

	alerts, err := e.svc.Alerter.AlertsFor(ctx, path, departure)
	if err != nil {
		e.log.Warn().Err(err).Msg("place alerts failed, degrading")
		return nil
	}

	list := make([]store.RoutePlace, 0, len(alerts))
	for _, a := range alerts {
		list = append(list, store.RoutePlace{Name: a.Name, Type: a.Type, Lat: a.Lat, Lon: a.Lon})
	}
	if err := e.svc.RoutePlaces.Set(ctx, srcID, dstID, list); err != nil {
		e.log.Warn().Err(err).Msg("route-places store failed")
	}
	return alerts
}

// linkRoutePlaces promotes pass-through places on a freshly built chain
// to hubs, so future plans ending there become cache hits.
func (e *Engine) linkRoutePlaces(ctx context.Context, path *routing.Path, alerts []overlay.PlaceAlert) {
	for _, a := range alerts {
		if a.PlaceID == 0 {
			continue
		}
		linked, err := e.svc.Builder.LinkPlaceToNearestNode(ctx, a.PlaceID, a.Lat, a.Lon, path.Nodes)
		if err != nil {
			e.log.Debug().Err(err).Int64("place_id", a.PlaceID).Msg("hub promotion failed")
			continue
		}
		if linked {
			e.log.Debug().Int64("place_id", a.PlaceID).Str("place", a.Name).Msg("promoted place to hub")
		}
	}
}

func toGeoPoints(coords []polyline.Coordinate) []GeoPoint {
	pts := make([]GeoPoint, len(coords))
	for i, c := range coords {
		pts[i] = GeoPoint{Lat: c.Lat, Lon: c.Lon}
	}
	return pts
}
