// Package routing computes routes over the persisted road graph and
// grows the graph on demand. The Router answers from what the graph
// already holds; the Builder fills gaps by fetching a route from the
// external router and injecting it as a node chain, reusing an existing
// hub near the destination when only the last mile is new.
package routing

import (
	"context"
	"errors"

	"github.com/routecast/routecast/pkg/polyline"
)

// Routing errors.
var (
	// ErrProviderUnavailable indicates the external router is down or
	// its circuit breaker is open.
	ErrProviderUnavailable = errors.New("routing provider unavailable")
	// ErrInjectFailed indicates route injection produced no edges.
	ErrInjectFailed = errors.New("route injection created no edges")
	// ErrInvalidCoordinates indicates coordinates outside valid ranges.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

// Coordinate is a geographic point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Step is one leg segment of an external route, in travel order. Name is
// the road name or ref; RoadClass is the explicit class annotation when
// the router exposes one, empty otherwise.
type Step struct {
	Name           string
	RoadClass      string
	DistanceMeters float64
}

// RawRoute is an external router result normalized to what injection
// needs: the dense polyline, totals, and the step sequence for speed
// inference.
type RawRoute struct {
	Coords          []polyline.Coordinate
	DistanceMeters  float64
	DurationSeconds float64
	Steps           []Step
}

// StepAt returns the step covering the given distance from the route
// start. Distances past the last step clamp to it; a route without steps
// returns a zero Step.
func (r *RawRoute) StepAt(distanceMeters float64) Step {
	if len(r.Steps) == 0 {
		return Step{}
	}

	var covered float64
	for _, s := range r.Steps {
		covered += s.DistanceMeters
		if distanceMeters < covered {
			return s
		}
	}
	return r.Steps[len(r.Steps)-1]
}

// ExternalRouter fetches a drivable route between two coordinates.
type ExternalRouter interface {
	Route(ctx context.Context, src, dst Coordinate) (*RawRoute, error)
	Name() string
}

// EdgeDetail is one traversed edge of a materialized path.
type EdgeDetail struct {
	FromNode        int64
	ToNode          int64
	DistanceMeters  float64
	DurationSeconds float64
	RoadType        string
}

// Path is a materialized route through the graph.
type Path struct {
	SrcPlaceID      int64
	DstPlaceID      int64
	Nodes           []int64
	Geometry        []polyline.Coordinate
	Edges           []EdgeDetail
	DistanceMeters  float64
	DurationSeconds float64
}

// DistanceKm returns the path length in kilometres.
func (p *Path) DistanceKm() float64 {
	return p.DistanceMeters / 1000
}

// DurationHours returns the base travel time in hours.
func (p *Path) DurationHours() float64 {
	return p.DurationSeconds / 3600
}
