package routing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/pkg/polyline"
)

// GraphDB is the relational slice the router reads.
type GraphDB interface {
	AccessNodesOf(ctx context.Context, placeID int64) ([]int64, error)
	ShortestPath(ctx context.Context, sourceNode, targetNode int64) (*store.Path, error)
	NodeGeometries(ctx context.Context, nodeIDs []int64) ([]store.NodeLocation, error)
}

// Router answers route queries from the persisted graph.
type Router struct {
	db  GraphDB
	log zerolog.Logger
}

// NewRouter builds a Router over the graph store.
func NewRouter(db GraphDB, log zerolog.Logger) *Router {
	return &Router{db: db, log: log.With().Str("component", "router").Logger()}
}

// FindRoute returns the best path between two places, or (nil, nil) when
// the graph holds none (the cache-miss signal the orchestrator turns
// into a build, not an error). The best path is chosen across all access
// node pairs by total duration, then total distance, then smaller start
// node id so repeated queries stay deterministic.
func (r *Router) FindRoute(ctx context.Context, srcPlaceID, dstPlaceID int64) (*Path, error) {
	start := time.Now()

	srcNodes, err := r.db.AccessNodesOf(ctx, srcPlaceID)
	if err != nil {
		return nil, err
	}
	dstNodes, err := r.db.AccessNodesOf(ctx, dstPlaceID)
	if err != nil {
		return nil, err
	}
	if len(srcNodes) == 0 || len(dstNodes) == 0 {
		return nil, nil
	}

	var (
		best      *store.Path
		bestStart int64
	)
	for _, s := range srcNodes {
		for _, t := range dstNodes {
			p, err := r.db.ShortestPath(ctx, s, t)
			if err != nil {
				if errors.Is(err, store.ErrNoPath) {
					continue
				}
				return nil, err
			}
			if better(p, s, best, bestStart) {
				best, bestStart = p, s
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	path, err := r.materialize(ctx, srcPlaceID, dstPlaceID, best)
	if err != nil {
		return nil, err
	}

	r.log.Debug().
		Int64("src_place", srcPlaceID).
		Int64("dst_place", dstPlaceID).
		Int("nodes", len(path.Nodes)).
		Float64("distance_km", path.DistanceKm()).
		Dur("took", time.Since(start)).
		Msg("route found in graph")
	return path, nil
}

// better reports whether candidate beats the incumbent under the
// duration → distance → start-node ordering.
func better(p *store.Path, pStart int64, best *store.Path, bestStart int64) bool {
	if best == nil {
		return true
	}
	if p.TotalDurationSeconds != best.TotalDurationSeconds {
		return p.TotalDurationSeconds < best.TotalDurationSeconds
	}
	if p.TotalDistanceMeters != best.TotalDistanceMeters {
		return p.TotalDistanceMeters < best.TotalDistanceMeters
	}
	return pStart < bestStart
}

// materialize resolves node geometry and per-edge detail for a raw
// shortest-path result.
func (r *Router) materialize(ctx context.Context, srcPlaceID, dstPlaceID int64, p *store.Path) (*Path, error) {
	locs, err := r.db.NodeGeometries(ctx, p.Nodes)
	if err != nil {
		return nil, err
	}

	geometry := make([]polyline.Coordinate, len(locs))
	for i, l := range locs {
		geometry[i] = polyline.Coordinate{Lat: l.Lat, Lon: l.Lon}
	}

	edges := make([]EdgeDetail, len(p.Steps))
	for i, s := range p.Steps {
		to := int64(-1)
		if i+1 < len(p.Nodes) {
			to = p.Nodes[i+1]
		}
		edges[i] = EdgeDetail{
			FromNode:        s.NodeID,
			ToNode:          to,
			DistanceMeters:  s.DistanceMeters,
			DurationSeconds: s.DurationSeconds,
			RoadType:        s.RoadType,
		}
	}

	return &Path{
		SrcPlaceID:      srcPlaceID,
		DstPlaceID:      dstPlaceID,
		Nodes:           p.Nodes,
		Geometry:        geometry,
		Edges:           edges,
		DistanceMeters:  p.TotalDistanceMeters,
		DurationSeconds: p.TotalDurationSeconds,
	}, nil
}
