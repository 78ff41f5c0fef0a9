package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/pkg/polyline"
)

// Builder defaults. SplitTolerance is the slack allowed before a reused
// path plus last mile loses to a fresh direct route.
const (
	DefaultSplitTolerance     = 1.10
	DefaultMaxHubKm           = 50.0
	DefaultHubLimit           = 10
	DefaultSampleIntervalKm   = 1.0
	DefaultMapMatchThresholdM = 50.0
	DefaultLinkMaxKm          = 5.0
)

// BuilderDB is the relational slice the builder writes the graph through.
type BuilderDB interface {
	NearestHubNodes(ctx context.Context, lat, lon, maxKm float64, limit int) ([]store.HubNode, error)
	NodeCoords(ctx context.Context, nodeID int64) (lat, lon float64, err error)
	NearestNodeWithin(ctx context.Context, lat, lon, thresholdMeters float64, candidateHashes []string) (int64, error)
	InsertNode(ctx context.Context, lat, lon float64, geohash, nodeType string) (int64, error)
	InsertEdgeIfNew(ctx context.Context, sourceNode, targetNode int64, geometryWKT string, distanceMeters, maxSpeedKmh, durationSeconds float64, roadType string) (bool, error)
	LinkNodeToPlace(ctx context.Context, nodeID, placeID int64, nodeType string) error
	NearestUnlinkedNode(ctx context.Context, lat, lon float64, candidates []int64) (int64, float64, error)
}

// PathFinder is the router slice the builder consults for reusable paths.
type PathFinder interface {
	FindRoute(ctx context.Context, srcPlaceID, dstPlaceID int64) (*Path, error)
}

// NodeIndex receives every inserted node so nearest-node lookups see the
// graph grow without a rebuild.
type NodeIndex interface {
	Add(ctx context.Context, nodeID int64, lat, lon float64) error
}

// BuilderConfig tunes the builder; zero values take the defaults above.
type BuilderConfig struct {
	SplitTolerance     float64
	MaxHubKm           float64
	HubLimit           int
	SampleIntervalKm   float64
	MapMatchThresholdM float64
	LinkMaxKm          float64

	// SplitCheck gates split-point reuse at runtime, typically bound to
	// the split_point_enabled feature flag. nil enables it.
	SplitCheck func(ctx context.Context) bool
}

// Builder grows the graph on cache misses.
type Builder struct {
	db       BuilderDB
	router   PathFinder
	external ExternalRouter
	index    NodeIndex
	cfg      BuilderConfig
	log      zerolog.Logger
}

// NewBuilder assembles a Builder. index may be nil when no geospatial
// index is kept (tests).
func NewBuilder(db BuilderDB, router PathFinder, external ExternalRouter, index NodeIndex, cfg BuilderConfig, log zerolog.Logger) *Builder {
	if cfg.SplitTolerance <= 0 {
		cfg.SplitTolerance = DefaultSplitTolerance
	}
	if cfg.MaxHubKm <= 0 {
		cfg.MaxHubKm = DefaultMaxHubKm
	}
	if cfg.HubLimit <= 0 {
		cfg.HubLimit = DefaultHubLimit
	}
	if cfg.SampleIntervalKm <= 0 {
		cfg.SampleIntervalKm = DefaultSampleIntervalKm
	}
	if cfg.MapMatchThresholdM <= 0 {
		cfg.MapMatchThresholdM = DefaultMapMatchThresholdM
	}
	if cfg.LinkMaxKm <= 0 {
		cfg.LinkMaxKm = DefaultLinkMaxKm
	}
	return &Builder{
		db:       db,
		router:   router,
		external: external,
		index:    index,
		cfg:      cfg,
		log:      log.With().Str("component", "builder").Logger(),
	}
}

// InjectResult reports what an injection changed.
type InjectResult struct {
	NodeIDs      []int64
	EdgesCreated int
	SplitPoint   bool
}

// HandleMiss grows the graph so that src→dst becomes routable. It first
// tries to reuse an existing path to a hub near the destination and
// inject only the last mile; when no hub qualifies it injects the full
// direct route. The returned result describes the injected chain.
func (b *Builder) HandleMiss(ctx context.Context, srcPlaceID, dstPlaceID int64, src, dst Coordinate) (*InjectResult, error) {
	if !src.Valid() || !dst.Valid() {
		return nil, ErrInvalidCoordinates
	}
	start := time.Now()

	// The direct route is needed both as the split-point yardstick and
	// as the fallback; fetched once, on first use.
	var direct *RawRoute
	directRoute := func() (*RawRoute, error) {
		if direct != nil {
			return direct, nil
		}
		r, err := b.external.Route(ctx, src, dst)
		if err != nil {
			return nil, err
		}
		direct = r
		return direct, nil
	}

	if res, ok := b.maybeSplitPoint(ctx, srcPlaceID, dstPlaceID, dst, directRoute); ok {
		b.log.Info().
			Int64("src_place", srcPlaceID).
			Int64("dst_place", dstPlaceID).
			Int("edges", res.EdgesCreated).
			Dur("took", time.Since(start)).
			Msg("graph extended via split point")
		return res, nil
	}

	raw, err := directRoute()
	if err != nil {
		return nil, fmt.Errorf("direct route: %w", err)
	}

	res, err := b.InjectRoute(ctx, raw, srcPlaceID, dstPlaceID, 0)
	if err != nil {
		return nil, err
	}
	b.log.Info().
		Int64("src_place", srcPlaceID).
		Int64("dst_place", dstPlaceID).
		Int("edges", res.EdgesCreated).
		Dur("took", time.Since(start)).
		Msg("graph extended with direct route")
	return res, nil
}

// maybeSplitPoint applies the runtime gate before attempting reuse.
func (b *Builder) maybeSplitPoint(ctx context.Context, srcPlaceID, dstPlaceID int64, dst Coordinate, directRoute func() (*RawRoute, error)) (*InjectResult, bool) {
	if b.cfg.SplitCheck != nil && !b.cfg.SplitCheck(ctx) {
		return nil, false
	}
	return b.trySplitPoint(ctx, srcPlaceID, dstPlaceID, dst, directRoute)
}

// trySplitPoint walks hub nodes near the destination, nearest first, and
// commits to the first one whose existing path plus external last mile
// stays within tolerance of the direct route. ok is false when no hub
// qualifies; errors along the way skip the hub rather than abort, since
// the direct fallback can still succeed.
func (b *Builder) trySplitPoint(ctx context.Context, srcPlaceID, dstPlaceID int64, dst Coordinate, directRoute func() (*RawRoute, error)) (*InjectResult, bool) {
	hubs, err := b.db.NearestHubNodes(ctx, dst.Lat, dst.Lon, b.cfg.MaxHubKm, b.cfg.HubLimit)
	if err != nil {
		b.log.Warn().Err(err).Msg("hub scan failed, falling back to direct route")
		return nil, false
	}

	for _, hub := range hubs {
		if hub.PlaceID == srcPlaceID || hub.PlaceID == dstPlaceID {
			continue
		}

		existing, err := b.router.FindRoute(ctx, srcPlaceID, hub.PlaceID)
		if err != nil || existing == nil {
			continue
		}

		hubLat, hubLon, err := b.db.NodeCoords(ctx, hub.NodeID)
		if err != nil {
			continue
		}

		lastMile, err := b.external.Route(ctx, Coordinate{Lat: hubLat, Lon: hubLon}, dst)
		if err != nil {
			continue
		}

		direct, err := directRoute()
		if err != nil {
			continue
		}

		combined := existing.DurationSeconds + lastMile.DurationSeconds
		if combined > b.cfg.SplitTolerance*direct.DurationSeconds {
			continue
		}

		res, err := b.InjectRoute(ctx, lastMile, 0, dstPlaceID, hub.NodeID)
		if err != nil {
			b.log.Warn().Err(err).Int64("hub_node", hub.NodeID).Msg("last-mile injection failed")
			continue
		}
		res.SplitPoint = true
		return res, true
	}
	return nil, false
}

// InjectRoute persists an external route as a node chain. The polyline
// is sampled to roughly one node per kilometre, each sample map-matched
// to an existing node within the threshold before a new one is inserted.
// anchorNodeID, when non-zero, replaces the first sample, so the chain
// extends an existing hub instead of starting fresh. srcPlaceID
// and dstPlaceID, when non-zero, get the first and last node linked as
// their access points.
func (b *Builder) InjectRoute(ctx context.Context, raw *RawRoute, srcPlaceID, dstPlaceID, anchorNodeID int64) (*InjectResult, error) {
	if len(raw.Coords) < 2 {
		return nil, ErrInjectFailed
	}

	samples := polyline.Sample(raw.Coords, b.cfg.SampleIntervalKm*1000)
	if len(samples) < 2 {
		return nil, ErrInjectFailed
	}

	nodeIDs := make([]int64, len(samples))
	for i, pt := range samples {
		if i == 0 && anchorNodeID != 0 {
			nodeIDs[0] = anchorNodeID
			continue
		}
		id, err := b.resolveNode(ctx, pt.Lat, pt.Lon)
		if err != nil {
			return nil, fmt.Errorf("resolve node %d: %w", i, err)
		}
		nodeIDs[i] = id
	}

	if srcPlaceID != 0 {
		if err := b.db.LinkNodeToPlace(ctx, nodeIDs[0], srcPlaceID, "access_point"); err != nil {
			return nil, fmt.Errorf("link source access node: %w", err)
		}
	}
	if dstPlaceID != 0 {
		if err := b.db.LinkNodeToPlace(ctx, nodeIDs[len(nodeIDs)-1], dstPlaceID, "access_point"); err != nil {
			return nil, fmt.Errorf("link target access node: %w", err)
		}
	}

	created := 0
	var traveled float64
	for i := 0; i+1 < len(samples); i++ {
		a, bb := samples[i], samples[i+1]
		dist := polyline.Distance(a, bb)

		step := raw.StepAt(traveled + dist/2)
		kmh, class := SpeedFor(step.Name, step.RoadClass)
		duration := dist / (kmh / 3.6)

		wktLine := geo.WKTLineString([]geo.Point{
			{Lat: a.Lat, Lon: a.Lon},
			{Lat: bb.Lat, Lon: bb.Lon},
		})

		inserted, err := b.db.InsertEdgeIfNew(ctx, nodeIDs[i], nodeIDs[i+1], wktLine, dist, kmh, duration, class)
		if err != nil {
			return nil, fmt.Errorf("insert edge %d: %w", i, err)
		}
		if inserted {
			created++
		}
		traveled += dist
	}

	if created == 0 {
		return nil, ErrInjectFailed
	}
	return &InjectResult{NodeIDs: nodeIDs, EdgesCreated: created}, nil
}

// resolveNode map-matches a coordinate to an existing node within the
// threshold, inserting a fresh one when nothing is close enough.
func (b *Builder) resolveNode(ctx context.Context, lat, lon float64) (int64, error) {
	candidates := geo.CandidateHashes(lat, lon, geo.NodeGeohashPrecision, true)

	id, err := b.db.NearestNodeWithin(ctx, lat, lon, b.cfg.MapMatchThresholdM, candidates)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	hash := geo.EncodeGeohash(lat, lon, geo.NodeGeohashPrecision)
	id, err = b.db.InsertNode(ctx, lat, lon, hash, "waypoint")
	if err != nil {
		return 0, err
	}
	if b.index != nil {
		if err := b.index.Add(ctx, id, lat, lon); err != nil {
			b.log.Debug().Err(err).Int64("node", id).Msg("node index add failed")
		}
	}
	return id, nil
}

// LinkPlaceToNearestNode promotes the closest unlinked candidate node
// within the link radius to an access point of the place. Returns false
// when no candidate qualifies. Called for places a fresh route passes
// through, so later queries ending there hit the graph.
func (b *Builder) LinkPlaceToNearestNode(ctx context.Context, placeID int64, lat, lon float64, candidates []int64) (bool, error) {
	id, distMeters, err := b.db.NearestUnlinkedNode(ctx, lat, lon, candidates)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if distMeters > b.cfg.LinkMaxKm*1000 {
		return false, nil
	}

	if err := b.db.LinkNodeToPlace(ctx, id, placeID, "access_point"); err != nil {
		return false, err
	}
	b.log.Debug().Int64("place", placeID).Int64("node", id).Float64("distance_m", distMeters).Msg("place linked to route node")
	return true, nil
}
