// Package places resolves user-supplied place names to stored place
// ids, seeding unknown places from OSM boundary data on demand.
package places

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/normalize"
	"github.com/routecast/routecast/internal/places/overpass"
	"github.com/routecast/routecast/internal/store"
)

// ErrNotFound is returned when a name resolves to nothing, even after
// seeding.
var ErrNotFound = errors.New("place not found")

// adminLevels are tried in order: municipality boundary first, then the
// county relation for places that only exist at that level.
var adminLevels = [...]int{8, 6}

// SeedDB is the slice of the relational store the seeder needs.
type SeedDB interface {
	FindPlace(ctx context.Context, name, placeType, country string) (int64, error)
	UpsertPlace(ctx context.Context, p store.PlaceParams) (int64, error)
}

// BoundaryFetcher fetches administrative boundaries, typically the
// Overpass client.
type BoundaryFetcher interface {
	FetchBoundary(ctx context.Context, name string, adminLevel int) (*overpass.Boundary, error)
}

type seedResult struct {
	id  int64
	err error
}

type inflightSeed struct {
	done chan struct{}
	res  seedResult
}

// Seeder creates places from OSM boundary data. Concurrent requests for
// one (name, country) collapse onto a single fetch: the first caller
// seeds, the rest wait on its result.
type Seeder struct {
	db    SeedDB
	ov    BoundaryFetcher
	log   zerolog.Logger
	mu    sync.Mutex
	seeds map[string]*inflightSeed
}

// NewSeeder builds a Seeder.
func NewSeeder(db SeedDB, ov BoundaryFetcher, log zerolog.Logger) *Seeder {
	return &Seeder{
		db:    db,
		ov:    ov,
		log:   log.With().Str("component", "seeder").Logger(),
		seeds: make(map[string]*inflightSeed),
	}
}

// GetOrSeed resolves a place name, fetching and storing its boundary
// when the place is unknown. Returns ErrNotFound when no boundary
// exists at any admin level.
func (s *Seeder) GetOrSeed(ctx context.Context, name, country string) (int64, error) {
	norm := normalize.Normalize(name)
	if norm == "" {
		return 0, ErrNotFound
	}

	if id, err := s.db.FindPlace(ctx, norm, "", country); err == nil {
		return id, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	key := norm + "|" + country

	s.mu.Lock()
	if fl, ok := s.seeds[key]; ok {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return fl.res.id, fl.res.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	fl := &inflightSeed{done: make(chan struct{})}
	s.seeds[key] = fl
	s.mu.Unlock()

	id, err := s.seed(ctx, name, norm, country)
	fl.res = seedResult{id: id, err: err}
	close(fl.done)

	s.mu.Lock()
	delete(s.seeds, key)
	s.mu.Unlock()

	return id, err
}

// seed fetches the boundary (original spelling: OSM tags carry proper
// names, not canonical keys) and upserts the place under its canonical
// name.
func (s *Seeder) seed(ctx context.Context, name, norm, country string) (int64, error) {
	var (
		boundary *overpass.Boundary
		lastErr  error
	)
	for _, lvl := range adminLevels {
		b, err := s.ov.FetchBoundary(ctx, name, lvl)
		if err == nil {
			boundary = b
			break
		}
		lastErr = err
		if !errors.Is(err, overpass.ErrNoBoundary) {
			s.log.Warn().Err(err).Str("name", name).Int("admin_level", lvl).Msg("boundary fetch failed")
		}
	}
	if boundary == nil {
		if lastErr != nil && !errors.Is(lastErr, overpass.ErrNoBoundary) {
			return 0, fmt.Errorf("seeding %q: %w", norm, lastErr)
		}
		return 0, ErrNotFound
	}

	center, ok := geo.Centroid(boundary.Ring)
	if !ok {
		return 0, ErrNotFound
	}

	placeType := "city"
	if boundary.AdminLevel == 6 {
		placeType = "region"
	}

	params := store.PlaceParams{
		Name:        norm,
		Type:        placeType,
		Country:     country,
		Lat:         center.Lat,
		Lon:         center.Lon,
		BoundaryWKT: geo.WKTPolygon(boundary.Ring),
		Geohash:     geo.EncodeGeohash(center.Lat, center.Lon, 6),
		Metadata:    boundaryMetadata(boundary),
	}

	id, err := s.db.UpsertPlace(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("storing seeded place %q: %w", norm, err)
	}

	s.log.Info().
		Str("name", norm).
		Int64("place_id", id).
		Int("admin_level", boundary.AdminLevel).
		Bool("bounds_fallback", boundary.FromBounds).
		Msg("seeded place")
	return id, nil
}

func boundaryMetadata(b *overpass.Boundary) map[string]any {
	meta := map[string]any{
		"osm_id":      b.OSMID,
		"osm_type":    b.OSMType,
		"admin_level": b.AdminLevel,
	}
	if pop, err := strconv.ParseInt(b.Tags["population"], 10, 64); err == nil {
		meta["population"] = pop
	}
	for _, tag := range []string{"wikipedia", "wikidata"} {
		if v := b.Tags[tag]; v != "" {
			meta[tag] = v
		}
	}
	return meta
}
