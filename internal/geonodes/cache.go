// Package geonodes maintains the geospatial index of all graph nodes in
// the key-value store. The index makes nearest-node lookups a single
// GEORADIUS instead of a relational spatial scan. The relational store
// stays the source of truth: the index is rebuilt from it on startup and
// every lookup falls back to it when the key-value store misbehaves.
package geonodes

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/kvcache"
	"github.com/routecast/routecast/internal/store"
)

// IndexKey names the geospatial set holding every node.
const IndexKey = "geo:nodes"

// KV is the geospatial slice of the key-value client.
type KV interface {
	Del(ctx context.Context, keys ...string) error
	GeoAdd(ctx context.Context, key string, members ...kvcache.GeoMember) error
	GeoAddBatch(ctx context.Context, key string, members []kvcache.GeoMember) error
	GeoRadius(ctx context.Context, key string, lat, lon, radiusKm float64, count int) ([]kvcache.GeoResult, error)
	GeoRemove(ctx context.Context, key string, members ...string) error
	GeoCard(ctx context.Context, key string) (int64, error)
}

// GraphStore is the relational slice backing the index.
type GraphStore interface {
	AllNodeLocations(ctx context.Context) ([]store.NodeLocation, error)
	NearbyNodes(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]store.NodeDistance, error)
}

// Hit is one nearby node.
type Hit struct {
	NodeID     int64
	DistanceKm float64
}

// Cache is the node geospatial index.
type Cache struct {
	kv  KV
	db  GraphStore
	log zerolog.Logger
}

// New builds the index over the given clients.
func New(kv KV, db GraphStore, log zerolog.Logger) *Cache {
	return &Cache{kv: kv, db: db, log: log.With().Str("component", "geonodes").Logger()}
}

// Load rebuilds the index from the relational store and returns the
// loaded node count. Called once at startup after both pools are up; the
// previous index is dropped first since a stale copy is worse than a
// short rebuild.
func (c *Cache) Load(ctx context.Context) (int, error) {
	start := time.Now()

	nodes, err := c.db.AllNodeLocations(ctx)
	if err != nil {
		return 0, err
	}

	if err := c.kv.Del(ctx, IndexKey); err != nil {
		return 0, err
	}

	members := make([]kvcache.GeoMember, len(nodes))
	for i, n := range nodes {
		members[i] = kvcache.GeoMember{
			Name: strconv.FormatInt(n.ID, 10),
			Lat:  n.Lat,
			Lon:  n.Lon,
		}
	}
	if err := c.kv.GeoAddBatch(ctx, IndexKey, members); err != nil {
		return 0, err
	}

	c.log.Info().
		Int("nodes", len(nodes)).
		Dur("elapsed", time.Since(start)).
		Msg("geospatial node index loaded")
	return len(nodes), nil
}

// Nearby returns up to limit nodes within radiusKm of the point, nearest
// first. The hot path is a single GEORADIUS; a key-value error degrades
// to the relational KNN query.
func (c *Cache) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	results, err := c.kv.GeoRadius(ctx, IndexKey, lat, lon, radiusKm, limit)
	if err != nil {
		c.log.Warn().Err(err).Msg("geo index unavailable, falling back to relational lookup")
		return c.nearbyFromStore(ctx, lat, lon, radiusKm, limit)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.Name, 10, 64)
		if err != nil {
			// Foreign member in the set; skip rather than fail the lookup.
			c.log.Warn().Str("member", r.Name).Msg("non-numeric member in geo index")
			continue
		}
		hits = append(hits, Hit{NodeID: id, DistanceKm: r.DistanceKm})
	}
	return hits, nil
}

func (c *Cache) nearbyFromStore(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	nodes, err := c.db.NearbyNodes(ctx, lat, lon, radiusKm, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(nodes))
	for i, n := range nodes {
		hits[i] = Hit{NodeID: n.ID, DistanceKm: n.DistanceKm}
	}
	return hits, nil
}

// Add inserts a node into the index. Called by the graph builder for
// every node it creates so lookups see graph growth without a reload.
func (c *Cache) Add(ctx context.Context, nodeID int64, lat, lon float64) error {
	return c.kv.GeoAdd(ctx, IndexKey, kvcache.GeoMember{
		Name: strconv.FormatInt(nodeID, 10),
		Lat:  lat,
		Lon:  lon,
	})
}

// Remove drops a node from the index.
func (c *Cache) Remove(ctx context.Context, nodeID int64) error {
	return c.kv.GeoRemove(ctx, IndexKey, strconv.FormatInt(nodeID, 10))
}

// Count reports the indexed node count.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	return c.kv.GeoCard(ctx, IndexKey)
}
