// Package routeplaces caches the ordered list of populated areas a route
// passes through. The list depends only on the route's endpoints, never
// on departure time, so it is cached aggressively: a key-value entry
// with a day-long TTL in front of a relational row that survives
// restarts.
package routeplaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/store"
)

// KeyPrefix namespaces the key-value entries.
const KeyPrefix = "route:places:"

// TTL is the hot-tier lifetime. The relational row has none; a stale
// list is repaired by Clear, not by expiry.
const TTL = 24 * time.Hour

// KV is the key-value slice the cache uses.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error)
}

// DB is the relational slice backing the cache.
type DB interface {
	RoutePlacesGet(ctx context.Context, srcPlaceID, dstPlaceID int64) ([]store.RoutePlace, error)
	RoutePlacesUpsert(ctx context.Context, srcPlaceID, dstPlaceID int64, places []store.RoutePlace) error
	RoutePlacesClearMatching(ctx context.Context, srcPlaceID, dstPlaceID int64) (int64, error)
}

// Cache is the two-tier route-places cache.
type Cache struct {
	kv  KV
	db  DB
	log zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Cache over the given clients.
func New(kv KV, db DB, log zerolog.Logger) *Cache {
	return &Cache{kv: kv, db: db, log: log.With().Str("component", "routeplaces").Logger()}
}

// Key builds the cache key for a route.
func Key(srcPlaceID, dstPlaceID int64) string {
	return fmt.Sprintf("%s%d:%d", KeyPrefix, srcPlaceID, dstPlaceID)
}

// Get returns the cached place list for a route, or nil on a miss. A
// relational hit warms the key-value copy back.
func (c *Cache) Get(ctx context.Context, srcPlaceID, dstPlaceID int64) ([]store.RoutePlace, error) {
	key := Key(srcPlaceID, dstPlaceID)

	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("key-value read failed, falling back")
	} else if found {
		var places []store.RoutePlace
		if err := json.Unmarshal(raw, &places); err == nil {
			c.hits.Add(1)
			return places, nil
		}
		c.log.Warn().Str("key", key).Msg("undecodable route-places entry, dropping")
		_ = c.kv.Del(ctx, key)
	}

	places, err := c.db.RoutePlacesGet(ctx, srcPlaceID, dstPlaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.misses.Add(1)
			return nil, nil
		}
		return nil, err
	}

	c.hits.Add(1)
	c.warm(ctx, key, places)
	return places, nil
}

// Set stores the place list in both tiers.
func (c *Cache) Set(ctx context.Context, srcPlaceID, dstPlaceID int64, places []store.RoutePlace) error {
	if err := c.db.RoutePlacesUpsert(ctx, srcPlaceID, dstPlaceID, places); err != nil {
		return err
	}
	c.warm(ctx, Key(srcPlaceID, dstPlaceID), places)
	return nil
}

func (c *Cache) warm(ctx context.Context, key string, places []store.RoutePlace) {
	raw, err := json.Marshal(places)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, raw, TTL); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("key-value warm failed")
	}
}

// Clear drops cached lists from both tiers; a zero endpoint matches any.
// Returns the number of relational rows removed. Called after graph
// edits change which places a route passes.
func (c *Cache) Clear(ctx context.Context, srcPlaceID, dstPlaceID int64) (int64, error) {
	pattern := KeyPrefix + "*"
	switch {
	case srcPlaceID != 0 && dstPlaceID != 0:
		pattern = Key(srcPlaceID, dstPlaceID)
	case srcPlaceID != 0:
		pattern = fmt.Sprintf("%s%d:*", KeyPrefix, srcPlaceID)
	case dstPlaceID != 0:
		pattern = fmt.Sprintf("%s*:%d", KeyPrefix, dstPlaceID)
	}

	keys, err := c.kv.ScanKeys(ctx, pattern, 0)
	if err != nil {
		c.log.Debug().Err(err).Str("pattern", pattern).Msg("key-value clear scan failed")
	} else if len(keys) > 0 {
		if err := c.kv.Del(ctx, keys...); err != nil {
			c.log.Debug().Err(err).Str("pattern", pattern).Msg("key-value clear failed")
		}
	}

	return c.db.RoutePlacesClearMatching(ctx, srcPlaceID, dstPlaceID)
}

// Stats reports hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
