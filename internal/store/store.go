// Package store is the relational layer: places, graph nodes and edges,
// the weather fallback rows, and the route-places relation, all on
// PostgreSQL with the PostGIS and pgRouting extensions. It is the source
// of truth behind every cache; cache layers warm themselves from here and
// fall back here when the key-value store is unavailable.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// ErrNoPath is returned by ShortestPath when the graph holds no route
// between the endpoints. It is the cache-miss signal, not a failure.
var ErrNoPath = errors.New("store: no path between nodes")

// Node types. A node starts as a waypoint and is promoted to an access
// point when linked to a place; it is never demoted.
const (
	NodeTypeWaypoint    = "waypoint"
	NodeTypeAccessPoint = "access_point"
)

// Store executes all relational queries over a shared bounded pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies connectivity; the readiness endpoint calls this.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
