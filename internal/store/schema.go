package store

import (
	"context"
	"fmt"
)

// schemaStatements is executed in order by EnsureSchema. Every statement
// is idempotent so bootstrap can run on every start.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE EXTENSION IF NOT EXISTS pgrouting`,

	`CREATE TABLE IF NOT EXISTS places (
		place_id      BIGSERIAL PRIMARY KEY,
		name          TEXT NOT NULL,
		place_type    TEXT NOT NULL,
		province      TEXT NOT NULL DEFAULT '',
		country       TEXT,
		center_geom   geometry(Point, 4326) NOT NULL,
		boundary_geom geometry(Polygon, 4326),
		geohash       TEXT,
		metadata      JSONB,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (name, place_type, province)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_places_geohash ON places (geohash)`,
	`CREATE INDEX IF NOT EXISTS idx_places_center ON places USING GIST (center_geom)`,
	`CREATE INDEX IF NOT EXISTS idx_places_boundary ON places USING GIST (boundary_geom)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		node_id         BIGSERIAL PRIMARY KEY,
		geometry        geography(Point, 4326) NOT NULL,
		node_type       TEXT NOT NULL DEFAULT 'waypoint',
		linked_place_id BIGINT REFERENCES places(place_id),
		geohash         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_geohash ON nodes (geohash)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_geometry ON nodes USING GIST (geometry)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_linked_place ON nodes (linked_place_id)`,

	`CREATE TABLE IF NOT EXISTS edges (
		edge_id               BIGSERIAL PRIMARY KEY,
		source_node           BIGINT NOT NULL REFERENCES nodes(node_id),
		target_node           BIGINT NOT NULL REFERENCES nodes(node_id),
		geometry              geography(LineString, 4326),
		distance_meters       DOUBLE PRECISION NOT NULL,
		max_speed_kmh         DOUBLE PRECISION NOT NULL,
		base_duration_seconds DOUBLE PRECISION NOT NULL,
		road_type             TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (source_node, target_node)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_node)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_node)`,

	`CREATE TABLE IF NOT EXISTS weather_cache (
		cache_key      TEXT PRIMARY KEY,
		geohash        TEXT NOT NULL,
		forecast_hour  TIMESTAMPTZ NOT NULL,
		model_run_time TEXT,
		weather_data   JSONB NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_weather_geohash ON weather_cache (geohash)`,
	`CREATE INDEX IF NOT EXISTS idx_weather_expires ON weather_cache (expires_at)`,

	`CREATE TABLE IF NOT EXISTS route_places_cache (
		source_place_id BIGINT NOT NULL REFERENCES places(place_id),
		target_place_id BIGINT NOT NULL REFERENCES places(place_id),
		places_data     JSONB NOT NULL,
		total_places    INT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (source_place_id, target_place_id)
	)`,

	`CREATE TABLE IF NOT EXISTS feature_flags (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE OR REPLACE VIEW graph_stats AS
	SELECT
		(SELECT COUNT(*) FROM places)                                        AS total_places,
		(SELECT COUNT(*) FROM nodes)                                         AS total_nodes,
		(SELECT COUNT(*) FROM nodes WHERE node_type = 'access_point')        AS access_nodes,
		(SELECT COUNT(*) FROM nodes WHERE node_type <> 'access_point')       AS intermediate_nodes,
		(SELECT COUNT(*) FROM edges)                                         AS total_edges,
		(SELECT COALESCE(SUM(distance_meters), 0) / 1000.0 FROM edges)       AS total_road_km`,
}

// EnsureSchema creates extensions, tables, indexes, and the stats view.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GraphStats summarizes graph size for logs and the ops endpoint.
type GraphStats struct {
	Places            int64
	Nodes             int64
	AccessNodes       int64
	IntermediateNodes int64
	Edges             int64
	TotalRoadKm       float64
}

// Stats reads the graph_stats view.
func (s *Store) Stats(ctx context.Context) (*GraphStats, error) {
	var st GraphStats
	err := s.pool.QueryRow(ctx, `SELECT * FROM graph_stats`).Scan(
		&st.Places,
		&st.Nodes,
		&st.AccessNodes,
		&st.IntermediateNodes,
		&st.Edges,
		&st.TotalRoadKm,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
