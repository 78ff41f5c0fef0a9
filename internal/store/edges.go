package store

import "context"

// InsertEdgeIfNew creates a directed edge between two nodes. The
// (source, target) pair is unique; a conflicting insert is a silent no-op
// so re-injecting a route is always safe. Returns whether a row was
// actually created.
func (s *Store) InsertEdgeIfNew(ctx context.Context, sourceNode, targetNode int64, geometryWKT string, distanceMeters, maxSpeedKmh, durationSeconds float64, roadType string) (bool, error) {
	query := `
		INSERT INTO edges (
			source_node, target_node, geometry,
			distance_meters, max_speed_kmh, base_duration_seconds, road_type
		)
		VALUES (
			$1, $2, ST_GeomFromText($3, 4326)::geography,
			$4, $5, $6, $7
		)
		ON CONFLICT (source_node, target_node) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		sourceNode, targetNode, geometryWKT,
		distanceMeters, maxSpeedKmh, durationSeconds, roadType,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EdgeCount reports the number of stored edges.
func (s *Store) EdgeCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
