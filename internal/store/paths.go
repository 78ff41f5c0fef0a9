package store

import "context"

// PathStep is one traversed edge of a shortest-path result.
type PathStep struct {
	Seq             int
	NodeID          int64
	EdgeID          int64
	Cost            float64
	AggCost         float64
	DistanceMeters  float64
	DurationSeconds float64
	RoadType        string
}

// Path is a materialized shortest path. Nodes is the visited sequence
// including both endpoints; Steps holds one entry per traversed edge.
type Path struct {
	Nodes                []int64
	Steps                []PathStep
	TotalDistanceMeters  float64
	TotalDurationSeconds float64
}

// ShortestPath runs Dijkstra over the edges table with
// base_duration_seconds as cost and joins each hop back to its edge row.
// Returns ErrNoPath when the endpoints are not connected; that is the
// graph cache-miss signal, not a failure.
func (s *Store) ShortestPath(ctx context.Context, sourceNode, targetNode int64) (*Path, error) {
	query := `
		SELECT
			path.seq,
			path.node,
			path.edge,
			path.cost,
			path.agg_cost,
			COALESCE(e.distance_meters, 0),
			COALESCE(e.base_duration_seconds, 0),
			COALESCE(e.road_type, '')
		FROM pgr_dijkstra(
			'SELECT edge_id AS id, source_node AS source, target_node AS target,
			 base_duration_seconds AS cost FROM edges',
			$1::bigint, $2::bigint, directed => true
		) AS path
		LEFT JOIN edges e ON path.edge = e.edge_id
		ORDER BY path.seq
	`

	rows, err := s.pool.Query(ctx, query, sourceNode, targetNode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var p Path
	for rows.Next() {
		var step PathStep
		if err := rows.Scan(
			&step.Seq,
			&step.NodeID,
			&step.EdgeID,
			&step.Cost,
			&step.AggCost,
			&step.DistanceMeters,
			&step.DurationSeconds,
			&step.RoadType,
		); err != nil {
			return nil, err
		}

		p.Nodes = append(p.Nodes, step.NodeID)
		p.TotalDurationSeconds = step.AggCost

		// The terminal row carries edge = -1 and no edge columns.
		if step.EdgeID >= 0 {
			p.Steps = append(p.Steps, step)
			p.TotalDistanceMeters += step.DistanceMeters
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(p.Nodes) == 0 {
		return nil, ErrNoPath
	}
	return &p, nil
}
