package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// NodeLocation is the minimal node shape the geospatial index loads.
type NodeLocation struct {
	ID  int64
	Lat float64
	Lon float64
}

// NodeDistance is a proximity query hit.
type NodeDistance struct {
	ID         int64
	DistanceKm float64
}

// HubNode is a place-linked node near a coordinate, used by the graph
// builder's split-point search.
type HubNode struct {
	NodeID     int64
	PlaceID    int64
	PlaceName  string
	DistanceKm float64
}

// InsertNode creates a node with a precomputed geohash and returns its id.
func (s *Store) InsertNode(ctx context.Context, lat, lon float64, geohash, nodeType string) (int64, error) {
	query := `
		INSERT INTO nodes (geometry, node_type, geohash)
		VALUES (ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3, $4)
		RETURNING node_id
	`

	var id int64
	if err := s.pool.QueryRow(ctx, query, lon, lat, nodeType, geohash).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// NearestNodeWithin finds the closest existing node within thresholdMeters
// of the point, considering only nodes inside the candidate geohash cells.
// The geohash equality runs on a B-tree and cuts the candidate set to a
// handful before the spatial distance is evaluated. Returns ErrNotFound
// when no node qualifies.
func (s *Store) NearestNodeWithin(ctx context.Context, lat, lon, thresholdMeters float64, candidateHashes []string) (int64, error) {
	if len(candidateHashes) == 0 {
		return 0, ErrNotFound
	}

	query := `
		SELECT node_id
		FROM nodes
		WHERE geohash = ANY($1)
		  AND ST_DWithin(geometry, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)
		ORDER BY ST_Distance(geometry, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography)
		LIMIT 1
	`

	var id int64
	err := s.pool.QueryRow(ctx, query, candidateHashes, lon, lat, thresholdMeters).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

// LinkNodeToPlace promotes a node to an access point of the place.
func (s *Store) LinkNodeToPlace(ctx context.Context, nodeID, placeID int64, nodeType string) error {
	query := `
		UPDATE nodes
		SET linked_place_id = $1, node_type = $2
		WHERE node_id = $3
	`

	tag, err := s.pool.Exec(ctx, query, placeID, nodeType, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AccessNodesOf returns the access node ids of a place in ascending order.
// The ordering keeps all-pairs routing deterministic.
func (s *Store) AccessNodesOf(ctx context.Context, placeID int64) ([]int64, error) {
	query := `
		SELECT node_id
		FROM nodes
		WHERE linked_place_id = $1
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query, placeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NodeCoords returns a node's coordinates.
func (s *Store) NodeCoords(ctx context.Context, nodeID int64) (lat, lon float64, err error) {
	query := `
		SELECT ST_Y(geometry::geometry), ST_X(geometry::geometry)
		FROM nodes
		WHERE node_id = $1
	`

	err = s.pool.QueryRow(ctx, query, nodeID).Scan(&lat, &lon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, err
	}
	return lat, lon, nil
}

// NodeGeometries returns coordinates for the given nodes preserving
// input order, which is the path order the router materializes.
func (s *Store) NodeGeometries(ctx context.Context, nodeIDs []int64) ([]NodeLocation, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT node_id, ST_Y(geometry::geometry), ST_X(geometry::geometry)
		FROM nodes
		WHERE node_id = ANY($1)
		ORDER BY array_position($1, node_id)
	`

	rows, err := s.pool.Query(ctx, query, nodeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []NodeLocation
	for rows.Next() {
		var n NodeLocation
		if err := rows.Scan(&n.ID, &n.Lat, &n.Lon); err != nil {
			return nil, err
		}
		locs = append(locs, n)
	}
	return locs, rows.Err()
}

// AllNodeLocations streams every node for the geospatial index bulk load.
func (s *Store) AllNodeLocations(ctx context.Context) ([]NodeLocation, error) {
	query := `
		SELECT node_id, ST_Y(geometry::geometry), ST_X(geometry::geometry)
		FROM nodes
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []NodeLocation
	for rows.Next() {
		var n NodeLocation
		if err := rows.Scan(&n.ID, &n.Lat, &n.Lon); err != nil {
			return nil, err
		}
		locs = append(locs, n)
	}
	return locs, rows.Err()
}

// NearbyNodes is the relational fallback for the geospatial index:
// KNN-ordered nodes within radiusKm of the point.
func (s *Store) NearbyNodes(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]NodeDistance, error) {
	query := `
		SELECT node_id,
		       ST_Distance(geometry, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / 1000.0
		FROM nodes
		WHERE ST_DWithin(geometry, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY geometry <-> ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, lon, lat, radiusKm*1000, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []NodeDistance
	for rows.Next() {
		var n NodeDistance
		if err := rows.Scan(&n.ID, &n.DistanceKm); err != nil {
			return nil, err
		}
		hits = append(hits, n)
	}
	return hits, rows.Err()
}

// NearestHubNodes returns nodes linked to city or town places within
// maxKm of the point, nearest first. These are the split-point anchors
// the graph builder tries before injecting a full route.
func (s *Store) NearestHubNodes(ctx context.Context, lat, lon, maxKm float64, limit int) ([]HubNode, error) {
	query := `
		SELECT n.node_id, p.place_id, p.name,
		       ST_Distance(n.geometry, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / 1000.0 AS distance_km
		FROM nodes n
		JOIN places p ON n.linked_place_id = p.place_id
		WHERE p.place_type IN ('city', 'town')
		  AND ST_DWithin(n.geometry, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY distance_km ASC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, lon, lat, maxKm*1000, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hubs []HubNode
	for rows.Next() {
		var h HubNode
		if err := rows.Scan(&h.NodeID, &h.PlaceID, &h.PlaceName, &h.DistanceKm); err != nil {
			return nil, err
		}
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// NearestUnlinkedNode picks, from the candidate list, the unlinked node
// closest to the point. Distance is in meters. Returns ErrNotFound when
// every candidate is already linked or the list is empty.
func (s *Store) NearestUnlinkedNode(ctx context.Context, lat, lon float64, candidates []int64) (int64, float64, error) {
	if len(candidates) == 0 {
		return 0, 0, ErrNotFound
	}

	query := `
		SELECT node_id,
		       ST_Distance(geometry, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance_meters
		FROM nodes
		WHERE node_id = ANY($3)
		  AND linked_place_id IS NULL
		ORDER BY distance_meters
		LIMIT 1
	`

	var (
		id   int64
		dist float64
	)
	err := s.pool.QueryRow(ctx, query, lon, lat, candidates).Scan(&id, &dist)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, err
	}
	return id, dist, nil
}

// LinkedPlaceID returns the place a node is linked to, ErrNotFound when
// the node is unlinked or absent.
func (s *Store) LinkedPlaceID(ctx context.Context, nodeID int64) (int64, error) {
	query := `SELECT linked_place_id FROM nodes WHERE node_id = $1 AND linked_place_id IS NOT NULL`

	var id int64
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}
