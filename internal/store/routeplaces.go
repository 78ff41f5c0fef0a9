package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RoutePlace is one populated area found along a route. The list is
// stored as a JSONB document; weather and arrival times are never stored
// with it because they depend on departure time.
type RoutePlace struct {
	Name string  `json:"name"`
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// RoutePlacesGet loads the cached place list for a route. ErrNotFound on
// cache miss.
func (s *Store) RoutePlacesGet(ctx context.Context, srcPlaceID, dstPlaceID int64) ([]RoutePlace, error) {
	query := `
		SELECT places_data
		FROM route_places_cache
		WHERE source_place_id = $1 AND target_place_id = $2
	`

	var raw []byte
	err := s.pool.QueryRow(ctx, query, srcPlaceID, dstPlaceID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var places []RoutePlace
	if err := json.Unmarshal(raw, &places); err != nil {
		return nil, fmt.Errorf("unmarshal route places: %w", err)
	}
	return places, nil
}

// RoutePlacesUpsert stores the place list for a route, overwriting any
// previous list.
func (s *Store) RoutePlacesUpsert(ctx context.Context, srcPlaceID, dstPlaceID int64, places []RoutePlace) error {
	raw, err := json.Marshal(places)
	if err != nil {
		return fmt.Errorf("marshal route places: %w", err)
	}

	query := `
		INSERT INTO route_places_cache (source_place_id, target_place_id, places_data, total_places)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (source_place_id, target_place_id) DO UPDATE SET
			places_data  = EXCLUDED.places_data,
			total_places = EXCLUDED.total_places,
			updated_at   = NOW()
	`

	_, err = s.pool.Exec(ctx, query, srcPlaceID, dstPlaceID, raw, len(places))
	return err
}

// RoutePlacesClear removes the cached list for one route.
func (s *Store) RoutePlacesClear(ctx context.Context, srcPlaceID, dstPlaceID int64) error {
	query := `
		DELETE FROM route_places_cache
		WHERE source_place_id = $1 AND target_place_id = $2
	`

	_, err := s.pool.Exec(ctx, query, srcPlaceID, dstPlaceID)
	return err
}

// RoutePlacesClearAll empties the relation.
func (s *Store) RoutePlacesClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM route_places_cache`)
	return err
}

// RoutePlacesClearMatching removes cached lists filtered by endpoint;
// zero means any. Returns the number of rows dropped.
func (s *Store) RoutePlacesClearMatching(ctx context.Context, srcPlaceID, dstPlaceID int64) (int64, error) {
	query := `
		DELETE FROM route_places_cache
		WHERE ($1 = 0 OR source_place_id = $1)
		  AND ($2 = 0 OR target_place_id = $2)
	`

	tag, err := s.pool.Exec(ctx, query, srcPlaceID, dstPlaceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
