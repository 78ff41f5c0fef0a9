package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Place is a named populated area. Name is always the canonical form
// produced by the normalizer; Province is empty when unknown, and the
// upsert key (name, place_type, province) treats empty as a value so
// province-less places cannot duplicate.
type Place struct {
	ID          int64
	Name        string
	Type        string
	Province    string
	Country     string
	Lat         float64
	Lon         float64
	Geohash     string
	HasBoundary bool
	Metadata    map[string]any
}

// PlaceParams carries everything an upsert may set. BoundaryWKT and
// Metadata are optional; empty values never overwrite stored ones.
type PlaceParams struct {
	Name        string
	Type        string
	Province    string
	Country     string
	Lat         float64
	Lon         float64
	BoundaryWKT string
	Geohash     string
	Metadata    map[string]any
}

// FindPlace resolves a normalized name to a place id. Type and country
// narrow the match when non-empty. Returns ErrNotFound on no match.
func (s *Store) FindPlace(ctx context.Context, name, placeType, country string) (int64, error) {
	query := `
		SELECT place_id
		FROM places
		WHERE name = $1
		  AND ($2 = '' OR place_type = $2)
		  AND ($3 = '' OR country = $3)
		ORDER BY place_id
		LIMIT 1
	`

	var id int64
	err := s.pool.QueryRow(ctx, query, name, placeType, country).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

// UpsertPlace inserts or updates a place keyed by (name, type, province).
// The center always follows the newest write; boundary, geohash, and
// metadata only fill in when previously absent or when the new value is
// non-empty.
func (s *Store) UpsertPlace(ctx context.Context, p PlaceParams) (int64, error) {
	query := `
		INSERT INTO places (name, place_type, province, country, center_geom, boundary_geom, geohash, metadata)
		VALUES (
			$1, $2, $3, $4,
			ST_SetSRID(ST_MakePoint($5, $6), 4326),
			CASE WHEN $7 = '' THEN NULL ELSE ST_GeomFromText($7, 4326) END,
			$8, $9
		)
		ON CONFLICT (name, place_type, province) DO UPDATE SET
			center_geom   = EXCLUDED.center_geom,
			country       = COALESCE(NULLIF(EXCLUDED.country, ''), places.country),
			boundary_geom = COALESCE(EXCLUDED.boundary_geom, places.boundary_geom),
			geohash       = COALESCE(NULLIF(EXCLUDED.geohash, ''), places.geohash),
			metadata      = COALESCE(EXCLUDED.metadata, places.metadata),
			updated_at    = NOW()
		RETURNING place_id
	`

	var metaJSON []byte
	if len(p.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal place metadata: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.Name, p.Type, p.Province, p.Country,
		p.Lon, p.Lat,
		p.BoundaryWKT, p.Geohash, metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PlaceByID loads a full place record.
func (s *Store) PlaceByID(ctx context.Context, id int64) (*Place, error) {
	query := `
		SELECT
			place_id, name, place_type,
			COALESCE(province, ''), COALESCE(country, ''),
			ST_Y(center_geom), ST_X(center_geom),
			COALESCE(geohash, ''),
			boundary_geom IS NOT NULL,
			metadata
		FROM places
		WHERE place_id = $1
	`

	var (
		p       Place
		metaRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Type,
		&p.Province, &p.Country,
		&p.Lat, &p.Lon,
		&p.Geohash,
		&p.HasBoundary,
		&metaRaw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal place metadata: %w", err)
		}
	}
	return &p, nil
}

// ContainingPlace is a polygon-containment hit for a route coordinate.
type ContainingPlace struct {
	ID       int64
	Name     string
	Type     string
	Province string
	Country  string
	Lat      float64
	Lon      float64
}

// PlacesContaining returns every place whose boundary polygon contains
// the point. Containment is planar over geometry(Polygon,4326), which is
// exact at city scale; the GIST index on boundary_geom carries the query.
func (s *Store) PlacesContaining(ctx context.Context, lat, lon float64) ([]ContainingPlace, error) {
	query := `
		SELECT
			place_id, name, place_type,
			COALESCE(province, ''), COALESCE(country, ''),
			ST_Y(center_geom), ST_X(center_geom)
		FROM places
		WHERE boundary_geom IS NOT NULL
		  AND ST_Contains(boundary_geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		ORDER BY place_id
	`

	rows, err := s.pool.Query(ctx, query, lon, lat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var places []ContainingPlace
	for rows.Next() {
		var p ContainingPlace
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Province, &p.Country, &p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		places = append(places, p)
	}
	return places, rows.Err()
}

// SetPlaceGeohash fills a missing geohash; an existing value is kept.
func (s *Store) SetPlaceGeohash(ctx context.Context, id int64, geohash string) error {
	query := `UPDATE places SET geohash = $1 WHERE place_id = $2 AND geohash IS NULL`
	_, err := s.pool.Exec(ctx, query, geohash, id)
	return err
}

// UpdatePlaceBoundary stores a boundary polygon for a place that has none.
func (s *Store) UpdatePlaceBoundary(ctx context.Context, id int64, boundaryWKT string) error {
	query := `
		UPDATE places
		SET boundary_geom = ST_GeomFromText($1, 4326), updated_at = NOW()
		WHERE place_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, boundaryWKT, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
