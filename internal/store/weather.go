package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// WeatherRow is the relational copy of one weather cache entry. The
// key-value store is the hot tier; these rows survive restarts and serve
// reads when it is unavailable.
type WeatherRow struct {
	CacheKey     string
	Geohash      string
	ForecastHour time.Time
	ModelRun     string
	Payload      []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

const weatherColumns = `
	cache_key, geohash, forecast_hour,
	COALESCE(model_run_time, ''), weather_data, expires_at, created_at
`

// WeatherGetByPrefix returns the newest entry whose key starts with the
// prefix. Prefix form is `weather:{geohash}_{hour}_` so the newest match
// is the most recent model run for that cell and hour.
func (s *Store) WeatherGetByPrefix(ctx context.Context, prefix string) (*WeatherRow, error) {
	query := `
		SELECT ` + weatherColumns + `
		FROM weather_cache
		WHERE cache_key LIKE $1 || '%'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var w WeatherRow
	err := s.pool.QueryRow(ctx, query, prefix).Scan(
		&w.CacheKey, &w.Geohash, &w.ForecastHour,
		&w.ModelRun, &w.Payload, &w.ExpiresAt, &w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// WeatherNewestForGeohash returns the most recently written entry for a
// geohash cell, used to detect upstream model-run changes.
func (s *Store) WeatherNewestForGeohash(ctx context.Context, geohash string) (*WeatherRow, error) {
	query := `
		SELECT ` + weatherColumns + `
		FROM weather_cache
		WHERE geohash = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var w WeatherRow
	err := s.pool.QueryRow(ctx, query, geohash).Scan(
		&w.CacheKey, &w.Geohash, &w.ForecastHour,
		&w.ModelRun, &w.Payload, &w.ExpiresAt, &w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// WeatherUpsert writes an entry keyed by cache_key. Concurrent writers
// for the same key converge on the last write; created_at is refreshed so
// newest-by-created_at stays meaningful after refreshes.
func (s *Store) WeatherUpsert(ctx context.Context, w WeatherRow) error {
	query := `
		INSERT INTO weather_cache (cache_key, geohash, forecast_hour, model_run_time, weather_data, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (cache_key) DO UPDATE SET
			weather_data   = EXCLUDED.weather_data,
			model_run_time = EXCLUDED.model_run_time,
			expires_at     = EXCLUDED.expires_at,
			created_at     = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		w.CacheKey, w.Geohash, w.ForecastHour,
		w.ModelRun, w.Payload, w.ExpiresAt,
	)
	return err
}

// WeatherInvalidateGeohash removes every entry for a geohash cell and
// reports how many were dropped. Called when a new model run supersedes
// the cached one.
func (s *Store) WeatherInvalidateGeohash(ctx context.Context, geohash string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM weather_cache WHERE geohash = $1`, geohash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// WeatherDeleteExpired removes entries whose expiry is older than the
// grace window. The maintenance worker runs this periodically.
func (s *Store) WeatherDeleteExpired(ctx context.Context, grace time.Duration) (int64, error) {
	query := `DELETE FROM weather_cache WHERE expires_at < NOW() - make_interval(secs => $1)`

	tag, err := s.pool.Exec(ctx, query, grace.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
