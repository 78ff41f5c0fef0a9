package weather

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/coalesce"
	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/store"
)

// modelTagCacheSize bounds the geohash -> model-run-tag map used to
// reconstruct exact cache keys for bulk reads.
const modelTagCacheSize = 8192

// KV is the key-value slice the cache uses.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error)
}

// DB is the relational slice backing the cache across restarts.
type DB interface {
	WeatherGetByPrefix(ctx context.Context, prefix string) (*store.WeatherRow, error)
	WeatherNewestForGeohash(ctx context.Context, geohash string) (*store.WeatherRow, error)
	WeatherUpsert(ctx context.Context, w store.WeatherRow) error
	WeatherInvalidateGeohash(ctx context.Context, geohash string) (int64, error)
}

// RefreshPublisher broadcasts a model-run change so sibling processes
// drop their copies of the affected cell. Nil disables publishing.
type RefreshPublisher interface {
	PublishModelRefresh(ctx context.Context, geohash, oldRun, newRun string) error
}

// FetchFunc pulls a forecast from the upstream provider. It returns the
// forecast and the provider's model-run timestamp, which may be empty.
type FetchFunc func(ctx context.Context, lat, lon float64, t time.Time) (Forecast, string, error)

// Config assembles a Cache.
type Config struct {
	KV        KV
	DB        DB
	Group     *coalesce.Group
	TZOf      TZOf
	Publisher RefreshPublisher

	// StaleCheck gates stale serving at runtime, typically bound to the
	// stale_weather_enabled feature flag. nil allows stale serves.
	StaleCheck func(ctx context.Context) bool

	Logger zerolog.Logger
}

// Cache is the two-tier weather cache: key-value hot tier with
// local-hour TTLs, relational warm tier surviving restarts. Reads prefer
// the hot tier and warm it back from the relational rows on a miss.
type Cache struct {
	kv         KV
	db         DB
	group      *coalesce.Group
	tzOf       TZOf
	publisher  RefreshPublisher
	staleCheck func(ctx context.Context) bool
	log        zerolog.Logger
	now        func() time.Time

	// Last sanitized model tag seen per geohash. Bulk reads need exact
	// keys, and the tag is the only key segment not derivable from the
	// query itself.
	modelTags *lru.Cache[string, string]

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	apiCalls    atomic.Int64
	refreshes   atomic.Int64
}

// New builds a Cache. KV and DB are required; Group, TZOf, and Publisher
// may be nil (no request coalescing, UTC TTLs, no refresh events).
func New(cfg Config) *Cache {
	tags, _ := lru.New[string, string](modelTagCacheSize)
	return &Cache{
		kv:         cfg.KV,
		db:         cfg.DB,
		group:      cfg.Group,
		tzOf:       cfg.TZOf,
		publisher:  cfg.Publisher,
		staleCheck: cfg.StaleCheck,
		log:        cfg.Logger.With().Str("component", "weather").Logger(),
		now:        time.Now,
		modelTags:  tags,
	}
}

// staleAllowed combines a caller's allowStale with the runtime gate.
func (c *Cache) staleAllowed(ctx context.Context, allowStale bool) bool {
	if !allowStale {
		return false
	}
	if c.staleCheck != nil && !c.staleCheck(ctx) {
		return false
	}
	return true
}

// Get returns the cached forecast for the point and hour, or nil on a
// miss. allowStale extends eligibility up to StaleWindow past expiry;
// such entries come back marked Stale. Key-value errors degrade to the
// relational tier, which also warms the key-value copy back.
func (c *Cache) Get(ctx context.Context, lat, lon float64, t time.Time, allowStale bool) (*CellWeather, error) {
	gh := geo.EncodeGeohash(lat, lon, GeohashPrecision)
	if gh == "" {
		return nil, ErrNoData
	}
	prefix := CellHourPrefix(gh, t)
	allowStale = c.staleAllowed(ctx, allowStale)

	if cw := c.getKV(ctx, prefix, allowStale); cw != nil {
		c.hits.Add(1)
		if cw.Stale {
			c.staleServes.Add(1)
		}
		c.modelTags.Add(gh, SanitizeModelRun(cw.ModelRun))
		return cw, nil
	}

	cw, err := c.getDB(ctx, lat, lon, prefix, allowStale)
	if err != nil {
		return nil, err
	}
	if cw == nil {
		c.misses.Add(1)
		return nil, nil
	}

	c.hits.Add(1)
	if cw.Stale {
		c.staleServes.Add(1)
	}
	c.modelTags.Add(gh, SanitizeModelRun(cw.ModelRun))
	return cw, nil
}

// getKV scans the cell-hour prefix in the hot tier. Any error is treated
// as a miss; the relational tier answers instead.
func (c *Cache) getKV(ctx context.Context, prefix string, allowStale bool) *CellWeather {
	keys, err := c.kv.ScanKeys(ctx, prefix+"*", 8)
	if err != nil {
		c.log.Debug().Err(err).Str("prefix", prefix).Msg("key-value scan failed, falling back")
		return nil
	}

	var best *CellWeather
	for _, key := range keys {
		raw, found, err := c.kv.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		cw := c.decode(key, raw, allowStale)
		if cw == nil {
			continue
		}
		// Prefer the newest write when multiple model runs linger.
		if best == nil || cw.CachedAt.After(best.CachedAt) {
			best = cw
		}
	}
	return best
}

// getDB reads the relational tier and warms the key-value copy with the
// entry's remaining lifetime.
func (c *Cache) getDB(ctx context.Context, lat, lon float64, prefix string, allowStale bool) (*CellWeather, error) {
	row, err := c.db.WeatherGetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := c.now()
	stale := now.After(row.ExpiresAt)
	if stale && (!allowStale || now.Sub(row.ExpiresAt) > StaleWindow) {
		return nil, nil
	}

	var fc Forecast
	if err := json.Unmarshal(row.Payload, &fc); err != nil {
		c.log.Warn().Err(err).Str("key", row.CacheKey).Msg("undecodable weather row")
		return nil, nil
	}

	entry := cacheEntry{
		Forecast:  fc,
		ModelRun:  row.ModelRun,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if raw, err := json.Marshal(entry); err == nil {
		ttl := row.ExpiresAt.Add(StaleWindow).Sub(now)
		if ttl >= minTTL {
			if err := c.kv.Set(ctx, row.CacheKey, raw, ttl); err != nil {
				c.log.Debug().Err(err).Str("key", row.CacheKey).Msg("key-value warm failed")
			}
		}
	}

	return &CellWeather{
		Forecast: fc,
		ModelRun: row.ModelRun,
		CacheKey: row.CacheKey,
		CachedAt: row.CreatedAt,
		Stale:    stale,
	}, nil
}

// decode unmarshals a stored entry and applies the staleness policy.
func (c *Cache) decode(key string, raw []byte, allowStale bool) *CellWeather {
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("undecodable weather entry")
		return nil
	}

	now := c.now()
	stale := now.After(entry.ExpiresAt)
	if stale && (!allowStale || now.Sub(entry.ExpiresAt) > StaleWindow) {
		return nil
	}

	return &CellWeather{
		Forecast: entry.Forecast,
		ModelRun: entry.ModelRun,
		CacheKey: key,
		CachedAt: entry.CreatedAt,
		Stale:    stale,
	}
}

// Set stores a forecast in both tiers. A model run differing from the
// newest cached run of the same cell means the upstream republished:
// every entry of the cell is invalidated first so stale runs never race
// fresh ones, and a refresh event is published when a publisher is wired.
func (c *Cache) Set(ctx context.Context, lat, lon float64, t time.Time, fc Forecast, modelRun string) error {
	gh := geo.EncodeGeohash(lat, lon, GeohashPrecision)
	if gh == "" {
		return ErrNoData
	}
	tag := SanitizeModelRun(modelRun)

	if old, changed := c.modelRunChanged(ctx, gh, tag); changed {
		c.refreshes.Add(1)
		c.log.Info().
			Str("geohash", gh).
			Str("old_run", old).
			Str("new_run", tag).
			Msg("weather model refreshed, invalidating cell")
		if _, err := c.InvalidateGeohash(ctx, gh); err != nil {
			c.log.Warn().Err(err).Str("geohash", gh).Msg("model-refresh invalidation failed")
		}
		if c.publisher != nil {
			if err := c.publisher.PublishModelRefresh(ctx, gh, old, tag); err != nil {
				c.log.Warn().Err(err).Str("geohash", gh).Msg("refresh event publish failed")
			}
		}
	}

	now := c.now()
	ttl := DynamicTTL(now, lat, lon, c.tzOf)
	key := CacheKey(gh, t, modelRun)
	entry := cacheEntry{
		Forecast:  fc,
		ModelRun:  tag,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// TTL extends past logical expiry so the stale window stays servable
	// from the hot tier; decode enforces the logical expiry.
	if err := c.kv.Set(ctx, key, raw, ttl+StaleWindow); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("key-value write failed")
	}

	payload, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	row := store.WeatherRow{
		CacheKey:     key,
		Geohash:      gh,
		ForecastHour: t.UTC().Truncate(time.Hour),
		ModelRun:     tag,
		Payload:      payload,
		ExpiresAt:    entry.ExpiresAt,
	}
	if err := c.db.WeatherUpsert(ctx, row); err != nil {
		// Hot tier already holds the entry; losing the warm copy costs a
		// refetch after the TTL, not correctness.
		c.log.Warn().Err(err).Str("key", key).Msg("relational weather write failed")
	}

	c.modelTags.Add(gh, tag)
	return nil
}

// modelRunChanged reports whether tag supersedes the newest run cached
// for the cell. Unknown tags never trigger a refresh: providers that
// omit the model run would otherwise thrash the cell.
func (c *Cache) modelRunChanged(ctx context.Context, gh, tag string) (string, bool) {
	if tag == "unknown" {
		return "", false
	}

	old, ok := c.modelTags.Get(gh)
	if !ok {
		row, err := c.db.WeatherNewestForGeohash(ctx, gh)
		if err != nil || row == nil {
			return "", false
		}
		old = SanitizeModelRun(row.ModelRun)
	}
	if old == "unknown" || old == tag {
		return "", false
	}
	return old, true
}

// GetOrFetch returns the forecast for the point and hour, fetching from
// the provider on a miss. Concurrent misses for the same cell-hour
// collapse to one upstream call; when the provider fails, an entry
// within the stale window is served instead.
func (c *Cache) GetOrFetch(ctx context.Context, lat, lon float64, t time.Time, fetch FetchFunc) (*CellWeather, error) {
	if cw, err := c.Get(ctx, lat, lon, t, false); err == nil && cw != nil {
		return cw, nil
	}

	gh := geo.EncodeGeohash(lat, lon, GeohashPrecision)
	if gh == "" {
		return nil, ErrNoData
	}
	// The model run is unknown before the fetch, so the flight is keyed
	// by the cell-hour's default key. Followers that outlast the poll
	// re-check the cache inside their own fetch closure and find the
	// leader's write through the prefix scan.
	flightKey := CacheKey(gh, t, "")

	flight := func(ctx context.Context) ([]byte, error) {
		if cw, err := c.Get(ctx, lat, lon, t, false); err == nil && cw != nil {
			return json.Marshal(cacheEntry{
				Forecast:  cw.Forecast,
				ModelRun:  cw.ModelRun,
				CreatedAt: cw.CachedAt,
			})
		}

		fc, run, err := fetch(ctx, lat, lon, t)
		if err != nil {
			return nil, err
		}
		c.apiCalls.Add(1)
		if err := c.Set(ctx, lat, lon, t, fc, run); err != nil {
			c.log.Warn().Err(err).Str("geohash", gh).Msg("weather store after fetch failed")
		}
		return json.Marshal(cacheEntry{
			Forecast:  fc,
			ModelRun:  SanitizeModelRun(run),
			CreatedAt: c.now(),
		})
	}

	var (
		val []byte
		err error
	)
	if c.group != nil {
		val, _, err = c.group.Do(ctx, flightKey, coalesce.DefaultTimeout, flight)
	} else {
		val, err = flight(ctx)
	}
	if err != nil {
		if cw, gerr := c.Get(ctx, lat, lon, t, true); gerr == nil && cw != nil {
			c.log.Debug().Err(err).Str("geohash", gh).Msg("provider failed, serving stale forecast")
			return cw, nil
		}
		return nil, err
	}

	var entry cacheEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, err
	}
	return &CellWeather{
		Forecast: entry.Forecast,
		ModelRun: entry.ModelRun,
		CacheKey: CacheKey(gh, t, entry.ModelRun),
		CachedAt: entry.CreatedAt,
	}, nil
}

// CellQuery names one cell-hour for a bulk read.
type CellQuery struct {
	Geohash string
	At      time.Time
}

// GetBatch reads many cell-hours in one key-value round trip. The result
// aligns with the queries; nil means miss. Cells whose model run was
// never observed by this process cannot form an exact key and count as
// misses; GetOrFetch repairs them individually.
func (c *Cache) GetBatch(ctx context.Context, queries []CellQuery) ([]*CellWeather, error) {
	results := make([]*CellWeather, len(queries))
	if len(queries) == 0 {
		return results, nil
	}

	keys := make([]string, 0, len(queries))
	keyAt := make(map[string][]int, len(queries))
	for i, q := range queries {
		tag, ok := c.modelTags.Get(q.Geohash)
		if !ok {
			continue
		}
		key := CellHourPrefix(q.Geohash, q.At) + tag
		if _, seen := keyAt[key]; !seen {
			keys = append(keys, key)
		}
		keyAt[key] = append(keyAt[key], i)
	}
	if len(keys) == 0 {
		return results, nil
	}

	found, err := c.kv.MGet(ctx, keys)
	if err != nil {
		return results, err
	}

	allowStale := c.staleAllowed(ctx, true)
	for key, raw := range found {
		cw := c.decode(key, raw, allowStale)
		if cw == nil {
			continue
		}
		for _, i := range keyAt[key] {
			results[i] = cw
		}
		c.hits.Add(1)
		if cw.Stale {
			c.staleServes.Add(1)
		}
	}
	return results, nil
}

// InvalidateGeohash removes every entry for a cell from both tiers and
// returns how many relational rows were dropped. Called on model refresh
// and by the admin surface and the invalidation consumer.
func (c *Cache) InvalidateGeohash(ctx context.Context, geohash string) (int64, error) {
	c.modelTags.Remove(geohash)

	keys, err := c.kv.ScanKeys(ctx, KeyPrefix+geohash+"_*", 0)
	if err != nil {
		c.log.Debug().Err(err).Str("geohash", geohash).Msg("key-value invalidation scan failed")
	} else if len(keys) > 0 {
		if err := c.kv.Del(ctx, keys...); err != nil {
			c.log.Debug().Err(err).Str("geohash", geohash).Msg("key-value invalidation failed")
		}
	}

	return c.db.WeatherInvalidateGeohash(ctx, geohash)
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServes: c.staleServes.Load(),
		APICalls:    c.apiCalls.Load(),
		Refreshes:   c.refreshes.Load(),
	}
}
