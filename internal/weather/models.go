// Package weather implements the temporal weather cache: hourly forecasts
// keyed by geohash cell, forecast hour, and upstream model run, with a TTL
// that expires at the top of the next hour in the local timezone of the
// queried point. Expired entries can be served stale for a bounded window
// while the upstream is unreachable, and a model-run change invalidates
// every entry of the affected cell before the new one is stored.
package weather

import (
	"errors"
	"time"
)

// Weather errors.
var (
	ErrUnavailable = errors.New("weather provider unavailable")
	ErrNoData      = errors.New("no weather data for location")
)

// Condition is the categorized form of a WMO weather code.
type Condition string

const (
	ConditionClear        Condition = "clear"
	ConditionCloudy       Condition = "cloudy"
	ConditionFog          Condition = "fog"
	ConditionRain         Condition = "rain"
	ConditionSnow         Condition = "snow"
	ConditionThunderstorm Condition = "thunderstorm"
	ConditionDefault      Condition = "default"
)

// Categorize maps a WMO weather code to its condition bucket.
func Categorize(wmoCode int) Condition {
	switch wmoCode {
	case 71, 73, 75, 77, 85, 86:
		return ConditionSnow
	case 51, 53, 55, 56, 57, 61, 63, 65, 66, 67, 80, 81, 82:
		return ConditionRain
	case 95, 96, 99:
		return ConditionThunderstorm
	case 45, 48:
		return ConditionFog
	case 0:
		return ConditionClear
	case 1, 2, 3:
		return ConditionCloudy
	default:
		return ConditionDefault
	}
}

// Forecast is the hourly forecast payload for one point and hour. It is
// the single schema serialized into both the key-value store and the
// relational fallback rows.
type Forecast struct {
	TemperatureC float64   `json:"temperature_c"`
	WeatherCode  int       `json:"weather_code"`
	WindSpeedKmh float64   `json:"wind_speed_kmh,omitempty"`
	Condition    Condition `json:"condition"`
	ForecastTime time.Time `json:"forecast_time"`
}

// CellWeather is a cache read result: the forecast plus its cache
// provenance.
type CellWeather struct {
	Forecast Forecast
	ModelRun string
	CacheKey string
	CachedAt time.Time
	// Stale marks an entry served past its expiry inside the allowed
	// staleness window.
	Stale bool
}

// cacheEntry is the stored form of a cache row in the key-value store.
// The relational rows keep the same Forecast JSON in their payload column
// with the envelope fields as columns.
type cacheEntry struct {
	Forecast  Forecast  `json:"forecast"`
	ModelRun  string    `json:"model_run"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	StaleServes int64
	APICalls    int64
	Refreshes   int64
}

// HitRate returns hits / (hits + misses), zero when nothing was asked.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
