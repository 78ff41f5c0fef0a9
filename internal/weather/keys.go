package weather

import (
	"strings"
	"time"
)

// KeyPrefix namespaces every weather cache key.
const KeyPrefix = "weather:"

// GeohashPrecision is the cell size weather is cached at (~150 m ridges
// share a cell with their valleys; forecasts do not vary below this).
const GeohashPrecision = 7

// StaleWindow bounds how long past expiry an entry may still be served
// when the caller allows staleness.
const StaleWindow = time.Hour

// minTTL floors the dynamic TTL so entries written seconds before the
// hour boundary are not stillborn.
const minTTL = time.Minute

const maxModelTagLen = 15

// TZOf resolves a coordinate to an IANA timezone name. Wired from the
// timezone mapper at startup; an empty return means UTC.
type TZOf func(lat, lon float64) string

// SanitizeModelRun flattens an upstream model-run timestamp into a key
// segment: colons and dashes stripped, the date/time separator turned
// into an underscore, capped at 15 bytes. Empty input becomes "unknown".
func SanitizeModelRun(tag string) string {
	if tag == "" {
		return "unknown"
	}
	tag = strings.ReplaceAll(tag, ":", "")
	tag = strings.ReplaceAll(tag, "-", "")
	tag = strings.ReplaceAll(tag, "T", "_")
	if len(tag) > maxModelTagLen {
		tag = tag[:maxModelTagLen]
	}
	if tag == "" {
		return "unknown"
	}
	return tag
}

// HourBucket formats the forecast hour as the YYYYMMDDHH key segment,
// always in UTC so the same instant maps to the same key everywhere.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// CacheKey builds the full key for one cell, hour, and model run:
// weather:{geohash}_{YYYYMMDDHH}_{tag}.
func CacheKey(geohash string, t time.Time, modelRun string) string {
	return CellHourPrefix(geohash, t) + SanitizeModelRun(modelRun)
}

// CellHourPrefix is the key prefix shared by all model runs of one cell
// and hour. Reads scan this prefix because the current model run is not
// known at read time.
func CellHourPrefix(geohash string, t time.Time) string {
	return KeyPrefix + geohash + "_" + HourBucket(t) + "_"
}

// DynamicTTL returns the lifetime of an entry written now for the given
// point: the time until the top of the next hour in the point's local
// timezone, floored at one minute. An unresolvable or unloadable zone
// falls back to UTC.
func DynamicTTL(now time.Time, lat, lon float64, tzOf TZOf) time.Duration {
	loc := time.UTC
	if tzOf != nil {
		if name := tzOf(lat, lon); name != "" {
			if l, err := time.LoadLocation(name); err == nil {
				loc = l
			}
		}
	}

	// Built from wall-clock fields, not Truncate, so zones with
	// fractional-hour offsets still land on their local hour boundary.
	local := now.In(loc)
	nextHour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+1, 0, 0, 0, loc)
	ttl := nextHour.Sub(local)
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}
