// Package geo provides the spatial indexing primitives shared by the graph,
// weather, and place layers: geohash encoding for node/place prefilters, H3
// cells for the weather cache, and WKT construction for boundary polygons.
package geo

import (
	"strings"

	"github.com/mmcloughlin/geohash"
)

// Geohash precisions used across the engine. Nodes are indexed at 7
// (~76 m cells) for map matching, places at 6 (~610 m).
const (
	NodeGeohashPrecision  = 7
	PlaceGeohashPrecision = 6
)

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

const maxGeohashLength = 12

// EncodeGeohash returns the base32 geohash of a coordinate at the given
// precision. Malformed input yields an empty string, never a panic.
func EncodeGeohash(lat, lon float64, precision int) string {
	if !validCoordinate(lat, lon) || precision < 1 || precision > maxGeohashLength {
		return ""
	}
	return geohash.EncodeWithPrecision(lat, lon, uint(precision))
}

// DecodeGeohash returns the centroid of a geohash cell. Malformed input
// yields (0, 0).
func DecodeGeohash(hash string) (lat, lon float64) {
	if !ValidateGeohash(hash) {
		return 0, 0
	}
	return geohash.DecodeCenter(hash)
}

// GeohashNeighbors returns the up-to-8 surrounding cells at the same
// precision, deduplicated, the input hash excluded.
func GeohashNeighbors(hash string) []string {
	if !ValidateGeohash(hash) {
		return nil
	}

	seen := make(map[string]struct{}, 8)
	out := make([]string, 0, 8)
	for _, n := range geohash.Neighbors(hash) {
		if n == hash || n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// CandidateHashes returns the geohash of the coordinate followed by its
// neighbors when requested: the prefilter set for proximity queries. The
// center hash is always first and the result never exceeds 9 entries.
func CandidateHashes(lat, lon float64, precision int, withNeighbors bool) []string {
	center := EncodeGeohash(lat, lon, precision)
	if center == "" {
		return nil
	}
	if !withNeighbors {
		return []string{center}
	}

	out := make([]string, 0, 9)
	out = append(out, center)
	for _, n := range GeohashNeighbors(center) {
		if n != center {
			out = append(out, n)
		}
	}
	if len(out) > 9 {
		out = out[:9]
	}
	return out
}

// ValidateGeohash reports whether the string is a well-formed geohash:
// 1 to 12 characters from the base32 alphabet (0-9, b-z minus a, i, l, o).
func ValidateGeohash(hash string) bool {
	if len(hash) < 1 || len(hash) > maxGeohashLength {
		return false
	}
	for _, r := range hash {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return false
		}
	}
	return true
}

func validCoordinate(lat, lon float64) bool {
	if lat != lat || lon != lon { // NaN
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
