// Package polyline implements Google's encoded polyline algorithm together
// with the geometry helpers the graph builder needs: haversine distances,
// total length, and interval sampling along a decoded route.
package polyline

import (
	"math"
)

// Coordinate is a geographic point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Decode converts an encoded polyline (precision 5, the OSRM default) into
// coordinates. Returns nil for an empty string.
func Decode(encoded string) []Coordinate {
	if encoded == "" {
		return nil
	}

	coords := make([]Coordinate, 0, len(encoded)/4)
	cursor := 0
	lat, lon := 0, 0

	for cursor < len(encoded) {
		dLat, next := decodeDelta(encoded, cursor)
		cursor = next
		lat += dLat

		dLon, next := decodeDelta(encoded, cursor)
		cursor = next
		lon += dLon

		coords = append(coords, Coordinate{
			Lat: float64(lat) / 1e5,
			Lon: float64(lon) / 1e5,
		})
	}

	return coords
}

func decodeDelta(encoded string, cursor int) (int, int) {
	shift := 0
	value := 0

	for cursor < len(encoded) {
		chunk := int(encoded[cursor]) - 63
		cursor++
		value |= (chunk & 0x1f) << shift
		shift += 5
		if chunk < 0x20 {
			break
		}
	}

	if value&1 != 0 {
		return ^(value >> 1), cursor
	}
	return value >> 1, cursor
}

// Encode converts coordinates into an encoded polyline at precision 5.
func Encode(coords []Coordinate) string {
	if len(coords) == 0 {
		return ""
	}

	buf := make([]byte, 0, len(coords)*4)
	prevLat, prevLon := 0, 0

	for _, c := range coords {
		lat := int(math.Round(c.Lat * 1e5))
		lon := int(math.Round(c.Lon * 1e5))
		buf = encodeDelta(buf, lat-prevLat)
		buf = encodeDelta(buf, lon-prevLon)
		prevLat, prevLon = lat, lon
	}

	return string(buf)
}

func encodeDelta(buf []byte, value int) []byte {
	if value < 0 {
		value = ^(value << 1)
	} else {
		value <<= 1
	}

	for value >= 0x20 {
		buf = append(buf, byte((value&0x1f)|0x20)+63)
		value >>= 5
	}
	return append(buf, byte(value)+63)
}

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance between two coordinates in
// meters. Graph edges store this value; edge durations derive from it.
func Distance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Length returns the total length of the polyline in meters.
func Length(coords []Coordinate) float64 {
	if len(coords) < 2 {
		return 0
	}

	var total float64
	for i := 1; i < len(coords); i++ {
		total += Distance(coords[i-1], coords[i])
	}
	return total
}

// Sample returns points spaced roughly intervalMeters apart along the
// polyline, interpolating inside segments. The first and last input points
// are always present, so a sampled route keeps its endpoints.
func Sample(coords []Coordinate, intervalMeters float64) []Coordinate {
	if len(coords) == 0 {
		return nil
	}
	if intervalMeters <= 0 || len(coords) == 1 {
		return coords
	}

	sampled := []Coordinate{coords[0]}
	carried := 0.0

	for i := 1; i < len(coords); i++ {
		segment := Distance(coords[i-1], coords[i])

		for carried+segment >= intervalMeters {
			needed := intervalMeters - carried
			frac := needed / segment

			sampled = append(sampled, Coordinate{
				Lat: coords[i-1].Lat + frac*(coords[i].Lat-coords[i-1].Lat),
				Lon: coords[i-1].Lon + frac*(coords[i].Lon-coords[i-1].Lon),
			})

			segment -= needed
			carried = 0
		}

		carried += segment
	}

	last := coords[len(coords)-1]
	if sampled[len(sampled)-1] != last {
		sampled = append(sampled, last)
	}

	return sampled
}
