package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Point is a latitude/longitude pair as used by boundary geometry.
type Point struct {
	Lat float64
	Lon float64
}

// WKTPolygon renders points as a closed WKT polygon, appending the first
// point when the ring is open. Fewer than 3 distinct points cannot form a
// polygon and yield an empty string.
func WKTPolygon(points []Point) string {
	if len(points) < 3 {
		return ""
	}

	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		if !validCoordinate(p.Lat, p.Lon) {
			return ""
		}
		ring = append(ring, orb.Point{p.Lon, p.Lat})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}

	return wkt.MarshalString(orb.Polygon{ring})
}

// WKTLineString renders points as a WKT linestring for edge geometry.
// Fewer than 2 points yield an empty string.
func WKTLineString(points []Point) string {
	if len(points) < 2 {
		return ""
	}

	line := make(orb.LineString, 0, len(points))
	for _, p := range points {
		if !validCoordinate(p.Lat, p.Lon) {
			return ""
		}
		line = append(line, orb.Point{p.Lon, p.Lat})
	}

	return wkt.MarshalString(line)
}

// Centroid returns the arithmetic mean of the vertices. Boundary centroids
// use the vertex mean rather than the area centroid so that a place seeded
// from a sparse outer ring lands where the ring's points cluster.
func Centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}

	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.Lat
		sumLon += p.Lon
	}
	n := float64(len(points))
	return Point{Lat: sumLat / n, Lon: sumLon / n}, true
}
