package geo

import (
	h3 "github.com/uber/h3-go/v4"
)

// DefaultH3Resolution is the weather cache resolution: ~5 km hexagon edge,
// comfortably inside the scale at which hourly forecasts vary.
const DefaultH3Resolution = 7

// CellFor returns the H3 index string of a coordinate at the given
// resolution, or an empty string when the input cannot be indexed.
func CellFor(lat, lon float64, res int) string {
	if !validCoordinate(lat, lon) || res < 0 || res > 15 {
		return ""
	}
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, res)
	if err != nil || !cell.IsValid() {
		return ""
	}
	return cell.String()
}

// CellNeighbors returns the cells within ring steps of the given cell, the
// cell itself excluded. Used as a fallback when a coordinate sits on a cell
// boundary and its own cell has no cached weather.
func CellNeighbors(index string, ring int) []string {
	cell, ok := parseCell(index)
	if !ok || ring < 1 {
		return nil
	}

	disk, err := h3.GridDisk(cell, ring)
	if err != nil {
		return nil
	}

	out := make([]string, 0, len(disk))
	for _, c := range disk {
		if c == cell || !c.IsValid() {
			continue
		}
		out = append(out, c.String())
	}
	return out
}

// CellCenter returns the centroid of an H3 cell.
func CellCenter(index string) (lat, lon float64, ok bool) {
	cell, valid := parseCell(index)
	if !valid {
		return 0, 0, false
	}
	ll, err := h3.CellToLatLng(cell)
	if err != nil {
		return 0, 0, false
	}
	return ll.Lat, ll.Lng, true
}

// CellResolution returns the resolution encoded in an H3 index, -1 when the
// index does not parse.
func CellResolution(index string) int {
	cell, ok := parseCell(index)
	if !ok {
		return -1
	}
	return cell.Resolution()
}

func parseCell(index string) (h3.Cell, bool) {
	var cell h3.Cell
	if err := cell.UnmarshalText([]byte(index)); err != nil {
		return 0, false
	}
	if !cell.IsValid() {
		return 0, false
	}
	return cell, true
}
