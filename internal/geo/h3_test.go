package geo_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/geo"
)

func TestCellFor(t *testing.T) {
	cell := geo.CellFor(35.6892, 51.3890, geo.DefaultH3Resolution)

	require.NotEmpty(t, cell)
	assert.Len(t, cell, 15)
	assert.True(t, strings.HasPrefix(cell, "87"), "resolution 7 indexes start with 87, got %s", cell)
	assert.Equal(t, 7, geo.CellResolution(cell))
}

func TestCellForStableWithinCell(t *testing.T) {
	// Two coordinates a few meters apart share a resolution-7 hexagon.
	a := geo.CellFor(35.68920, 51.38900, 7)
	b := geo.CellFor(35.68921, 51.38901, 7)

	assert.Equal(t, a, b)
}

func TestCellForMalformed(t *testing.T) {
	assert.Empty(t, geo.CellFor(95, 0, 7))
	assert.Empty(t, geo.CellFor(0, 0, -1))
	assert.Empty(t, geo.CellFor(0, 0, 16))
}

func TestCellCenterRoundTrip(t *testing.T) {
	cell := geo.CellFor(36.2605, 59.6168, 7)
	require.NotEmpty(t, cell)

	lat, lon, ok := geo.CellCenter(cell)

	require.True(t, ok)
	// Resolution 7 edge is ~1.2 km; the centroid stays nearby.
	assert.InDelta(t, 36.2605, lat, 0.05)
	assert.InDelta(t, 59.6168, lon, 0.05)
	assert.Equal(t, cell, geo.CellFor(lat, lon, 7))
}

func TestCellCenterMalformed(t *testing.T) {
	_, _, ok := geo.CellCenter("zzzz")
	assert.False(t, ok)
}

func TestCellNeighbors(t *testing.T) {
	cell := geo.CellFor(35.6892, 51.3890, 7)
	require.NotEmpty(t, cell)

	neighbors := geo.CellNeighbors(cell, 1)

	// A non-pentagon cell has exactly 6 ring-1 neighbors.
	require.Len(t, neighbors, 6)
	for _, n := range neighbors {
		assert.NotEqual(t, cell, n)
		assert.Equal(t, 7, geo.CellResolution(n))
	}
}

func TestCellNeighborsMalformed(t *testing.T) {
	assert.Nil(t, geo.CellNeighbors("", 1))
	cell := geo.CellFor(35.6892, 51.3890, 7)
	assert.Nil(t, geo.CellNeighbors(cell, 0))
}
