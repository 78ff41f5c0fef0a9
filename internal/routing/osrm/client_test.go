package osrm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/provider/resilience"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/routing/osrm"
	"github.com/routecast/routecast/pkg/polyline"
)

var (
	src = routing.Coordinate{Lat: 35.6892, Lon: 51.3890}
	dst = routing.Coordinate{Lat: 36.2605, Lon: 59.6168}
)

func okResponse() map[string]interface{} {
	geometry := polyline.Encode([]polyline.Coordinate{
		{Lat: 35.6892, Lon: 51.3890},
		{Lat: 35.9000, Lon: 54.0000},
		{Lat: 36.2605, Lon: 59.6168},
	})

	return map[string]interface{}{
		"code": "Ok",
		"routes": []map[string]interface{}{
			{
				"geometry": geometry,
				"distance": 890000.0,
				"duration": 36000.0,
				"legs": []map[string]interface{}{
					{
						"annotation": map[string]interface{}{
							"duration": []float64{18000.0, 18000.0},
						},
						"steps": []map[string]interface{}{
							{"name": "Tehran-Mashhad motorway", "distance": 880000.0, "duration": 35000.0},
							{"name": "", "ref": "residential 12", "distance": 10000.0, "duration": 1000.0},
						},
					},
				},
			},
		},
	}
}

func newResilient(name string) *resilience.Client {
	return resilience.NewClient(resilience.DefaultClientConfig(name))
}

func TestClient_Route(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/51.389000,35.689200;59.616800,36.260500", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("overview"))
		assert.Equal(t, "polyline", r.URL.Query().Get("geometries"))
		assert.Equal(t, "duration", r.URL.Query().Get("annotations"))
		assert.Equal(t, "true", r.URL.Query().Get("steps"))

		json.NewEncoder(w).Encode(okResponse())
	}))
	defer server.Close()

	client := osrm.NewClient(osrm.ClientConfig{
		BaseURL:    server.URL,
		HTTPClient: newResilient("test"),
	})

	raw, err := client.Route(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, 890000.0, raw.DistanceMeters)
	assert.Equal(t, 36000.0, raw.DurationSeconds)
	require.Len(t, raw.Coords, 3)
	assert.InDelta(t, 35.6892, raw.Coords[0].Lat, 1e-4)

	require.Len(t, raw.Steps, 2)
	assert.Equal(t, "Tehran-Mashhad motorway", raw.Steps[0].Name)
	// A nameless step falls back to its ref.
	assert.Equal(t, "residential 12", raw.Steps[1].Name)
}

func TestClient_RouteFallsBackToSecondEndpoint(t *testing.T) {
	primaryHits := 0
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	fallbackHits := 0
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
		json.NewEncoder(w).Encode(okResponse())
	}))
	defer fallback.Close()

	client := osrm.NewClient(osrm.ClientConfig{
		BaseURL:            primary.URL,
		FallbackURL:        fallback.URL,
		HTTPClient:         newResilient("test-primary"),
		FallbackHTTPClient: newResilient("test-fallback"),
	})

	raw, err := client.Route(context.Background(), src, dst)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Greater(t, primaryHits, 0)
	assert.Equal(t, 1, fallbackHits)
}

func TestClient_RouteAllEndpointsDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := osrm.NewClient(osrm.ClientConfig{
		BaseURL:            server.URL,
		FallbackURL:        server.URL + "/other",
		HTTPClient:         newResilient("down-1"),
		FallbackHTTPClient: newResilient("down-2"),
	})

	_, err := client.Route(context.Background(), src, dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrProviderUnavailable)
}

func TestClient_RouteNoRouteCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": "NoRoute", "routes": []interface{}{}})
	}))
	defer server.Close()

	client := osrm.NewClient(osrm.ClientConfig{
		BaseURL:    server.URL,
		HTTPClient: newResilient("test"),
	})

	_, err := client.Route(context.Background(), src, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}

func TestClient_RouteInvalidCoordinates(t *testing.T) {
	client := osrm.NewClient(osrm.ClientConfig{HTTPClient: newResilient("test")})

	_, err := client.Route(context.Background(), routing.Coordinate{Lat: 95}, dst)
	assert.ErrorIs(t, err, routing.ErrInvalidCoordinates)
}
