package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/api"
	"github.com/routecast/routecast/internal/api/models"
	"github.com/routecast/routecast/internal/engine"
	"github.com/routecast/routecast/internal/featureflags"
)

type stubPlanner struct {
	result *engine.RouteResult
	err    error
	last   engine.PlanRequest
}

func (p *stubPlanner) PlanRoute(_ context.Context, req engine.PlanRequest) (*engine.RouteResult, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type stubWeatherInvalidator struct {
	geohash string
	removed int64
	err     error
}

func (s *stubWeatherInvalidator) InvalidateGeohash(_ context.Context, geohash string) (int64, error) {
	s.geohash = geohash
	return s.removed, s.err
}

type stubClearer struct {
	src, dst int64
	removed  int64
}

func (s *stubClearer) Clear(_ context.Context, srcPlaceID, dstPlaceID int64) (int64, error) {
	s.src, s.dst = srcPlaceID, dstPlaceID
	return s.removed, nil
}

type routerDeps struct {
	planner *stubPlanner
	weather *stubWeatherInvalidator
	places  *stubClearer
	flags   *featureflags.Service
}

func newTestRouter(t *testing.T) (http.Handler, *routerDeps) {
	t.Helper()
	d := &routerDeps{
		planner: &stubPlanner{result: &engine.RouteResult{
			DistanceKm:     900,
			DurationHours:  10,
			WeatherSummary: "Clear conditions expected",
		}},
		weather: &stubWeatherInvalidator{removed: 3},
		places:  &stubClearer{removed: 1},
		flags: featureflags.NewService(featureflags.ServiceConfig{
			Repository: featureflags.NewInMemoryRepository(),
			Logger:     zerolog.Nop(),
		}),
	}
	r := api.NewRouter(api.RouterConfig{
		Version:     "test",
		Logger:      zerolog.Nop(),
		Planner:     d.planner,
		Weather:     d.weather,
		RoutePlaces: d.places,
		Flags:       d.flags,
	})
	return r, d
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPlanRouteEndpoint(t *testing.T) {
	r, d := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/routes:plan", map[string]string{
		"origin":      "Tehran",
		"destination": "Mashhad",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var res engine.RouteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.InDelta(t, 900.0, res.DistanceKm, 1e-9)
	assert.Equal(t, "Clear conditions expected", res.WeatherSummary)
	assert.Equal(t, "Tehran", d.planner.last.Origin)
}

func TestPlanRouteMalformedBody(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/routes:plan", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestPlanRouteErrorMapping(t *testing.T) {
	cases := []struct {
		kind       engine.ErrorKind
		wantStatus int
		wantType   string
	}{
		{engine.KindInputInvalid, http.StatusBadRequest, models.ProblemTypeValidation},
		{engine.KindPlaceNotFound, http.StatusNotFound, models.ProblemTypeNotFound},
		{engine.KindNoRoute, http.StatusNotFound, models.ProblemTypeNoRoute},
		{engine.KindUpstreamUnavailable, http.StatusBadGateway, models.ProblemTypeBadGateway},
		{engine.KindInternal, http.StatusInternalServerError, models.ProblemTypeInternal},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			r, d := newTestRouter(t)
			d.planner.err = &engine.PlanError{Kind: tc.kind, Reason: "boom"}

			rec := doJSON(t, r, http.MethodPost, "/v1/routes:plan", map[string]string{
				"origin":      "Tehran",
				"destination": "Mashhad",
			})

			assert.Equal(t, tc.wantStatus, rec.Code)
			var problem models.Problem
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, tc.wantType, problem.Type)
			assert.Equal(t, "/v1/routes:plan", problem.Instance)
		})
	}
}

func TestOpsHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/v1/ops/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var health models.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Details["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestOpsReadyWithoutDependencies(t *testing.T) {
	// No pingers configured means nothing to fail on.
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/v1/ops/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpsStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/v1/ops/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var status models.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.HealthStatusOK, status.Status)
}

func TestAdminInvalidateWeather(t *testing.T) {
	r, d := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/admin/weather/invalidate", map[string]string{
		"geohash": "tnkqu5e",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tnkqu5e", d.weather.geohash)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["removed"])
}

func TestAdminInvalidateWeatherRequiresGeohash(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/admin/weather/invalidate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminClearRoutePlaces(t *testing.T) {
	r, d := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/admin/route-places/clear", map[string]int64{
		"src_place_id": 1,
		"dst_place_id": 2,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), d.places.src)
	assert.Equal(t, int64(2), d.places.dst)
}

func TestAdminFlagsRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPut, "/v1/admin/flags/", featureflags.FlagUpdateRequest{
		Updates: []featureflags.FlagUpdate{
			{Key: featureflags.FlagSeederEnabled, Value: false},
		},
		Reason: "overpass outage",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/v1/admin/flags/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list featureflags.FlagList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	found := false
	for _, f := range list.Items {
		if f.Key == featureflags.FlagSeederEnabled {
			found = true
			assert.Equal(t, false, f.Value)
		}
	}
	assert.True(t, found, "updated flag should appear in the listing")
}

func TestAdminFlagsInvalidate(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/admin/flags/invalidate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/v1/definitely-not-there", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
