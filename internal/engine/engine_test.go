package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/overlay"
	"github.com/routecast/routecast/internal/places"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/pkg/polyline"
)

var departure = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type stubResolver struct {
	ids map[string]int64
	err error
}

func (r *stubResolver) Resolve(_ context.Context, name, _ string) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	id, ok := r.ids[name]
	if !ok {
		return 0, places.ErrNotFound
	}
	return id, nil
}

type stubDirectory struct {
	places map[int64]*store.Place
}

func (d *stubDirectory) PlaceByID(_ context.Context, id int64) (*store.Place, error) {
	p, ok := d.places[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

type stubRouter struct {
	path      *routing.Path
	err       error
	calls     int
	needBuild bool // path served only after the builder ran
	built     *bool
}

func (r *stubRouter) FindRoute(context.Context, int64, int64) (*routing.Path, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if r.needBuild && (r.built == nil || !*r.built) {
		return nil, nil
	}
	return r.path, nil
}

type stubBuilder struct {
	err       error
	ran       bool
	linkCalls []int64
}

func (b *stubBuilder) HandleMiss(context.Context, int64, int64, routing.Coordinate, routing.Coordinate) (*routing.InjectResult, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.ran = true
	return &routing.InjectResult{EdgesCreated: 5}, nil
}

func (b *stubBuilder) LinkPlaceToNearestNode(_ context.Context, placeID int64, _, _ float64, _ []int64) (bool, error) {
	b.linkCalls = append(b.linkCalls, placeID)
	return true, nil
}

type stubOverlay struct {
	result *overlay.Result
	err    error
}

func (o *stubOverlay) Annotate(context.Context, *routing.Path, time.Time) (*overlay.Result, error) {
	return o.result, o.err
}

type stubAlerter struct {
	alerts     []overlay.PlaceAlert
	err        error
	forCalls   int
	knownCalls int
}

func (a *stubAlerter) AlertsFor(context.Context, *routing.Path, time.Time) ([]overlay.PlaceAlert, error) {
	a.forCalls++
	return a.alerts, a.err
}

func (a *stubAlerter) AlertsFromKnown(context.Context, *routing.Path, time.Time, []store.RoutePlace) []overlay.PlaceAlert {
	a.knownCalls++
	return a.alerts
}

type stubRoutePlaces struct {
	known []store.RoutePlace
	sets  int
	last  []store.RoutePlace
}

func (c *stubRoutePlaces) Get(context.Context, int64, int64) ([]store.RoutePlace, error) {
	return c.known, nil
}

func (c *stubRoutePlaces) Set(_ context.Context, _, _ int64, list []store.RoutePlace) error {
	c.sets++
	c.last = list
	return nil
}

type testDeps struct {
	resolver    *stubResolver
	directory   *stubDirectory
	router      *stubRouter
	builder     *stubBuilder
	overlay     *stubOverlay
	alerter     *stubAlerter
	routePlaces *stubRoutePlaces
}

func tehranMashhadPath() *routing.Path {
	return &routing.Path{
		SrcPlaceID: 1,
		DstPlaceID: 2,
		Nodes:      []int64{10, 11, 12},
		Geometry: []polyline.Coordinate{
			{Lat: 35.6892, Lon: 51.3890},
			{Lat: 36.0000, Lon: 55.0000},
			{Lat: 36.2605, Lon: 59.6168},
		},
		DistanceMeters:  900_000,
		DurationSeconds: 36_000,
	}
}

func newTestEngine(mutate func(*testDeps)) (*Engine, *testDeps) {
	d := &testDeps{
		resolver: &stubResolver{ids: map[string]int64{"Tehran": 1, "Mashhad": 2}},
		directory: &stubDirectory{places: map[int64]*store.Place{
			1: {ID: 1, Name: "tehran", Lat: 35.6892, Lon: 51.3890},
			2: {ID: 2, Name: "mashhad", Lat: 36.2605, Lon: 59.6168},
		}},
		router:  &stubRouter{path: tehranMashhadPath()},
		builder: &stubBuilder{},
		overlay: &stubOverlay{result: &overlay.Result{
			Summary: "Clear conditions expected",
			Cells:   []overlay.CellRecord{{H3Index: "87"}},
			Stats:   overlay.Stats{TotalCells: 1, Hits: 1, HitRate: 1.0},
		}},
		alerter:     &stubAlerter{},
		routePlaces: &stubRoutePlaces{},
	}
	if mutate != nil {
		mutate(d)
	}
	eng := New(CoreServices{
		Resolver:    d.resolver,
		Places:      d.directory,
		Router:      d.router,
		Builder:     d.builder,
		Overlay:     d.overlay,
		Alerter:     d.alerter,
		RoutePlaces: d.routePlaces,
		Logger:      zerolog.Nop(),
	})
	return eng, d
}

func planReq() PlanRequest {
	return PlanRequest{Origin: "Tehran", Destination: "Mashhad", Departure: departure}
}

func TestPlanRouteColdMiss(t *testing.T) {
	eng, d := newTestEngine(func(d *testDeps) {
		d.router.needBuild = true
		d.router.built = &d.builder.ran
		d.overlay.result.Stats.APICalls = 3
	})

	res, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)

	assert.True(t, d.builder.ran)
	assert.Equal(t, 2, d.router.calls, "route retried once after building")
	assert.InDelta(t, 900.0, res.DistanceKm, 1e-9)
	assert.InDelta(t, 10.0, res.DurationHours, 1e-9)
	assert.False(t, res.Stats.CacheHit)
	assert.Equal(t, 3, res.Stats.NewAPICalls)
	assert.Len(t, res.Geometry, 3)
	assert.InDelta(t, 51.3890, res.Geometry[0].Lon, 1e-9)
}

func TestPlanRouteHotHit(t *testing.T) {
	eng, d := newTestEngine(func(d *testDeps) {
		d.routePlaces.known = []store.RoutePlace{{Name: "Semnan", Type: "city"}}
	})

	res, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)

	assert.False(t, d.builder.ran)
	assert.Equal(t, 1, d.router.calls)
	assert.True(t, res.Stats.CacheHit)
	assert.InDelta(t, 1.0, res.Stats.CellCacheHitRate, 1e-9)
	assert.Equal(t, 1, d.alerter.knownCalls, "cached place list skips the polygon scan")
	assert.Zero(t, d.alerter.forCalls)
	assert.Zero(t, d.routePlaces.sets)
}

func TestPlanRouteWithTraffic(t *testing.T) {
	eng, _ := newTestEngine(nil)

	req := planReq()
	req.WithTraffic = true
	res, err := eng.PlanRoute(context.Background(), req)
	require.NoError(t, err)

	assert.InDelta(t, 13.0, res.DurationHours, 1e-9, "reported duration scaled by the traffic factor")
	assert.InDelta(t, 900.0, res.DistanceKm, 1e-9, "distance untouched")
}

func TestPlanRouteStoresFreshPlaceList(t *testing.T) {
	eng, d := newTestEngine(func(d *testDeps) {
		d.alerter.alerts = []overlay.PlaceAlert{
			{PlaceID: 9, Name: "Semnan", Type: "city", Lat: 35.57, Lon: 53.39},
		}
	})

	res, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)

	require.Len(t, res.PlacesOnRoute, 1)
	assert.Equal(t, 1, d.routePlaces.sets)
	require.Len(t, d.routePlaces.last, 1)
	assert.Equal(t, "Semnan", d.routePlaces.last[0].Name)
}

func TestPlanRouteLinksPlacesAfterBuild(t *testing.T) {
	eng, d := newTestEngine(func(d *testDeps) {
		d.router.needBuild = true
		d.router.built = &d.builder.ran
		d.alerter.alerts = []overlay.PlaceAlert{
			{PlaceID: 9, Name: "Semnan", Lat: 35.57, Lon: 53.39},
			{Name: "unknown polygon"}, // no id, skipped
		}
	})

	_, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, d.builder.linkCalls)
}

func TestPlanRouteNoLinkingOnCacheHit(t *testing.T) {
	eng, d := newTestEngine(func(d *testDeps) {
		d.alerter.alerts = []overlay.PlaceAlert{{PlaceID: 9, Name: "Semnan"}}
	})

	_, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)
	assert.Empty(t, d.builder.linkCalls)
}

func TestPlanRouteWeatherDegrades(t *testing.T) {
	eng, _ := newTestEngine(func(d *testDeps) {
		d.overlay.err = errors.New("forecast provider down")
		d.overlay.result = nil
	})

	res, err := eng.PlanRoute(context.Background(), planReq())
	require.NoError(t, err)

	assert.Equal(t, overlay.UnavailableSummary, res.WeatherSummary)
	assert.Empty(t, res.WeatherCells)
	assert.InDelta(t, 900.0, res.DistanceKm, 1e-9, "route survives weather failure")
}

func TestPlanRoutePlaceNotFound(t *testing.T) {
	eng, _ := newTestEngine(nil)

	_, err := eng.PlanRoute(context.Background(), PlanRequest{Origin: "Atlantis", Destination: "Mashhad"})
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindPlaceNotFound, pe.Kind)
}

func TestPlanRouteNoRoute(t *testing.T) {
	eng, _ := newTestEngine(func(d *testDeps) {
		d.router.needBuild = true // builder runs but the graph still cannot answer
		stays := false
		d.router.built = &stays
	})

	_, err := eng.PlanRoute(context.Background(), planReq())
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindNoRoute, pe.Kind)
}

func TestPlanRouteUpstreamUnavailable(t *testing.T) {
	eng, _ := newTestEngine(func(d *testDeps) {
		d.router.needBuild = true
		d.router.built = &d.builder.ran
		d.builder.err = fmt.Errorf("%w: all endpoints down", routing.ErrProviderUnavailable)
	})

	_, err := eng.PlanRoute(context.Background(), planReq())
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstreamUnavailable, pe.Kind)
}

func TestPlanRouteInputInvalid(t *testing.T) {
	eng, _ := newTestEngine(nil)

	for _, req := range []PlanRequest{
		{Origin: "", Destination: "Mashhad"},
		{Origin: "Tehran", Destination: "   "},
		{Origin: "Tehran", Destination: "Tehran"},
	} {
		_, err := eng.PlanRoute(context.Background(), req)
		var pe *PlanError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindInputInvalid, pe.Kind)
	}
}

func TestPlanErrorMessage(t *testing.T) {
	err := planErr(KindNoRoute, "no route between the places", nil)
	assert.Equal(t, "no_route: no route between the places", err.Error())

	wrapped := planErr(KindInternal, "boom", errors.New("pg down"))
	assert.ErrorContains(t, wrapped, "pg down")
}
