package overlay

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/pkg/polyline"
)

// alertSampleStride: every Nth geometry point is tested for polygon
// containment. Coarser than the weather grid on purpose; city polygons
// are large.
const alertSampleStride = 5

// PlaceDB is the slice of the relational store the alerter queries.
type PlaceDB interface {
	PlacesContaining(ctx context.Context, lat, lon float64) ([]store.ContainingPlace, error)
}

// PlaceAlert is one populated area on the route with the forecast at
// the estimated pass-through time.
type PlaceAlert struct {
	PlaceID     int64     `json:"place_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Province    string    `json:"province,omitempty"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	ArrivalTime time.Time `json:"arrival_time"`
	Condition   string    `json:"condition,omitempty"`
	Temperature *float64  `json:"temperature_c,omitempty"`
}

// Alerter finds the places a route passes through.
type Alerter struct {
	db    PlaceDB
	cache WeatherCache
	log   zerolog.Logger
}

// NewAlerter builds an Alerter.
func NewAlerter(db PlaceDB, cache WeatherCache, log zerolog.Logger) *Alerter {
	return &Alerter{
		db:    db,
		cache: cache,
		log:   log.With().Str("component", "place-alerts").Logger(),
	}
}

// AlertsFor samples the route geometry, finds the containing place
// polygons, and attaches the forecast at the interpolated arrival time.
// Each place appears once, at its first entry point, ordered along the
// route. Arrival is linear in geometry progress; weather is best-effort
// and stale data is acceptable here.
func (a *Alerter) AlertsFor(ctx context.Context, path *routing.Path, departure time.Time) ([]PlaceAlert, error) {
	if path == nil || len(path.Geometry) == 0 {
		return nil, nil
	}

	n := len(path.Geometry)
	totalDur := time.Duration(path.DurationSeconds * float64(time.Second))

	type hit struct {
		place      store.ContainingPlace
		entryIndex int
	}
	seen := make(map[int64]struct{})
	var hits []hit

	probe := func(idx int) error {
		pt := path.Geometry[idx]
		places, err := a.db.PlacesContaining(ctx, pt.Lat, pt.Lon)
		if err != nil {
			return err
		}
		for _, p := range places {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			hits = append(hits, hit{place: p, entryIndex: idx})
		}
		return nil
	}

	for i := 0; i < n; i += alertSampleStride {
		if err := probe(i); err != nil {
			return nil, err
		}
	}
	// The stride can step over the destination; always test it.
	if (n-1)%alertSampleStride != 0 {
		if err := probe(n - 1); err != nil {
			return nil, err
		}
	}

	alerts := make([]PlaceAlert, 0, len(hits))
	for _, h := range hits {
		alerts = append(alerts, a.alertAt(ctx, placeFields{
			ID: h.place.ID, Name: h.place.Name, Type: h.place.Type,
			Province: h.place.Province, Lat: h.place.Lat, Lon: h.place.Lon,
		}, h.entryIndex, n, departure, totalDur))
	}
	return alerts, nil
}

// AlertsFromKnown rebuilds alerts from a cached place list, skipping the
// polygon scan. Each place's entry index is the geometry point nearest
// to its center; arrival and forecasts follow the same rules as a fresh
// scan. Best-effort: never returns an error.
func (a *Alerter) AlertsFromKnown(ctx context.Context, path *routing.Path, departure time.Time, places []store.RoutePlace) []PlaceAlert {
	if path == nil || len(path.Geometry) == 0 || len(places) == 0 {
		return nil
	}

	n := len(path.Geometry)
	totalDur := time.Duration(path.DurationSeconds * float64(time.Second))

	type indexed struct {
		place store.RoutePlace
		idx   int
	}
	ordered := make([]indexed, 0, len(places))
	for _, p := range places {
		center := polyline.Coordinate{Lat: p.Lat, Lon: p.Lon}
		best, bestDist := 0, math.MaxFloat64
		for i, pt := range path.Geometry {
			if d := polyline.Distance(pt, center); d < bestDist {
				best, bestDist = i, d
			}
		}
		ordered = append(ordered, indexed{place: p, idx: best})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })

	alerts := make([]PlaceAlert, 0, len(ordered))
	for _, e := range ordered {
		alerts = append(alerts, a.alertAt(ctx, placeFields{
			Name: e.place.Name, Type: e.place.Type,
			Lat: e.place.Lat, Lon: e.place.Lon,
		}, e.idx, n, departure, totalDur))
	}
	return alerts
}

type placeFields struct {
	ID       int64
	Name     string
	Type     string
	Province string
	Lat      float64
	Lon      float64
}

func (a *Alerter) alertAt(ctx context.Context, p placeFields, entryIndex, geomLen int, departure time.Time, totalDur time.Duration) PlaceAlert {
	progress := float64(entryIndex) / float64(geomLen)
	arrival := departure.Add(time.Duration(progress * float64(totalDur)))

	alert := PlaceAlert{
		PlaceID:     p.ID,
		Name:        p.Name,
		Type:        p.Type,
		Province:    p.Province,
		Lat:         p.Lat,
		Lon:         p.Lon,
		ArrivalTime: arrival,
	}
	if cw, err := a.cache.Get(ctx, p.Lat, p.Lon, arrival, true); err == nil && cw != nil {
		alert.Condition = string(cw.Forecast.Condition)
		temp := cw.Forecast.TemperatureC
		alert.Temperature = &temp
	} else if err != nil {
		a.log.Debug().Err(err).Str("place", p.Name).Msg("no forecast for place")
	}
	return alert
}
