// Package overlay annotates computed routes with weather: per-cell
// forecasts at the estimated arrival time, a one-line summary, and
// alerts for the populated areas the route passes through. Annotations
// never change the deterministic route duration.
package overlay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/internal/weather"
)

// DefaultParallelWeatherRequests bounds the forecast fan-out for cells
// the bulk read missed.
const DefaultParallelWeatherRequests = 40

// mixedThreshold is the share one condition must exceed for the summary
// to name it alone.
const mixedThreshold = 0.7

// UnavailableSummary is the degraded summary when no cell got weather.
const UnavailableSummary = "Weather data unavailable"

// WeatherCache is the slice of the weather cache the overlay reads.
type WeatherCache interface {
	GetBatch(ctx context.Context, queries []weather.CellQuery) ([]*weather.CellWeather, error)
	GetOrFetch(ctx context.Context, lat, lon float64, t time.Time, fetch weather.FetchFunc) (*weather.CellWeather, error)
	Get(ctx context.Context, lat, lon float64, t time.Time, allowStale bool) (*weather.CellWeather, error)
}

// ForecastProvider is the upstream the overlay falls back to on cache
// misses.
type ForecastProvider interface {
	ForecastAt(ctx context.Context, lat, lon float64, at time.Time) (weather.Forecast, string, error)
}

// CellRecord is one weather-annotated H3 cell of the route.
type CellRecord struct {
	H3Index     string           `json:"h3_index"`
	Lat         float64          `json:"lat"`
	Lon         float64          `json:"lon"`
	ArrivalTime time.Time        `json:"arrival_time"`
	Weather     weather.Forecast `json:"weather"`
	Stale       bool             `json:"stale,omitempty"`
}

// Stats summarizes cache behavior for one overlay pass.
type Stats struct {
	TotalCells int     `json:"total_cells"`
	Hits       int     `json:"hits"`
	Misses     int     `json:"misses"`
	Stale      int     `json:"stale"`
	APICalls   int     `json:"api_calls"`
	HitRate    float64 `json:"hit_rate"`
}

// Result is the weather overlay for one route.
type Result struct {
	Cells   []CellRecord
	Summary string
	Stats   Stats
}

// Config tunes a Service; zero values take defaults.
type Config struct {
	H3Resolution            int
	ParallelWeatherRequests int
}

// Service computes weather overlays.
type Service struct {
	cache    WeatherCache
	provider ForecastProvider
	sem      *semaphore.Weighted
	res      int
	log      zerolog.Logger
}

// New builds a Service.
func New(cache WeatherCache, provider ForecastProvider, cfg Config, log zerolog.Logger) *Service {
	if cfg.H3Resolution <= 0 {
		cfg.H3Resolution = geo.DefaultH3Resolution
	}
	if cfg.ParallelWeatherRequests <= 0 {
		cfg.ParallelWeatherRequests = DefaultParallelWeatherRequests
	}
	return &Service{
		cache:    cache,
		provider: provider,
		sem:      semaphore.NewWeighted(int64(cfg.ParallelWeatherRequests)),
		res:      cfg.H3Resolution,
		log:      log.With().Str("component", "overlay").Logger(),
	}
}

// cell is one deduplicated H3 cell with its earliest arrival.
type cell struct {
	index   string
	lat     float64
	lon     float64
	arrival time.Time
}

// Annotate overlays weather onto a path. Arrival at each node is the
// departure plus the cumulative edge durations before it; each H3 cell
// of the geometry keeps the earliest arrival of its nodes. Cached cells
// come from one bulk read; misses fan out under the semaphore. A failed
// cell becomes an absent record, never an error.
func (s *Service) Annotate(ctx context.Context, path *routing.Path, departure time.Time) (*Result, error) {
	cells := s.collectCells(path, departure)
	if len(cells) == 0 {
		return &Result{Summary: UnavailableSummary}, nil
	}

	stats := Stats{TotalCells: len(cells)}

	queries := make([]weather.CellQuery, len(cells))
	for i, c := range cells {
		queries[i] = weather.CellQuery{
			Geohash: geo.EncodeGeohash(c.lat, c.lon, weather.GeohashPrecision),
			At:      c.arrival,
		}
	}

	cached, err := s.cache.GetBatch(ctx, queries)
	if err != nil {
		s.log.Debug().Err(err).Msg("bulk weather read failed, fetching individually")
		cached = make([]*weather.CellWeather, len(cells))
	}

	records := make([]*CellRecord, len(cells))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, c := range cells {
		if cw := cached[i]; cw != nil {
			// Miss goroutines from earlier iterations update stats
			// concurrently, so the hit path locks too.
			mu.Lock()
			stats.Hits++
			if cw.Stale {
				stats.Stale++
			}
			mu.Unlock()
			records[i] = &CellRecord{
				H3Index: c.index, Lat: c.lat, Lon: c.lon,
				ArrivalTime: c.arrival, Weather: cw.Forecast, Stale: cw.Stale,
			}
			continue
		}

		mu.Lock()
		stats.Misses++
		mu.Unlock()
		wg.Add(1)
		go func(i int, c cell) {
			defer wg.Done()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			cw, err := s.cache.GetOrFetch(ctx, c.lat, c.lon, c.arrival, s.fetch(&mu, &stats))
			if err != nil || cw == nil {
				s.log.Debug().Err(err).Str("cell", c.index).Msg("cell weather unavailable")
				return
			}

			mu.Lock()
			if cw.Stale {
				stats.Stale++
			}
			records[i] = &CellRecord{
				H3Index: c.index, Lat: c.lat, Lon: c.lon,
				ArrivalTime: c.arrival, Weather: cw.Forecast, Stale: cw.Stale,
			}
			mu.Unlock()
		}(i, c)
	}
	wg.Wait()

	out := make([]CellRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			out = append(out, *r)
		}
	}

	if stats.TotalCells > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalCells)
	}

	return &Result{
		Cells:   out,
		Summary: Summarize(out),
		Stats:   stats,
	}, nil
}

// fetch wraps the provider into the cache's fetch contract, counting
// upstream calls under the shared mutex.
func (s *Service) fetch(mu *sync.Mutex, stats *Stats) weather.FetchFunc {
	return func(ctx context.Context, lat, lon float64, t time.Time) (weather.Forecast, string, error) {
		mu.Lock()
		stats.APICalls++
		mu.Unlock()
		return s.provider.ForecastAt(ctx, lat, lon, t)
	}
}

// collectCells walks the path geometry, assigns each point the arrival
// time of its node, and deduplicates by H3 cell keeping the earliest
// arrival.
func (s *Service) collectCells(path *routing.Path, departure time.Time) []cell {
	if path == nil || len(path.Geometry) == 0 {
		return nil
	}

	// arrivals[i] covers geometry point i; geometry aligns with the
	// node sequence. Extra trailing points (dense external geometry)
	// reuse the final arrival.
	arrivals := make([]time.Time, len(path.Geometry))
	elapsed := departure
	for i := range path.Geometry {
		arrivals[i] = elapsed
		if i < len(path.Edges) {
			elapsed = elapsed.Add(time.Duration(path.Edges[i].DurationSeconds * float64(time.Second)))
		}
	}

	seen := make(map[string]int)
	var cells []cell
	for i, pt := range path.Geometry {
		idx := geo.CellFor(pt.Lat, pt.Lon, s.res)
		if idx == "" {
			continue
		}
		if at, ok := seen[idx]; ok {
			if arrivals[i].Before(cells[at].arrival) {
				cells[at].arrival = arrivals[i]
				cells[at].lat, cells[at].lon = pt.Lat, pt.Lon
			}
			continue
		}
		seen[idx] = len(cells)
		cells = append(cells, cell{index: idx, lat: pt.Lat, lon: pt.Lon, arrival: arrivals[i]})
	}
	return cells
}

// Summarize folds cell conditions into one sentence. One dominant
// condition (share > 0.7) is named alone; otherwise the most common
// conditions are listed. No cells means weather is unavailable.
func Summarize(cells []CellRecord) string {
	if len(cells) == 0 {
		return UnavailableSummary
	}

	counts := map[weather.Condition]int{}
	for _, c := range cells {
		counts[c.Weather.Condition]++
	}

	type freq struct {
		cond weather.Condition
		n    int
	}
	ordered := make([]freq, 0, len(counts))
	for cond, n := range counts {
		ordered = append(ordered, freq{cond, n})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].n != ordered[j].n {
			return ordered[i].n > ordered[j].n
		}
		return ordered[i].cond < ordered[j].cond
	})

	if float64(ordered[0].n) > mixedThreshold*float64(len(cells)) {
		return fmt.Sprintf("%s conditions expected", titleCase(string(ordered[0].cond)))
	}

	names := make([]string, 0, len(ordered))
	for _, f := range ordered {
		names = append(names, string(f.cond))
	}
	return "Mixed conditions: " + strings.Join(names, ", ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
