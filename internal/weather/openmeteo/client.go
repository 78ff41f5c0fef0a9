// Package openmeteo fetches hourly forecasts from the Open-Meteo API.
// Requests go through the resilient HTTP client so rate limits back off
// and a flapping upstream trips the breaker instead of stalling routes.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/provider/resilience"
	"github.com/routecast/routecast/internal/weather"
)

const (
	// ProviderName identifies this weather provider.
	ProviderName = "openmeteo"

	// DefaultBaseURL is the public Open-Meteo API endpoint.
	DefaultBaseURL = "https://api.open-meteo.com"
)

// hourlyVars are the variables requested for every point.
const hourlyVars = "temperature_2m,weathercode,windspeed_10m"

// hourlyTimeLayout is Open-Meteo's hourly timestamp format (no seconds,
// no zone; timezone=UTC pins the zone).
const hourlyTimeLayout = "2006-01-02T15:04"

// forecastDays covers the planning horizon: departures up to three days
// out still land inside the returned hours.
const forecastDays = 3

// ClientConfig holds configuration for the Open-Meteo client.
type ClientConfig struct {
	// BaseURL overrides the API endpoint, e.g. for a self-hosted
	// instance or tests.
	BaseURL string

	// HTTPClient is the resilient client to send requests through.
	// Nil gets a client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an Open-Meteo API client.
type Client struct {
	baseURL    string
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new Open-Meteo client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(ProviderName))
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Point is one forecast location.
type Point struct {
	Lat float64
	Lon float64
}

// ForecastAt returns the forecast for the hour covering at, plus the
// upstream model-run tag when the response carries one. Hours past the
// horizon clamp to the last returned hour.
func (c *Client) ForecastAt(ctx context.Context, lat, lon float64, at time.Time) (weather.Forecast, string, error) {
	forecasts, run, err := c.ForecastBatch(ctx, []Point{{Lat: lat, Lon: lon}}, at)
	if err != nil {
		return weather.Forecast{}, "", err
	}
	return forecasts[0], run, nil
}

// ForecastBatch fetches forecasts for several points in one request.
// Open-Meteo accepts comma-joined coordinates and answers with an array,
// or a bare object for a single point; both shapes are handled. The
// result aligns with points.
func (c *Client) ForecastBatch(ctx context.Context, points []Point, at time.Time) ([]weather.Forecast, string, error) {
	if len(points) == 0 {
		return nil, "", nil
	}

	lats := make([]string, len(points))
	lons := make([]string, len(points))
	for i, p := range points {
		lats[i] = fmt.Sprintf("%.6f", p.Lat)
		lons[i] = fmt.Sprintf("%.6f", p.Lon)
	}

	url := fmt.Sprintf("%s/v1/forecast?latitude=%s&longitude=%s&hourly=%s&forecast_days=%d&timezone=UTC",
		c.baseURL, strings.Join(lats, ","), strings.Join(lons, ","), hourlyVars, forecastDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}

	locations, err := decodeLocations(body)
	if err != nil {
		return nil, "", err
	}
	if len(locations) != len(points) {
		return nil, "", fmt.Errorf("expected %d locations, got %d", len(points), len(locations))
	}

	forecasts := make([]weather.Forecast, len(locations))
	var modelRun string
	for i, loc := range locations {
		fc, err := loc.forecastAt(at)
		if err != nil {
			return nil, "", fmt.Errorf("location %d: %w", i, err)
		}
		forecasts[i] = fc
		if modelRun == "" {
			modelRun = loc.ModelRun
		}
	}
	return forecasts, modelRun, nil
}

// decodeLocations accepts either the single-object or the array form of
// the response body.
func decodeLocations(body []byte) ([]forecastResponse, error) {
	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var many []forecastResponse
		if err := json.Unmarshal(body, &many); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return many, nil
	}

	var one forecastResponse
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return []forecastResponse{one}, nil
}

// Open-Meteo API response structures.

type forecastResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// ModelRun is absent on the public endpoint; self-hosted instances
	// and some plans include it.
	ModelRun string `json:"model_run,omitempty"`
	Hourly   struct {
		Time          []string  `json:"time"`
		Temperature2m []float64 `json:"temperature_2m"`
		WeatherCode   []int     `json:"weathercode"`
		WindSpeed10m  []float64 `json:"windspeed_10m"`
	} `json:"hourly"`
}

// forecastAt picks the first hourly slot at or after the requested time,
// clamping to the last slot when the request is past the horizon.
func (r *forecastResponse) forecastAt(at time.Time) (weather.Forecast, error) {
	if len(r.Hourly.Time) == 0 {
		return weather.Forecast{}, fmt.Errorf("%w: empty hourly series", weather.ErrNoData)
	}

	target := at.UTC()
	idx := len(r.Hourly.Time) - 1
	for i, raw := range r.Hourly.Time {
		slot, err := time.ParseInLocation(hourlyTimeLayout, raw, time.UTC)
		if err != nil {
			return weather.Forecast{}, fmt.Errorf("parsing hourly time %q: %w", raw, err)
		}
		if !slot.Before(target.Truncate(time.Hour)) {
			idx = i
			break
		}
	}

	fc := weather.Forecast{}
	slot, err := time.ParseInLocation(hourlyTimeLayout, r.Hourly.Time[idx], time.UTC)
	if err != nil {
		return weather.Forecast{}, fmt.Errorf("parsing hourly time %q: %w", r.Hourly.Time[idx], err)
	}
	fc.ForecastTime = slot

	if idx < len(r.Hourly.Temperature2m) {
		fc.TemperatureC = r.Hourly.Temperature2m[idx]
	}
	if idx < len(r.Hourly.WindSpeed10m) {
		fc.WindSpeedKmh = r.Hourly.WindSpeed10m[idx]
	}
	if idx < len(r.Hourly.WeatherCode) {
		fc.WeatherCode = r.Hourly.WeatherCode[idx]
	} else {
		return weather.Forecast{}, fmt.Errorf("%w: hourly series shorter than time axis", weather.ErrNoData)
	}
	fc.Condition = weather.Categorize(fc.WeatherCode)

	return fc, nil
}
