// Package osrm provides a client for OSRM-compatible route services.
// A local instance is preferred; when it fails or times out the client
// retries once against the public fallback endpoint, each endpoint
// behind its own circuit breaker.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/provider/resilience"
	"github.com/routecast/routecast/internal/routing"
	"github.com/routecast/routecast/pkg/polyline"
)

const (
	// ProviderName identifies this routing provider.
	ProviderName = "osrm"

	// DefaultBaseURL is the public OSRM demo endpoint, used as the
	// fallback when no local instance is configured.
	DefaultBaseURL = "https://router.project-osrm.org"

	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 10 * time.Second
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the OSRM client.
type ClientConfig struct {
	// BaseURL is the primary endpoint, typically a local instance.
	// Empty means the public endpoint is primary and there is no
	// fallback.
	BaseURL string

	// FallbackURL is tried when the primary fails (optional; defaults
	// to the public endpoint when BaseURL is set).
	FallbackURL string

	// HTTPClient overrides the primary transport (optional).
	HTTPClient HTTPDoer

	// FallbackHTTPClient overrides the fallback transport (optional).
	FallbackHTTPClient HTTPDoer

	// Timeout is the request timeout (optional, defaults to 10s).
	Timeout time.Duration

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Logger for client operations.
	Logger zerolog.Logger
}

type endpoint struct {
	baseURL string
	client  HTTPDoer
}

// Client is an OSRM API client with endpoint fallback.
type Client struct {
	endpoints []endpoint
	logger    zerolog.Logger
}

// NewClient creates a new OSRM client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	newTransport := func(name string) HTTPDoer {
		clientCfg := resilience.DefaultClientConfig(name)
		clientCfg.Timeout = timeout
		if cfg.Registry != nil {
			clientCfg.Registry = cfg.Registry
		}
		return resilience.NewClient(clientCfg)
	}

	var endpoints []endpoint

	if cfg.BaseURL != "" {
		primary := cfg.HTTPClient
		if primary == nil {
			primary = newTransport(ProviderName)
		}
		endpoints = append(endpoints, endpoint{baseURL: cfg.BaseURL, client: primary})

		fallbackURL := cfg.FallbackURL
		if fallbackURL == "" {
			fallbackURL = DefaultBaseURL
		}
		if fallbackURL != cfg.BaseURL {
			fallback := cfg.FallbackHTTPClient
			if fallback == nil {
				fallback = newTransport(ProviderName + "-fallback")
			}
			endpoints = append(endpoints, endpoint{baseURL: fallbackURL, client: fallback})
		}
	} else {
		primary := cfg.HTTPClient
		if primary == nil {
			primary = newTransport(ProviderName)
		}
		endpoints = append(endpoints, endpoint{baseURL: DefaultBaseURL, client: primary})
	}

	return &Client{endpoints: endpoints, logger: cfg.Logger}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Route fetches a driving route between two coordinates, normalized to
// the shape the graph builder consumes. Endpoints are tried in order;
// the first decodable answer wins.
func (c *Client) Route(ctx context.Context, src, dst routing.Coordinate) (*routing.RawRoute, error) {
	if !src.Valid() || !dst.Valid() {
		return nil, routing.ErrInvalidCoordinates
	}

	var lastErr error
	for i, ep := range c.endpoints {
		raw, err := c.routeVia(ctx, ep, src, dst)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if i+1 < len(c.endpoints) {
			c.logger.Warn().Err(err).Str("endpoint", ep.baseURL).Msg("osrm endpoint failed, trying fallback")
		}
	}
	return nil, fmt.Errorf("%w: %v", routing.ErrProviderUnavailable, lastErr)
}

func (c *Client) routeVia(ctx context.Context, ep endpoint, src, dst routing.Coordinate) (*routing.RawRoute, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline&annotations=duration&steps=true",
		ep.baseURL, src.Lon, src.Lat, dst.Lon, dst.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := ep.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var osrmResp routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&osrmResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if osrmResp.Code != "Ok" || len(osrmResp.Routes) == 0 {
		return nil, fmt.Errorf("no route: code=%q", osrmResp.Code)
	}

	return toRawRoute(&osrmResp.Routes[0])
}

// toRawRoute normalizes the first OSRM route alternative.
func toRawRoute(r *osrmRoute) (*routing.RawRoute, error) {
	coords := polyline.Decode(r.Geometry)
	if len(coords) < 2 {
		return nil, fmt.Errorf("route geometry too short: %d points", len(coords))
	}

	raw := &routing.RawRoute{
		Coords:          coords,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
	}

	for _, leg := range r.Legs {
		for _, s := range leg.Steps {
			name := s.Name
			if name == "" {
				name = s.Ref
			}
			raw.Steps = append(raw.Steps, routing.Step{
				Name:           name,
				RoadClass:      s.Class,
				DistanceMeters: s.Distance,
			})
		}
	}
	return raw, nil
}

// OSRM API response structures.

type routeResponse struct {
	Code   string      `json:"code"`
	Routes []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Geometry string    `json:"geometry"`
	Distance float64   `json:"distance"`
	Duration float64   `json:"duration"`
	Legs     []osrmLeg `json:"legs"`
}

type osrmLeg struct {
	Annotation struct {
		Duration []float64 `json:"duration"`
	} `json:"annotation"`
	Steps []osrmStep `json:"steps"`
}

type osrmStep struct {
	Name     string  `json:"name"`
	Ref      string  `json:"ref"`
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	// Class is a profile-dependent road class some deployments attach.
	Class string `json:"class,omitempty"`
}
