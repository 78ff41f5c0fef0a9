// Package overpass provides a client for Overpass-compatible OSM query
// endpoints, narrowed to administrative boundary lookups.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/provider/resilience"
)

const (
	// ProviderName identifies this boundary provider.
	ProviderName = "overpass"

	// DefaultBaseURL is the public Overpass instance.
	DefaultBaseURL = "https://overpass-api.de"

	// DefaultTimeout is the per-request timeout. Boundary queries are
	// slow on the public instance.
	DefaultTimeout = 25 * time.Second

	interpreterPath = "/api/interpreter"
)

// ErrNoBoundary is returned when no relation matches the query.
var ErrNoBoundary = errors.New("no matching boundary relation")

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the Overpass client.
type ClientConfig struct {
	// BaseURL overrides the public endpoint (optional).
	BaseURL string

	// HTTPClient overrides the transport (optional).
	HTTPClient HTTPDoer

	// Timeout is the request timeout (optional, defaults to 25s).
	Timeout time.Duration

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Logger for client operations.
	Logger zerolog.Logger
}

// Boundary is an administrative boundary relation, reduced to what the
// seeder stores: the outer ring (or the bounds rectangle when member
// geometry is absent) plus identifying tags.
type Boundary struct {
	OSMID      int64
	OSMType    string
	AdminLevel int
	Name       string
	Ring       []geo.Point
	FromBounds bool
	Tags       map[string]string
}

// Client is an Overpass API client.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewClient creates a new Overpass client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		if cfg.Registry != nil {
			clientCfg.Registry = cfg.Registry
		}
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// FetchBoundary queries for an administrative boundary relation by name
// at the given admin level and returns the first match. The outer ring
// is the concatenation of members with role "outer"; relations returned
// without member geometry degrade to the bounds rectangle.
func (c *Client) FetchBoundary(ctx context.Context, name string, adminLevel int) (*Boundary, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNoBoundary
	}

	query := fmt.Sprintf(
		`[out:json][timeout:%d];relation["boundary"="administrative"]["admin_level"="%d"]["name"="%s"];out geom 1;`,
		int(c.timeout.Seconds()), adminLevel, escapeQL(name),
	)

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+interpreterPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var ovResp overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&ovResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	for _, el := range ovResp.Elements {
		if el.Type != "relation" {
			continue
		}
		b := toBoundary(&el, adminLevel)
		if b != nil {
			return b, nil
		}
	}
	return nil, ErrNoBoundary
}

func toBoundary(el *overpassElement, adminLevel int) *Boundary {
	b := &Boundary{
		OSMID:      el.ID,
		OSMType:    el.Type,
		AdminLevel: adminLevel,
		Name:       el.Tags["name"],
		Tags:       el.Tags,
	}

	for _, m := range el.Members {
		if m.Role != "outer" {
			continue
		}
		for _, pt := range m.Geometry {
			b.Ring = append(b.Ring, geo.Point{Lat: pt.Lat, Lon: pt.Lon})
		}
	}

	if len(b.Ring) < 3 {
		if el.Bounds == nil {
			return nil
		}
		b.Ring = []geo.Point{
			{Lat: el.Bounds.MinLat, Lon: el.Bounds.MinLon},
			{Lat: el.Bounds.MinLat, Lon: el.Bounds.MaxLon},
			{Lat: el.Bounds.MaxLat, Lon: el.Bounds.MaxLon},
			{Lat: el.Bounds.MaxLat, Lon: el.Bounds.MinLon},
		}
		b.FromBounds = true
	}
	return b
}

// escapeQL escapes a value for use inside a double-quoted Overpass QL
// string.
func escapeQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Overpass API response structures.

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type    string            `json:"type"`
	ID      int64             `json:"id"`
	Tags    map[string]string `json:"tags"`
	Bounds  *overpassBounds   `json:"bounds"`
	Members []overpassMember  `json:"members"`
}

type overpassBounds struct {
	MinLat float64 `json:"minlat"`
	MinLon float64 `json:"minlon"`
	MaxLat float64 `json:"maxlat"`
	MaxLon float64 `json:"maxlon"`
}

type overpassMember struct {
	Type     string          `json:"type"`
	Role     string          `json:"role"`
	Geometry []overpassPoint `json:"geometry"`
}

type overpassPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
