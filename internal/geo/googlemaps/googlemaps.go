// Package googlemaps resolves locations with the Google Geocoding API.
package googlemaps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/geo"
	"github.com/linnemanlabs/beacon/internal/incident"
)

// Source labels locations produced by this resolver.
const Source = "googlemaps"

// confidence per geometry.location_type.
var confidence = map[string]float64{
	string(maps.GeocodeAccuracyRooftop):           1.0,
	string(maps.GeocodeAccuracyRangeInterpolated): 0.8,
	string(maps.GeocodeAccuracyGeometricCenter):   0.6,
	string(maps.GeocodeAccuracyApproximate):       0.4,
}

// partialPenalty scales confidence when Google only matched part of the text.
const partialPenalty = 0.75

// statuses the API reports for conditions that clear up on their own.
var transientStatuses = []string{"OVER_QUERY_LIMIT", "UNKNOWN_ERROR", "RESOURCE_EXHAUSTED"}

// Option configures a Geocoder.
type Option func(*config)

type config struct {
	baseURL string
	region  string
	client  *http.Client
	rate    int
}

// WithBaseURL points the client at another host (tests).
func WithBaseURL(u string) Option { return func(c *config) { c.baseURL = u } }

// WithRegion biases results to a ccTLD region code such as "in".
func WithRegion(r string) Option { return func(c *config) { c.region = r } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *config) { c.client = h } }

// WithRateLimit caps requests per second.
func WithRateLimit(rps int) Option { return func(c *config) { c.rate = rps } }

// Geocoder implements geo.Resolver on the Google Geocoding API.
type Geocoder struct {
	client *maps.Client
	region string
}

// New creates a Geocoder for the API key.
func New(apiKey string, opts ...Option) (*Geocoder, error) {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}

	mopts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		mopts = append(mopts, maps.WithBaseURL(cfg.baseURL))
	}
	if cfg.client != nil {
		mopts = append(mopts, maps.WithHTTPClient(cfg.client))
	}
	if cfg.rate > 0 {
		mopts = append(mopts, maps.WithRateLimit(cfg.rate))
	}

	c, err := maps.NewClient(mopts...)
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &Geocoder{client: c, region: cfg.region}, nil
}

// Resolve implements geo.Resolver. The first result is used.
func (g *Geocoder) Resolve(ctx context.Context, text string) (*alert.Location, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, geo.ErrUnresolved
	}

	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: text, Region: g.region})
	if err != nil {
		return nil, classify(err)
	}
	if len(results) == 0 {
		return nil, geo.ErrUnresolved
	}

	r := results[0]
	conf, ok := confidence[r.Geometry.LocationType]
	if !ok {
		conf = confidence[string(maps.GeocodeAccuracyApproximate)]
	}
	if r.PartialMatch {
		conf *= partialPenalty
	}
	return geo.NewLocation(r.Geometry.Location.Lat, r.Geometry.Location.Lng, conf, Source), nil
}

// classify marks quota, server and network failures as transient.
func classify(err error) error {
	msg := err.Error()
	for _, s := range transientStatuses {
		if strings.Contains(msg, s) {
			return incident.MarkTransient(err)
		}
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) || errors.Is(err, io.EOF) {
		// HTML or empty error page from an overloaded frontend
		return incident.MarkTransient(err)
	}
	if incident.IsTransient(err) {
		return err
	}
	return fmt.Errorf("geocode: %w", err)
}
