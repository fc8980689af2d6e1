// Package geo holds the location resolvers behind incident.Geocoder and the
// Chain that tries them in order.
package geo

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// ErrUnresolved means the resolver found no match for the text. The alert
// keeps a low-confidence placeholder location.
var ErrUnresolved = errors.New("location unresolved")

// LowConfidenceBelow is the confidence under which a location is flagged for
// country-level rendering.
const LowConfidenceBelow = 0.5

// Resolver is the single-method contract every geocoder here implements.
type Resolver interface {
	Resolve(ctx context.Context, text string) (*alert.Location, error)
}

// NewLocation builds a resolved location and derives the low-confidence flag.
func NewLocation(lat, lng, confidence float64, source string) *alert.Location {
	return &alert.Location{
		Lat:           &lat,
		Lng:           &lng,
		Confidence:    confidence,
		LowConfidence: confidence < LowConfidenceBelow,
		Source:        source,
	}
}

// Chain tries resolvers in order and returns the first match. A resolver
// error other than ErrUnresolved does not stop the chain; it is returned only
// when no later resolver matches.
type Chain []Resolver

// Resolve implements incident.Geocoder.
func (c Chain) Resolve(ctx context.Context, text string) (*alert.Location, error) {
	var lastErr error
	for _, r := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loc, err := r.Resolve(ctx, text)
		if err == nil && loc != nil {
			return loc, nil
		}
		if err != nil && !errors.Is(err, ErrUnresolved) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrUnresolved
}

// coordsPattern matches "Lat: 28.6139, Lng: 77.209" as produced by the
// reporting form's GPS button, and bare "28.6139, 77.209" pairs. Both parts
// need a fractional component so "Sector 12, 4th Road" is not a coordinate.
var coordsPattern = regexp.MustCompile(`(?i)(?:lat(?:itude)?\s*[:=]\s*)?(-?\d{1,2}\.\d+)\s*,\s*(?:(?:lng|lon|long|longitude)\s*[:=]\s*)?(-?\d{1,3}\.\d+)`)

// Coordinates resolves text that already carries a latitude/longitude pair.
type Coordinates struct{}

// Resolve implements Resolver.
func (Coordinates) Resolve(_ context.Context, text string) (*alert.Location, error) {
	m := coordsPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrUnresolved
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, ErrUnresolved
	}
	return NewLocation(lat, lng, 1, "coordinates"), nil
}
