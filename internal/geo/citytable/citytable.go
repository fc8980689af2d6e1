// Package citytable resolves locations against a small embedded table of
// city centroids. It is the offline fallback behind the external geocoder.
package citytable

import (
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/geo"
)

// Confidence is reported for every match; a city centroid is only a rough fix.
const Confidence = 0.5

// Source labels locations produced by this resolver.
const Source = "citytable"

//go:embed cities.yaml
var defaultCities []byte

// City is one table entry.
type City struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lng  float64 `yaml:"lng"`
}

// Table matches location text against city names.
type Table struct {
	cities []City // longest name first
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultCities)
	if err != nil {
		panic(fmt.Sprintf("embedded city table: %v", err))
	}
	return t
}

// Parse loads a table from YAML with a top-level "cities" list.
func Parse(data []byte) (*Table, error) {
	var doc struct {
		Cities []City `yaml:"cities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse city table: %w", err)
	}
	if len(doc.Cities) == 0 {
		return nil, fmt.Errorf("city table is empty")
	}
	for i := range doc.Cities {
		c := &doc.Cities[i]
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" {
			return nil, fmt.Errorf("city %d has no name", i)
		}
		if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return nil, fmt.Errorf("city %q has out of range coordinates", c.Name)
		}
	}
	slices.SortStableFunc(doc.Cities, func(a, b City) int {
		return cmp.Compare(len(b.Name), len(a.Name))
	})
	return &Table{cities: doc.Cities}, nil
}

// Len returns the number of cities.
func (t *Table) Len() int { return len(t.cities) }

// Resolve implements geo.Resolver.
func (t *Table) Resolve(_ context.Context, text string) (*alert.Location, error) {
	text = strings.ToLower(text)
	for _, c := range t.cities {
		if strings.Contains(text, c.Name) {
			return geo.NewLocation(c.Lat, c.Lng, Confidence, Source), nil
		}
	}
	return nil, geo.ErrUnresolved
}
