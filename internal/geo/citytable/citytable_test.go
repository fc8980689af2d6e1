package citytable

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/beacon/internal/geo"
)

func TestDefault_Resolve(t *testing.T) {
	t.Parallel()

	tab := Default()
	tests := []struct {
		text     string
		lat, lng float64
	}{
		{"Mumbai Coastal Area", 19.076, 72.8777},
		{"Delhi Central District", 28.6139, 77.209},
		{"near NAVI MUMBAI station", 19.033, 73.0297},
		{"Bengaluru outer ring road", 12.9716, 77.5946},
	}
	for _, tt := range tests {
		loc, err := tab.Resolve(context.Background(), tt.text)
		if err != nil {
			t.Errorf("%q: %v", tt.text, err)
			continue
		}
		if *loc.Lat != tt.lat || *loc.Lng != tt.lng {
			t.Errorf("%q = %v,%v; want %v,%v", tt.text, *loc.Lat, *loc.Lng, tt.lat, tt.lng)
		}
		if loc.Confidence != Confidence || loc.Source != Source || loc.LowConfidence {
			t.Errorf("%q: confidence=%v source=%q low=%v", tt.text, loc.Confidence, loc.Source, loc.LowConfidence)
		}
	}
}

func TestResolve_NoMatch(t *testing.T) {
	t.Parallel()

	if _, err := Default().Resolve(context.Background(), "Kathmandu valley"); !errors.Is(err, geo.ErrUnresolved) {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad yaml":  "cities: [",
		"empty":     "cities: []",
		"no name":   "cities:\n  - {name: ' ', lat: 1, lng: 1}",
		"bad range": "cities:\n  - {name: x, lat: 91, lng: 1}",
	}
	for name, doc := range tests {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParse_LongestNameFirst(t *testing.T) {
	t.Parallel()

	tab, err := Parse([]byte("cities:\n  - {name: york, lat: 1, lng: 1}\n  - {name: New York, lat: 2, lng: 2}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loc, err := tab.Resolve(context.Background(), "new york harbour")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if *loc.Lat != 2 {
		t.Errorf("matched lat %v, want the longer name", *loc.Lat)
	}
	if tab.Len() != 2 {
		t.Errorf("Len = %d, want 2", tab.Len())
	}
}
