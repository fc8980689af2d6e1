package scoring

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// attrs is a quick.Generator producing random alert attributes.
type attrs struct {
	Type     alert.Type
	Severity alert.Severity
	Affected int
	Threats  []string
}

var threatPool = []string{
	"Structural Damage", "Fire Hazard", "Flooding", "Chemical Spill",
	"Power Outage", "Communication Failure", "Road Blockage",
	"Medical Emergency", "Food Shortage", "Water Contamination",
	"Gas Leak", "Building Collapse", "Tsunami Risk", "Landslide Risk",
	"flooding", "",
}

func (attrs) Generate(r *rand.Rand, _ int) reflect.Value {
	a := attrs{
		Type:     alert.Types[r.Intn(len(alert.Types))],
		Severity: alert.Severities[r.Intn(len(alert.Severities))],
	}
	switch r.Intn(4) {
	case 0:
		a.Affected = 0
	case 1:
		a.Affected = r.Intn(100)
	case 2:
		a.Affected = r.Intn(1_000_000)
	default:
		a.Affected = r.Int() % 2_000_000_000
	}
	n := r.Intn(10)
	for range n {
		a.Threats = append(a.Threats, threatPool[r.Intn(len(threatPool))])
	}
	return reflect.ValueOf(a)
}

func (a attrs) alert() *alert.Alert {
	return &alert.Alert{
		ID:                "x",
		Type:              a.Type,
		ReportedSeverity:  a.Severity,
		EstimatedAffected: a.Affected,
		Threats:           a.Threats,
	}
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()

	f := func(a attrs) bool {
		first := Score(a.alert())
		for range 5 {
			if Score(a.alert()) != first {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestScore_IgnoresNonScoringFields(t *testing.T) {
	t.Parallel()

	f := func(a attrs, id, loc, desc string) bool {
		base := a.alert()
		other := a.alert()
		other.ID = id
		other.LocationText = loc
		other.Description = desc
		other.Notes = []string{desc}
		return Score(base) == Score(other)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestScore_InRange(t *testing.T) {
	t.Parallel()

	f := func(a attrs) bool {
		s := Score(a.alert())
		return s >= 0 && s <= 100
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestScore_SeverityMonotonic(t *testing.T) {
	t.Parallel()

	f := func(a attrs) bool {
		prev := -1
		for _, sev := range alert.Severities {
			a.Severity = sev
			s := Score(a.alert())
			if s < prev {
				return false
			}
			prev = s
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestScore_ThreatOrderIrrelevant(t *testing.T) {
	t.Parallel()

	f := func(a attrs) bool {
		rev := make([]string, len(a.Threats))
		for i, th := range a.Threats {
			rev[len(rev)-1-i] = th
		}
		b := a
		b.Threats = rev
		return Score(a.alert()) == Score(b.alert())
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestAffectedBonus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int
		want int
	}{
		{-5, 0},
		{0, 0},
		{1, 2},    // log10(2)*8 = 2.4
		{10, 8},   // log10(11)*8 = 8.3
		{98, 15},  // log10(99)*8 = 15.96
		{177, 18}, // log10(178)*8 = 18.003
		{315, 19}, // log10(316)*8 = 19.997
		{316, 20}, // log10(317)*8 = 20.008
		{8000, 20},
		{999999, 20},
	}
	for _, tt := range tests {
		if got := AffectedBonus(tt.n); got != tt.want {
			t.Errorf("AffectedBonus(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestThreatBonus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		threats []string
		want    int
	}{
		{"none", nil, 0},
		{"one", []string{"Flooding"}, 3},
		{"case duplicates count once", []string{"Flooding", "flooding", " FLOODING "}, 3},
		{"blank ignored", []string{"", "  "}, 0},
		{"capped", []string{"a", "b", "c", "d", "e", "f", "g"}, 15},
	}
	for _, tt := range tests {
		if got := ThreatBonus(tt.threats); got != tt.want {
			t.Errorf("%s: ThreatBonus = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestScore_MumbaiFlood(t *testing.T) {
	t.Parallel()

	a := &alert.Alert{
		Type:              alert.TypeFlood,
		ReportedSeverity:  alert.SeverityHigh,
		EstimatedAffected: 8000,
		Threats:           []string{"Flooding", "Road Blockage"},
	}
	b := Explain(a)
	if b.Severity != 65 || b.Affected != 20 || b.Threats != 6 {
		t.Fatalf("breakdown = %+v, want severity 65, affected 20, threats 6", b)
	}
	if want := 65 + 20 + 6 + TypeOffset(alert.TypeFlood); b.Total != want {
		t.Errorf("total = %d, want %d", b.Total, want)
	}
}

func TestScore_Clamped(t *testing.T) {
	t.Parallel()

	a := &alert.Alert{
		Type:              alert.TypeEarthquake,
		ReportedSeverity:  alert.SeverityCritical,
		EstimatedAffected: 5_000_000,
		Threats:           []string{"a", "b", "c", "d", "e"},
	}
	if got := Score(a); got != 100 {
		t.Errorf("Score = %d, want 100", got)
	}
}

func TestTypeOffsets(t *testing.T) {
	t.Parallel()

	for _, typ := range alert.Types {
		off := TypeOffset(typ)
		if off < 0 || off > 5 {
			t.Errorf("offset for %s = %d, want 0..5", typ, off)
		}
	}
	if TypeOffset(alert.TypeEarthquake) != 5 || TypeOffset(alert.TypeFire) != 5 {
		t.Error("earthquake and fire must carry the +5 volatility offset")
	}
}
