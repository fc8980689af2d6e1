package incident

import (
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

func TestDefaultFallback_CoversEveryTypeAndSeverity(t *testing.T) {
	t.Parallel()

	tbl, err := DefaultFallback()
	if err != nil {
		t.Fatalf("DefaultFallback: %v", err)
	}
	wantMinutes := map[alert.Severity]int{
		alert.SeverityCritical: 10,
		alert.SeverityHigh:     20,
		alert.SeverityMedium:   40,
		alert.SeverityLow:      60,
	}
	now := time.Now()
	for _, typ := range alert.Types {
		for _, sev := range alert.Severities {
			a := &alert.Alert{ID: "x", Type: typ, ReportedSeverity: sev}
			p, err := tbl.Plan(a, now)
			if err != nil {
				t.Fatalf("Plan(%s, %s): %v", typ, sev, err)
			}
			if p.Confidence != alert.ConfidenceDegraded {
				t.Errorf("%s/%s confidence = %s, want Degraded", typ, sev, p.Confidence)
			}
			if p.EstimatedResponseTimeMinutes != wantMinutes[sev] {
				t.Errorf("%s/%s minutes = %d, want %d", typ, sev, p.EstimatedResponseTimeMinutes, wantMinutes[sev])
			}
			if len(p.EvacuationRoutes) == 0 || len(p.Instructions) == 0 || len(p.RequiredTeams) == 0 {
				t.Errorf("%s/%s plan has empty sections: %+v", typ, sev, p)
			}
			if p.GeneratedBy != FallbackSource || !p.GeneratedAt.Equal(now) {
				t.Errorf("%s/%s provenance = %q %v", typ, sev, p.GeneratedBy, p.GeneratedAt)
			}
		}
	}
}

func TestFallbackPlan_DoesNotMutateTable(t *testing.T) {
	t.Parallel()

	tbl, err := DefaultFallback()
	if err != nil {
		t.Fatalf("DefaultFallback: %v", err)
	}
	before := len(tbl.Plans[alert.TypeFlood].Instructions)
	a := &alert.Alert{Type: alert.TypeFlood, ReportedSeverity: alert.SeverityCritical}
	for range 3 {
		p, _ := tbl.Plan(a, time.Now())
		p.EvacuationRoutes[0] = "mutated"
	}
	if got := len(tbl.Plans[alert.TypeFlood].Instructions); got != before {
		t.Errorf("table instructions grew from %d to %d", before, got)
	}
	if tbl.Plans[alert.TypeFlood].EvacuationRoutes[0] == "mutated" {
		t.Error("plan shares route slice with the table")
	}
}

func TestParseFallback_Incomplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"missing types", `
plans:
  flood:
    instructions: [Move up]
response_minutes: {Critical: 10, High: 20, Medium: 40, Low: 60}
`},
		{"bad yaml", "plans: [not, a, map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseFallback([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := ParseFallback([]byte(tests[0].yaml))
	if !errors.Is(err, ErrFatal) {
		t.Errorf("missing type error = %v, want ErrFatal", err)
	}
}

func TestFallbackPlan_UnknownTypeIsFatal(t *testing.T) {
	t.Parallel()

	tbl := &FallbackTable{}
	_, err := tbl.Plan(&alert.Alert{Type: alert.TypeFlood}, time.Now())
	if !errors.Is(err, ErrFatal) {
		t.Errorf("err = %v, want ErrFatal", err)
	}
}
