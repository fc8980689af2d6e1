package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/beacon/internal/alert"
)

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	score := 93
	lat, lng := 19.076, 72.8777
	a := &alert.Alert{
		Type:              alert.TypeFlood,
		LocationText:      "Mumbai Coastal Area",
		ResolvedLocation:  &alert.Location{Lat: &lat, Lng: &lng},
		Description:       "Heavy monsoon rains causing severe flooding",
		Notes:             []string{"water entering ground floors"},
		ReportedSeverity:  alert.SeverityHigh,
		EstimatedAffected: 8000,
		Threats:           []string{"Flooding", "Road Blockage"},
		PriorityScore:     &score,
	}
	p := BuildPrompt(a)
	for _, want := range []string{
		"Incident type: flood",
		"Location: Mumbai Coastal Area",
		"Coordinates: 19.0760, 72.8777",
		"Reported severity: High",
		"Priority score: 93/100",
		"Estimated people affected: 8000",
		"Immediate threats: Flooding, Road Blockage",
		"Heavy monsoon rains",
		"- water entering ground floors",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestBuildPrompt_Minimal(t *testing.T) {
	t.Parallel()

	p := BuildPrompt(&alert.Alert{Type: alert.TypeFire, ReportedSeverity: alert.SeverityLow})
	for _, absent := range []string{"Coordinates", "Priority score", "Immediate threats", "Follow-up"} {
		if strings.Contains(p, absent) {
			t.Errorf("prompt should omit %q:\n%s", absent, p)
		}
	}
}

func TestParsePlan(t *testing.T) {
	t.Parallel()

	reply := "Here is the plan:\n```json\n" + `{
		"risk_analysis": " High risk of waterborne disease ",
		"evacuation_routes": ["Primary: NH24 to Ghaziabad", ""],
		"resources_needed": ["Rescue Boats"],
		"instructions": ["Evacuate low-lying areas immediately"],
		"required_teams": ["NDRF", "Medical"],
		"estimated_response_time_minutes": 18
	}` + "\n```"

	p, err := ParsePlan(reply, "claude")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if p.RiskAnalysis != "High risk of waterborne disease" {
		t.Errorf("RiskAnalysis = %q", p.RiskAnalysis)
	}
	if len(p.EvacuationRoutes) != 1 {
		t.Errorf("EvacuationRoutes = %v, want blank entries dropped", p.EvacuationRoutes)
	}
	if p.EstimatedResponseTimeMinutes != 18 || p.GeneratedBy != "claude" {
		t.Errorf("minutes=%d by=%q", p.EstimatedResponseTimeMinutes, p.GeneratedBy)
	}
	if len(p.RequiredTeams) != 2 || p.Instructions[0] != "Evacuate low-lying areas immediately" {
		t.Errorf("plan = %+v", p)
	}
}

func TestParsePlan_ResponseTimeForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field string
		want  int
	}{
		{`"estimated_response_time_minutes": 25`, 25},
		{`"estimated_response_time_minutes": "30"`, 30},
		{`"estimated_response_time": "15-20 minutes"`, 20},
		{`"estimated_response_time": "1-2 hours"`, 120},
		{`"estimated_response_time": "soon"`, 0},
		{`"estimated_response_time_minutes": -4`, 0},
	}
	for _, tt := range tests {
		p, err := ParsePlan(`{"instructions":["x"],`+tt.field+`}`, "t")
		if err != nil {
			t.Errorf("%s: %v", tt.field, err)
			continue
		}
		if p.EstimatedResponseTimeMinutes != tt.want {
			t.Errorf("%s: minutes = %d, want %d", tt.field, p.EstimatedResponseTimeMinutes, tt.want)
		}
	}
}

func TestParsePlan_NoPlan(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"", "I cannot help with that.", "} backwards {", `{"instructions": [1, 2]}`} {
		if _, err := ParsePlan(reply, "t"); !errors.Is(err, ErrNoPlan) {
			t.Errorf("ParsePlan(%q) err = %v, want ErrNoPlan", reply, err)
		}
	}
}
