package alert

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func validReport() *Report {
	return &Report{
		Type:              "flood",
		Location:          "Mumbai Coastal Area",
		Description:       "Heavy monsoon rains causing severe flooding in low-lying areas.",
		Severity:          "High",
		EstimatedAffected: 8000,
		Threats:           []string{"Flooding", "Road Blockage"},
		Anonymous:         true,
	}
}

func TestReportValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(r *Report)
		wantField string
	}{
		{"valid anonymous", func(*Report) {}, ""},
		{"valid with contact", func(r *Report) {
			r.Anonymous = false
			r.Contact = &Contact{Name: "Priya Patel", Phone: "+91 87654 32109"}
		}, ""},
		{"terrorist alias", func(r *Report) { r.Type = "terrorist" }, ""},
		{"type case-insensitive", func(r *Report) { r.Type = " FLOOD " }, ""},
		{"empty severity defaults", func(r *Report) { r.Severity = "" }, ""},
		{"unknown type", func(r *Report) { r.Type = "volcano" }, "type"},
		{"empty type", func(r *Report) { r.Type = "" }, "type"},
		{"blank location", func(r *Report) { r.Location = "   " }, "location"},
		{"short description", func(r *Report) { r.Description = "too short" }, "description"},
		{"padded short description", func(r *Report) { r.Description = "   short but padded   " }, "description"},
		{"unknown severity", func(r *Report) { r.Severity = "Extreme" }, "severity"},
		{"negative affected", func(r *Report) { r.EstimatedAffected = -1 }, "estimated_affected"},
		{"largest affected", func(r *Report) { r.EstimatedAffected = MaxEstimatedAffected }, ""},
		{"implausible affected", func(r *Report) { r.EstimatedAffected = MaxEstimatedAffected + 1 }, "estimated_affected"},
		{"missing contact", func(r *Report) { r.Anonymous = false }, "contact.name"},
		{"blank contact name", func(r *Report) {
			r.Anonymous = false
			r.Contact = &Contact{Name: " ", Phone: "123"}
		}, "contact.name"},
		{"anonymous with contact", func(r *Report) {
			r.Contact = &Contact{Name: "Someone"}
		}, "contact"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := validReport()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestDescriptionLengthCountsRunes(t *testing.T) {
	t.Parallel()

	r := validReport()
	r.Description = strings.Repeat("ब", MinDescriptionLen)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil for %d multibyte runes", err, MinDescriptionLen)
	}
}

func TestDedupeKey(t *testing.T) {
	t.Parallel()

	a := DedupeKey(TypeFlood, "Mumbai Coastal Area")
	b := DedupeKey(TypeFlood, "  mumbai   COASTAL\tarea ")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
	if DedupeKey(TypeFire, "Mumbai Coastal Area") == a {
		t.Error("different types must not share a key")
	}
}

func TestUnionThreats(t *testing.T) {
	t.Parallel()

	got := UnionThreats([]string{"Flooding", "Road Blockage"}, []string{"flooding", " Power Outage ", ""})
	want := []string{"Flooding", "Power Outage", "Road Blockage"}
	if !slices.Equal(got, want) {
		t.Errorf("UnionThreats = %v, want %v", got, want)
	}
}

func TestNewAndMerge(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	r := validReport()
	a := New("a-1", r, DedupeKey(TypeFlood, r.Location), now)

	if a.State != StateSubmitted {
		t.Errorf("state = %q, want %q", a.State, StateSubmitted)
	}
	if !a.Anonymous() {
		t.Error("expected anonymous alert")
	}
	if a.ReportedSeverity != SeverityHigh {
		t.Errorf("severity = %q, want High", a.ReportedSeverity)
	}

	dup := validReport()
	dup.Description = "Water still rising near the harbour, more families stranded."
	dup.EstimatedAffected = 12000
	dup.Threats = []string{"Power Outage", "flooding"}

	later := now.Add(5 * time.Minute)
	a.Merge(dup, later)

	if a.EstimatedAffected != 12000 {
		t.Errorf("affected = %d, want 12000", a.EstimatedAffected)
	}
	if want := []string{"Flooding", "Power Outage", "Road Blockage"}; !slices.Equal(a.Threats, want) {
		t.Errorf("threats = %v, want %v", a.Threats, want)
	}
	if len(a.Notes) != 1 || a.Notes[0] != dup.Description {
		t.Errorf("notes = %v, want the merged description", a.Notes)
	}
	if a.Description != r.Description {
		t.Error("merge must not rewrite the original description")
	}
	if !a.UpdatedAt.Equal(later) {
		t.Errorf("updated_at = %v, want %v", a.UpdatedAt, later)
	}

	smaller := validReport()
	smaller.EstimatedAffected = 10
	a.Merge(smaller, later)
	if a.EstimatedAffected != 12000 {
		t.Errorf("affected dropped to %d after merging a smaller estimate", a.EstimatedAffected)
	}
}

func TestNewWithContact(t *testing.T) {
	t.Parallel()

	r := validReport()
	r.Anonymous = false
	r.Contact = &Contact{Name: " Priya Patel ", Phone: "+91 87654 32109"}
	a := New("a-2", r, "k", time.Now())
	if a.Anonymous() {
		t.Fatal("expected reporter to be set")
	}
	if a.Reporter.Name != "Priya Patel" {
		t.Errorf("reporter name = %q", a.Reporter.Name)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateSubmitted, StateValidating, true},
		{StateSubmitted, StateAnalyzing, false},
		{StateValidating, StateAnalyzing, true},
		{StateAnalyzing, StatePlanned, true},
		{StateAnalyzing, StateAnalyzing, true},
		{StateAnalyzing, StateDispatched, false},
		{StatePlanned, StateDispatched, true},
		{StatePlanned, StateResolved, false},
		{StatePlanned, StateAnalyzing, true},
		{StateDispatched, StateAnalyzing, true},
		{StateDispatched, StateResolved, true},
		{StateFailed, StateResolved, true},
		{StateFailed, StateAnalyzing, true},
		{StateResolved, StateAnalyzing, false},
		{StateResolved, StateFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	now := time.Now()
	score := 80
	a := &Alert{
		ID:            "a-3",
		State:         StatePlanned,
		PriorityScore: &score,
		Plan:          &ResponsePlan{Instructions: []string{"go"}},
	}
	if err := a.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}

	if err := a.Transition(StateResolved, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Planned -> Resolved err = %v, want ErrInvalidTransition", err)
	}
	if a.State != StatePlanned {
		t.Fatalf("state changed on rejected transition: %s", a.State)
	}

	if err := a.Transition(StateAnalyzing, now); err != nil {
		t.Fatalf("Planned -> Analyzing: %v", err)
	}
	if a.Plan != nil {
		t.Error("entering Analyzing must drop the plan")
	}
	if !a.UpdatedAt.Equal(now) {
		t.Error("transition must advance updated_at")
	}
	if err := a.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants after re-entry: %v", err)
	}
}

func TestCheckInvariants(t *testing.T) {
	t.Parallel()

	score := 50
	tests := []struct {
		name    string
		alert   Alert
		wantErr bool
	}{
		{"submitted bare", Alert{ID: "x", State: StateSubmitted}, false},
		{"submitted with score", Alert{ID: "x", State: StateSubmitted, PriorityScore: &score}, true},
		{"analyzing without score", Alert{ID: "x", State: StateAnalyzing}, true},
		{"planned without plan", Alert{ID: "x", State: StatePlanned, PriorityScore: &score}, true},
		{"analyzing with plan", Alert{ID: "x", State: StateAnalyzing, PriorityScore: &score, Plan: &ResponsePlan{}}, true},
		{"failed bare", Alert{ID: "x", State: StateFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.alert.CheckInvariants()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckInvariants() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	lat, lng := 19.07, 72.87
	score := 91
	a := &Alert{
		ID:               "a-4",
		Threats:          []string{"Flooding"},
		Notes:            []string{"n"},
		Reporter:         &Reporter{Name: "A"},
		PriorityScore:    &score,
		ResolvedLocation: &Location{Lat: &lat, Lng: &lng, Confidence: 0.5},
		Plan:             &ResponsePlan{Instructions: []string{"move"}},
	}
	cp := a.Clone()
	cp.Threats[0] = "changed"
	cp.Notes[0] = "changed"
	cp.Reporter.Name = "B"
	*cp.PriorityScore = 1
	cp.ResolvedLocation.Confidence = 1
	cp.Plan.Instructions[0] = "stay"

	if a.Threats[0] != "Flooding" || a.Notes[0] != "n" || a.Reporter.Name != "A" ||
		*a.PriorityScore != 91 || a.ResolvedLocation.Confidence != 0.5 || a.Plan.Instructions[0] != "move" {
		t.Error("mutating the clone changed the original")
	}
}

func TestParseSeverityRank(t *testing.T) {
	t.Parallel()

	for i, name := range []string{"low", "MEDIUM", "High", "critical"} {
		s, ok := ParseSeverity(name)
		if !ok {
			t.Fatalf("ParseSeverity(%q) failed", name)
		}
		if s.Rank() != i {
			t.Errorf("%s rank = %d, want %d", s, s.Rank(), i)
		}
	}
	if Severity("bogus").Rank() != -1 {
		t.Error("unknown severity must rank -1")
	}
}

func FuzzReportValidate(f *testing.F) {
	f.Add("flood", "Mumbai", "Heavy monsoon rains causing severe flooding", "High", 10, true, "")
	f.Add("", "", "", "", -5, false, "")
	f.Add("terrorist", "  ", strings.Repeat("x", 40), "critical", 0, false, "Name")

	f.Fuzz(func(t *testing.T, typ, loc, desc, sev string, affected int, anon bool, name string) {
		r := &Report{
			Type: typ, Location: loc, Description: desc, Severity: sev,
			EstimatedAffected: affected, Anonymous: anon,
		}
		if name != "" {
			r.Contact = &Contact{Name: name}
		}
		err := r.Validate()
		if err != nil {
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field == "" {
				t.Fatalf("Validate returned %v, want *ValidationError with field", err)
			}
			return
		}
		a := New("id", r, DedupeKey(Type(typ), loc), time.Now())
		if a.Anonymous() != anon {
			t.Fatalf("anonymous = %v, want %v", a.Anonymous(), anon)
		}
		if a.EstimatedAffected < 0 {
			t.Fatal("negative affected accepted")
		}
	})
}
