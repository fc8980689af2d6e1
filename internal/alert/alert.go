// Package alert defines the emergency alert domain model: the enumerations a
// report is validated against, the Alert entity and its response plan, the
// lifecycle state machine, and the change-feed events emitted on transitions.
package alert

import (
	"slices"
	"strings"
	"time"
)

// Type is the kind of incident being reported.
type Type string

const (
	TypeFlood      Type = "flood"
	TypeEarthquake Type = "earthquake"
	TypeFire       Type = "fire"
	TypeLandslide  Type = "landslide"
	TypeCyclone    Type = "cyclone"
	TypeAccident   Type = "accident"
	TypeMedical    Type = "medical"
	TypeTerror     Type = "terror"
	TypeOther      Type = "other"
)

// Types lists every valid Type in display order.
var Types = []Type{
	TypeFlood, TypeEarthquake, TypeFire, TypeLandslide, TypeCyclone,
	TypeAccident, TypeMedical, TypeTerror, TypeOther,
}

// ParseType resolves a user-supplied type name. Matching is case-insensitive
// and accepts "terrorist", the name the reporting form uses.
func ParseType(s string) (Type, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "terrorist" {
		return TypeTerror, true
	}
	t := Type(s)
	if slices.Contains(Types, t) {
		return t, true
	}
	return "", false
}

// Severity is the reporter's own assessment of the incident.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Severities lists every valid Severity from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity resolves a severity name case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	s = strings.TrimSpace(s)
	for _, sev := range Severities {
		if strings.EqualFold(s, string(sev)) {
			return sev, true
		}
	}
	return "", false
}

// Rank orders severities, Low=0 through Critical=3. Unknown values rank -1.
func (s Severity) Rank() int {
	return slices.Index(Severities, s)
}

// Location is the geocoded position of an alert. Lat and Lng are nil when the
// geocoder could not resolve the text, in which case LowConfidence is set and
// map consumers fall back to a country-level marker.
type Location struct {
	Lat           *float64  `json:"lat"`
	Lng           *float64  `json:"lng"`
	Confidence    float64   `json:"confidence"`
	LowConfidence bool      `json:"low_confidence"`
	Source        string    `json:"source,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// Unresolved returns the placeholder location recorded when geocoding fails.
func Unresolved(now time.Time) *Location {
	return &Location{LowConfidence: true, ResolvedAt: now}
}

// Reporter identifies a non-anonymous submitter.
type Reporter struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// PlanConfidence marks whether a plan came from the external generator.
type PlanConfidence string

const (
	ConfidenceFull     PlanConfidence = "Full"
	ConfidenceDegraded PlanConfidence = "Degraded"
)

// ResponsePlan is the generated response attached to an alert.
type ResponsePlan struct {
	EvacuationRoutes             []string       `json:"evacuation_routes" yaml:"evacuation_routes"`
	ResourcesNeeded              []string       `json:"resources_needed" yaml:"resources_needed"`
	Instructions                 []string       `json:"instructions" yaml:"instructions"`
	RequiredTeams                []string       `json:"required_teams" yaml:"required_teams"`
	RiskAnalysis                 string         `json:"risk_analysis" yaml:"risk_analysis"`
	EstimatedResponseTimeMinutes int            `json:"estimated_response_time_minutes" yaml:"-"`
	Confidence                   PlanConfidence `json:"confidence" yaml:"-"`
	GeneratedBy                  string         `json:"generated_by,omitempty" yaml:"-"`
	GeneratedAt                  time.Time      `json:"generated_at" yaml:"-"`
}

// Clone returns a deep copy of the plan.
func (p *ResponsePlan) Clone() *ResponsePlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.EvacuationRoutes = slices.Clone(p.EvacuationRoutes)
	cp.ResourcesNeeded = slices.Clone(p.ResourcesNeeded)
	cp.Instructions = slices.Clone(p.Instructions)
	cp.RequiredTeams = slices.Clone(p.RequiredTeams)
	return &cp
}

// Alert is a single reported incident and its processing state.
//
// ID, Type, LocationText, Description, ReportedSeverity and Reporter never
// change after creation. Threats and EstimatedAffected change only through
// Merge. Everything else is owned by the lifecycle.
type Alert struct {
	ID                string        `json:"id"`
	DedupeKey         string        `json:"dedupe_key"`
	Type              Type          `json:"type"`
	LocationText      string        `json:"location_text"`
	ResolvedLocation  *Location     `json:"resolved_location,omitempty"`
	Description       string        `json:"description"`
	Notes             []string      `json:"notes,omitempty"`
	ReportedSeverity  Severity      `json:"reported_severity"`
	EstimatedAffected int           `json:"estimated_affected"`
	Threats           []string      `json:"threats"`
	Reporter          *Reporter     `json:"reporter,omitempty"`
	PriorityScore     *int          `json:"priority_score,omitempty"`
	Plan              *ResponsePlan `json:"plan,omitempty"`
	State             State         `json:"state"`
	// Attempts counts plan generator calls in the latest planning run,
	// first call included, so retries are Attempts-1. Zero means no
	// generator is configured.
	Attempts          int           `json:"attempts"`
	MergeCount        int           `json:"merge_count"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Anonymous reports whether the alert was submitted without contact details.
func (a *Alert) Anonymous() bool { return a.Reporter == nil }

// Clone returns a deep copy safe to hand to another goroutine.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Notes = slices.Clone(a.Notes)
	cp.Threats = slices.Clone(a.Threats)
	if a.ResolvedLocation != nil {
		loc := *a.ResolvedLocation
		cp.ResolvedLocation = &loc
	}
	if a.Reporter != nil {
		r := *a.Reporter
		cp.Reporter = &r
	}
	if a.PriorityScore != nil {
		s := *a.PriorityScore
		cp.PriorityScore = &s
	}
	cp.Plan = a.Plan.Clone()
	return &cp
}

// New builds a Submitted alert from a report that has already passed Validate.
func New(id string, r *Report, dedupeKey string, now time.Time) *Alert {
	typ, _ := ParseType(r.Type)
	a := &Alert{
		ID:                id,
		DedupeKey:         dedupeKey,
		Type:              typ,
		LocationText:      strings.TrimSpace(r.Location),
		Description:       strings.TrimSpace(r.Description),
		ReportedSeverity:  r.severity(),
		EstimatedAffected: r.EstimatedAffected,
		Threats:           UnionThreats(nil, r.Threats),
		State:             StateSubmitted,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !r.Anonymous && r.Contact != nil {
		a.Reporter = &Reporter{
			Name:  strings.TrimSpace(r.Contact.Name),
			Phone: strings.TrimSpace(r.Contact.Phone),
		}
	}
	return a
}

// Merge folds a duplicate report into the alert: the description is kept as a
// note, threat tags are unioned and the affected estimate is raised to the
// larger of the two. The caller is responsible for re-entering Analyzing.
func (a *Alert) Merge(r *Report, now time.Time) {
	a.Notes = append(a.Notes, strings.TrimSpace(r.Description))
	a.Threats = UnionThreats(a.Threats, r.Threats)
	a.EstimatedAffected = max(a.EstimatedAffected, r.EstimatedAffected)
	a.MergeCount++
	a.UpdatedAt = now
}

// DedupeKey normalizes type and location text into the key used to detect
// duplicate reports. Case and runs of whitespace are ignored.
func DedupeKey(t Type, locationText string) string {
	loc := strings.Join(strings.Fields(strings.ToLower(locationText)), " ")
	return string(t) + "|" + loc
}

// UnionThreats merges tag sets. Tags are trimmed, empty tags dropped and
// duplicates detected case-insensitively, keeping the first spelling seen.
// The result is sorted so equal sets compare equal.
func UnionThreats(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			k := strings.ToLower(t)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(x, y string) int {
		return strings.Compare(strings.ToLower(x), strings.ToLower(y))
	})
	return out
}
