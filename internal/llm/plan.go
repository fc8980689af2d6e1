// Package llm holds the prompt and response handling shared by the language
// model plan generators in its subpackages.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// MaxTokens bounds the plan response size for every provider.
const MaxTokens = 1500

// SystemPrompt frames the model as an emergency response planner and pins the
// output format ParsePlan expects.
const SystemPrompt = `You are an emergency response planner for a national disaster management authority.
Given an incident report, produce a concise, actionable response plan.

Reply with a single JSON object and nothing else, using exactly these keys:
  "risk_analysis": string, one or two sentences on the main risks
  "evacuation_routes": array of strings, most preferred first
  "resources_needed": array of strings
  "instructions": array of short imperative strings for people on the ground
  "required_teams": array of strings naming responding agencies or teams
  "estimated_response_time_minutes": integer

Do not invent street names you are unsure of. Prefer general guidance over false precision.`

// BuildPrompt renders the user message describing the alert.
func BuildPrompt(a *alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident type: %s\n", a.Type)
	fmt.Fprintf(&b, "Location: %s\n", a.LocationText)
	if loc := a.ResolvedLocation; loc != nil && loc.Lat != nil && loc.Lng != nil {
		fmt.Fprintf(&b, "Coordinates: %.4f, %.4f\n", *loc.Lat, *loc.Lng)
	}
	fmt.Fprintf(&b, "Reported severity: %s\n", a.ReportedSeverity)
	if a.PriorityScore != nil {
		fmt.Fprintf(&b, "Priority score: %d/100\n", *a.PriorityScore)
	}
	fmt.Fprintf(&b, "Estimated people affected: %d\n", a.EstimatedAffected)
	if len(a.Threats) > 0 {
		fmt.Fprintf(&b, "Immediate threats: %s\n", strings.Join(a.Threats, ", "))
	}
	fmt.Fprintf(&b, "\nDescription:\n%s\n", a.Description)
	if len(a.Notes) > 0 {
		b.WriteString("\nFollow-up reports:\n")
		for _, n := range a.Notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// ErrNoPlan means the model reply held no usable JSON plan.
var ErrNoPlan = errors.New("model reply contains no plan")

// wirePlan is the JSON shape requested in SystemPrompt. Response time is also
// accepted as a string such as "15-20 minutes".
type wirePlan struct {
	RiskAnalysis     string          `json:"risk_analysis"`
	EvacuationRoutes []string        `json:"evacuation_routes"`
	ResourcesNeeded  []string        `json:"resources_needed"`
	Instructions     []string        `json:"instructions"`
	RequiredTeams    []string        `json:"required_teams"`
	Minutes          json.RawMessage `json:"estimated_response_time_minutes"`
	ResponseTime     json.RawMessage `json:"estimated_response_time"`
}

var minutesPattern = regexp.MustCompile(`\d+`)

// ParsePlan extracts the plan from a model reply. Surrounding prose and code
// fences are tolerated. GeneratedBy is set to source.
func ParsePlan(reply, source string) (*alert.ResponsePlan, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, ErrNoPlan
	}

	var w wirePlan
	if err := json.Unmarshal([]byte(reply[start:end+1]), &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoPlan, err)
	}

	minutes := parseMinutes(w.Minutes)
	if minutes == 0 {
		minutes = parseMinutes(w.ResponseTime)
	}

	return &alert.ResponsePlan{
		RiskAnalysis:                 strings.TrimSpace(w.RiskAnalysis),
		EvacuationRoutes:             clean(w.EvacuationRoutes),
		ResourcesNeeded:              clean(w.ResourcesNeeded),
		Instructions:                 clean(w.Instructions),
		RequiredTeams:                clean(w.RequiredTeams),
		EstimatedResponseTimeMinutes: minutes,
		GeneratedBy:                  source,
	}, nil
}

// parseMinutes accepts a number or a string such as "15-20 minutes", taking
// the upper bound of a range.
func parseMinutes(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return max(0, int(n))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	best := 0
	for _, m := range minutesPattern.FindAllString(s, -1) {
		if v, err := strconv.Atoi(m); err == nil {
			best = max(best, v)
		}
	}
	if strings.Contains(strings.ToLower(s), "hour") {
		best *= 60
	}
	return best
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
