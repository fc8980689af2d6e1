package incident

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/beacon/internal/alert"
)

//go:embed fallback_plans.yaml
var defaultFallback []byte

// FallbackSource names degraded plans in GeneratedBy.
const FallbackSource = "fallback"

// FallbackTable builds degraded plans from static per-type templates.
type FallbackTable struct {
	Plans                map[alert.Type]alert.ResponsePlan `yaml:"plans"`
	SeverityInstructions map[alert.Severity][]string       `yaml:"severity_instructions"`
	ResponseMinutes      map[alert.Severity]int            `yaml:"response_minutes"`
}

// DefaultFallback returns the embedded fallback table.
func DefaultFallback() (*FallbackTable, error) {
	return ParseFallback(defaultFallback)
}

// ParseFallback decodes a fallback table and checks it covers every alert
// type and severity.
func ParseFallback(data []byte) (*FallbackTable, error) {
	var t FallbackTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode fallback table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate reports the first alert type or severity the table cannot serve.
func (t *FallbackTable) Validate() error {
	for _, typ := range alert.Types {
		p, ok := t.Plans[typ]
		if !ok {
			return fmt.Errorf("%w: no fallback plan for type %q", ErrFatal, typ)
		}
		if len(p.Instructions) == 0 {
			return fmt.Errorf("%w: fallback plan for %q has no instructions", ErrFatal, typ)
		}
	}
	for _, sev := range alert.Severities {
		if _, ok := t.ResponseMinutes[sev]; !ok {
			return fmt.Errorf("%w: no response time for severity %q", ErrFatal, sev)
		}
	}
	return nil
}

// Plan returns a Degraded plan for the alert. It never calls out and only
// fails when the table has no entry for the alert's type.
func (t *FallbackTable) Plan(a *alert.Alert, now time.Time) (*alert.ResponsePlan, error) {
	tmpl, ok := t.Plans[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no fallback plan for type %q", ErrFatal, a.Type)
	}
	p := tmpl.Clone()
	p.Instructions = append(p.Instructions, t.SeverityInstructions[a.ReportedSeverity]...)
	p.EstimatedResponseTimeMinutes = t.ResponseMinutes[a.ReportedSeverity]
	p.Confidence = alert.ConfidenceDegraded
	p.GeneratedBy = FallbackSource
	p.GeneratedAt = now
	return p, nil
}
