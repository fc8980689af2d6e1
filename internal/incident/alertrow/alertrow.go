// Package alertrow flattens an alert.Alert into the column values shared by
// the SQL store backends and rebuilds it from a scanned row. Nested values
// (threats, notes, reporter, location, plan) are stored as JSON documents.
package alertrow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Columns is the select/insert column list in Row field order.
const Columns = `id, dedupe_key, type, location_text, description, reported_severity,
	estimated_affected, threats, notes, reporter, resolved_location, priority_score,
	plan, state, attempts, merge_count, failure_reason, created_at, updated_at`

// Row is one alerts table row. JSON fields that are nil map to SQL NULL.
type Row struct {
	ID                string
	DedupeKey         string
	Type              string
	LocationText      string
	Description       string
	ReportedSeverity  string
	EstimatedAffected int
	Threats           []byte
	Notes             []byte
	Reporter          []byte
	ResolvedLocation  []byte
	PriorityScore     *int
	Plan              []byte
	State             string
	Attempts          int
	MergeCount        int
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Encode converts an alert into a Row.
func Encode(a *alert.Alert) (*Row, error) {
	r := &Row{
		ID:                a.ID,
		DedupeKey:         a.DedupeKey,
		Type:              string(a.Type),
		LocationText:      a.LocationText,
		Description:       a.Description,
		ReportedSeverity:  string(a.ReportedSeverity),
		EstimatedAffected: a.EstimatedAffected,
		PriorityScore:     a.PriorityScore,
		State:             string(a.State),
		Attempts:          a.Attempts,
		MergeCount:        a.MergeCount,
		FailureReason:     a.FailureReason,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}

	var err error
	if r.Threats, err = marshalList(a.Threats); err != nil {
		return nil, fmt.Errorf("marshal threats: %w", err)
	}
	if r.Notes, err = marshalList(a.Notes); err != nil {
		return nil, fmt.Errorf("marshal notes: %w", err)
	}
	if a.Reporter != nil {
		if r.Reporter, err = json.Marshal(a.Reporter); err != nil {
			return nil, fmt.Errorf("marshal reporter: %w", err)
		}
	}
	if a.ResolvedLocation != nil {
		if r.ResolvedLocation, err = json.Marshal(a.ResolvedLocation); err != nil {
			return nil, fmt.Errorf("marshal location: %w", err)
		}
	}
	if a.Plan != nil {
		if r.Plan, err = json.Marshal(a.Plan); err != nil {
			return nil, fmt.Errorf("marshal plan: %w", err)
		}
	}
	return r, nil
}

// Decode rebuilds the alert held by the row.
func (r *Row) Decode() (*alert.Alert, error) {
	a := &alert.Alert{
		ID:                r.ID,
		DedupeKey:         r.DedupeKey,
		Type:              alert.Type(r.Type),
		LocationText:      r.LocationText,
		Description:       r.Description,
		ReportedSeverity:  alert.Severity(r.ReportedSeverity),
		EstimatedAffected: r.EstimatedAffected,
		State:             alert.State(r.State),
		Attempts:          r.Attempts,
		MergeCount:        r.MergeCount,
		FailureReason:     r.FailureReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.PriorityScore != nil {
		s := *r.PriorityScore
		a.PriorityScore = &s
	}

	if err := unmarshalOpt(r.Threats, &a.Threats); err != nil {
		return nil, fmt.Errorf("unmarshal threats: %w", err)
	}
	if err := unmarshalOpt(r.Notes, &a.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	if len(a.Notes) == 0 {
		a.Notes = nil
	}
	if len(r.Reporter) > 0 {
		a.Reporter = &alert.Reporter{}
		if err := json.Unmarshal(r.Reporter, a.Reporter); err != nil {
			return nil, fmt.Errorf("unmarshal reporter: %w", err)
		}
	}
	if len(r.ResolvedLocation) > 0 {
		a.ResolvedLocation = &alert.Location{}
		if err := json.Unmarshal(r.ResolvedLocation, a.ResolvedLocation); err != nil {
			return nil, fmt.Errorf("unmarshal location: %w", err)
		}
	}
	if len(r.Plan) > 0 {
		a.Plan = &alert.ResponsePlan{}
		if err := json.Unmarshal(r.Plan, a.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	return a, nil
}

// Nullable returns nil for an absent JSON document so drivers bind NULL.
func Nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func marshalList(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}

func unmarshalOpt[T any](data []byte, v *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
