package alert

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MinDescriptionLen is the minimum description length, in characters.
const MinDescriptionLen = 20

// MaxEstimatedAffected bounds the self-reported head count.
const MaxEstimatedAffected = 1_000_000_000

// Contact carries the reporter's details on a raw submission.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Report is a raw submission as received from the intake boundary.
type Report struct {
	Type              string   `json:"type"`
	Location          string   `json:"location"`
	Description       string   `json:"description"`
	Severity          string   `json:"severity"`
	EstimatedAffected int      `json:"estimated_affected"`
	Threats           []string `json:"threats"`
	Anonymous         bool     `json:"anonymous"`
	Contact           *Contact `json:"contact,omitempty"`
}

// ValidationError reports the first offending field of a malformed report.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate performs the structural intake checks. It returns a
// *ValidationError naming the first offending field.
func (r *Report) Validate() error {
	if _, ok := ParseType(r.Type); !ok {
		return invalid("type", "unknown type %q", r.Type)
	}
	if strings.TrimSpace(r.Location) == "" {
		return invalid("location", "must not be empty")
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(r.Description)); n < MinDescriptionLen {
		return invalid("description", "must be at least %d characters, got %d", MinDescriptionLen, n)
	}
	if r.Severity != "" {
		if _, ok := ParseSeverity(r.Severity); !ok {
			return invalid("severity", "unknown severity %q", r.Severity)
		}
	}
	if r.EstimatedAffected < 0 {
		return invalid("estimated_affected", "must not be negative")
	}
	if r.EstimatedAffected > MaxEstimatedAffected {
		return invalid("estimated_affected", "must be at most %d", MaxEstimatedAffected)
	}
	if r.Anonymous {
		if r.Contact != nil && (r.Contact.Name != "" || r.Contact.Phone != "") {
			return invalid("contact", "must be empty for anonymous reports")
		}
		return nil
	}
	if r.Contact == nil || strings.TrimSpace(r.Contact.Name) == "" {
		return invalid("contact.name", "required unless anonymous")
	}
	return nil
}

// severity returns the parsed severity, defaulting to Medium like the
// reporting form does.
func (r *Report) severity() Severity {
	if s, ok := ParseSeverity(r.Severity); ok {
		return s
	}
	return SeverityMedium
}
