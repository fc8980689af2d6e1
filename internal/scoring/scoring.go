// Package scoring computes an alert's priority score. Scores are a pure
// function of the alert's attributes: no clock, no randomness, no I/O.
package scoring

import (
	"math"
	"strings"

	"github.com/linnemanlabs/beacon/internal/alert"
)

const (
	// MaxAffectedBonus caps the affected-count adjustment.
	MaxAffectedBonus = 20

	// MaxThreatBonus caps the threat-tag adjustment.
	MaxThreatBonus = 15

	affectedFactor = 8
	threatWeight   = 3
)

var severityWeight = map[alert.Severity]int{
	alert.SeverityLow:      10,
	alert.SeverityMedium:   35,
	alert.SeverityHigh:     65,
	alert.SeverityCritical: 90,
}

// typeOffset reflects inherent volatility. Collapse-prone or fast-spreading
// incidents get a small bump.
var typeOffset = map[alert.Type]int{
	alert.TypeEarthquake: 5,
	alert.TypeFire:       5,
	alert.TypeTerror:     5,
	alert.TypeLandslide:  3,
	alert.TypeCyclone:    3,
	alert.TypeFlood:      2,
}

// Breakdown is the per-component explanation of a score.
type Breakdown struct {
	Severity int `json:"severity"`
	Affected int `json:"affected"`
	Threats  int `json:"threats"`
	Type     int `json:"type"`
	Total    int `json:"total"`
}

// Score returns the alert's priority in [0,100].
func Score(a *alert.Alert) int {
	return Explain(a).Total
}

// Explain returns the score with each weighted component.
func Explain(a *alert.Alert) Breakdown {
	b := Breakdown{
		Severity: severityWeight[a.ReportedSeverity],
		Affected: AffectedBonus(a.EstimatedAffected),
		Threats:  ThreatBonus(a.Threats),
		Type:     typeOffset[a.Type],
	}
	b.Total = clamp(b.Severity+b.Affected+b.Threats+b.Type, 0, 100)
	return b
}

// AffectedBonus is min(20, floor(log10(n+1)*8)). Negative counts score zero.
func AffectedBonus(n int) int {
	if n <= 0 {
		return 0
	}
	v := int(math.Floor(math.Log10(float64(n)+1) * affectedFactor))
	return min(MaxAffectedBonus, v)
}

// ThreatBonus is min(15, 3*distinct tags), tags compared case-insensitively.
func ThreatBonus(threats []string) int {
	seen := make(map[string]struct{}, len(threats))
	for _, t := range threats {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			seen[t] = struct{}{}
		}
	}
	return min(MaxThreatBonus, threatWeight*len(seen))
}

// TypeOffset exposes the per-type addend.
func TypeOffset(t alert.Type) int {
	return typeOffset[t]
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
