// Package storetest holds the behavior every incident.Store implementation
// must share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Alert returns a fully populated planned alert for round-trip checks.
func Alert(id, key string, created time.Time) *alert.Alert {
	score := 91
	lat, lng := 19.076, 72.8777
	return &alert.Alert{
		ID:           id,
		DedupeKey:    key,
		Type:         alert.TypeFlood,
		LocationText: "Mumbai Coastal Area",
		ResolvedLocation: &alert.Location{
			Lat: &lat, Lng: &lng, Confidence: 0.9, Source: "test",
			ResolvedAt: created.Add(time.Second),
		},
		Description:       "Heavy monsoon rains causing severe flooding",
		Notes:             []string{"water rising near the station"},
		ReportedSeverity:  alert.SeverityHigh,
		EstimatedAffected: 8000,
		Threats:           []string{"Flooding", "Road Blockage"},
		Reporter:          &alert.Reporter{Name: "Asha", Phone: "+91 22 5555 0100"},
		PriorityScore:     &score,
		Plan: &alert.ResponsePlan{
			EvacuationRoutes:             []string{"Western Express Highway"},
			ResourcesNeeded:              []string{"Boats"},
			Instructions:                 []string{"Move to higher ground"},
			RequiredTeams:                []string{"NDRF"},
			RiskAnalysis:                 "High risk of further flooding",
			EstimatedResponseTimeMinutes: 20,
			Confidence:                   alert.ConfidenceFull,
			GeneratedBy:                  "test",
			GeneratedAt:                  created.Add(2 * time.Second),
		},
		State:      alert.StatePlanned,
		Attempts:   1,
		MergeCount: 1,
		CreatedAt:  created,
		UpdatedAt:  created.Add(2 * time.Second),
	}
}

// Run exercises a Store produced by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) incident.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		want := Alert("a-1", "flood|mumbai coastal area", base)
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, ok, err := s.Get(ctx, "a-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			t.Fatal("expected alert to be found")
		}
		if err := Equal(got, want); err != nil {
			t.Error(err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("expected ok=false for missing ID")
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		s := newStore(t)
		a := Alert("a-1", "k", base)
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
		a.Threats[0] = "mutated after put"
		got, _, _ := s.Get(ctx, "a-1")
		got.Notes[0] = "mutated after get"
		again, _, _ := s.Get(ctx, "a-1")
		if again.Threats[0] != "Flooding" || again.Notes[0] != "water rising near the station" {
			t.Errorf("store shares memory with callers: %v %v", again.Threats, again.Notes)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := newStore(t)
		a := Alert("a-1", "k", base)
		_ = s.Put(ctx, a)
		a.State = alert.StateDispatched
		a.Attempts = 3
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, _, _ := s.Get(ctx, "a-1")
		if got.State != alert.StateDispatched || got.Attempts != 3 {
			t.Errorf("got state=%s attempts=%d, want dispatched/3", got.State, got.Attempts)
		}
	})

	t.Run("LargestAffectedCount", func(t *testing.T) {
		s := newStore(t)
		a := Alert("a-1", "k", base)
		a.EstimatedAffected = alert.MaxEstimatedAffected
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, _, _ := s.Get(ctx, "a-1")
		if got.EstimatedAffected != alert.MaxEstimatedAffected {
			t.Errorf("EstimatedAffected = %d, want %d", got.EstimatedAffected, alert.MaxEstimatedAffected)
		}
	})

	t.Run("UnscoredAlert", func(t *testing.T) {
		s := newStore(t)
		a := &alert.Alert{
			ID: "a-1", DedupeKey: "k", Type: alert.TypeFire, LocationText: "Pune",
			Description: "Warehouse fire spreading quickly", ReportedSeverity: alert.SeverityMedium,
			State: alert.StateSubmitted, CreatedAt: base, UpdatedAt: base,
		}
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, ok, err := s.Get(ctx, "a-1")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if got.PriorityScore != nil || got.Plan != nil || got.Reporter != nil || got.ResolvedLocation != nil {
			t.Errorf("expected nil optional fields, got %+v", got)
		}
	})

	t.Run("FindLive", func(t *testing.T) {
		s := newStore(t)
		old := Alert("a-old", "k", base.Add(-time.Hour))
		mid := Alert("a-mid", "k", base.Add(-10*time.Minute))
		resolved := Alert("a-res", "k", base.Add(-time.Minute))
		resolved.State = alert.StateResolved
		other := Alert("a-other", "other", base)
		for _, a := range []*alert.Alert{old, mid, resolved, other} {
			if err := s.Put(ctx, a); err != nil {
				t.Fatalf("Put %s: %v", a.ID, err)
			}
		}

		got, ok, err := s.FindLive(ctx, "k", base.Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("FindLive: %v", err)
		}
		if !ok || got.ID != "a-mid" {
			t.Fatalf("FindLive = %v, %v; want a-mid", got, ok)
		}

		if _, ok, _ := s.FindLive(ctx, "k", base); ok {
			t.Error("expected no live alert created after the window start")
		}
		if _, ok, _ := s.FindLive(ctx, "missing", base.Add(-time.Hour)); ok {
			t.Error("expected no match for unknown key")
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		s := newStore(t)
		b := Alert("b", "k2", base.Add(time.Minute))
		a := Alert("a", "k1", base)
		r := Alert("r", "k3", base.Add(-time.Minute))
		r.State = alert.StateResolved
		for _, x := range []*alert.Alert{b, a, r} {
			_ = s.Put(ctx, x)
		}
		got, err := s.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			ids := make([]string, len(got))
			for i, x := range got {
				ids[i] = x.ID
			}
			t.Errorf("ListActive ids = %v, want [a b]", ids)
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a := Alert(fmt.Sprintf("a-%02d", i), fmt.Sprintf("k-%d", i%4), base.Add(time.Duration(i)*time.Second))
				if err := s.Put(ctx, a); err != nil {
					t.Errorf("Put: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := s.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 20 {
			t.Errorf("ListActive len = %d, want 20", len(got))
		}
	})
}

// Equal compares the persisted fields of two alerts. Timestamps are compared
// with time.Equal so backends may change the location.
func Equal(got, want *alert.Alert) error {
	switch {
	case got.ID != want.ID:
		return fmt.Errorf("ID = %q, want %q", got.ID, want.ID)
	case got.DedupeKey != want.DedupeKey:
		return fmt.Errorf("DedupeKey = %q, want %q", got.DedupeKey, want.DedupeKey)
	case got.Type != want.Type:
		return fmt.Errorf("Type = %q, want %q", got.Type, want.Type)
	case got.LocationText != want.LocationText:
		return fmt.Errorf("LocationText = %q, want %q", got.LocationText, want.LocationText)
	case got.Description != want.Description:
		return fmt.Errorf("Description = %q, want %q", got.Description, want.Description)
	case got.ReportedSeverity != want.ReportedSeverity:
		return fmt.Errorf("ReportedSeverity = %q, want %q", got.ReportedSeverity, want.ReportedSeverity)
	case got.EstimatedAffected != want.EstimatedAffected:
		return fmt.Errorf("EstimatedAffected = %d, want %d", got.EstimatedAffected, want.EstimatedAffected)
	case got.State != want.State:
		return fmt.Errorf("State = %q, want %q", got.State, want.State)
	case got.Attempts != want.Attempts || got.MergeCount != want.MergeCount:
		return fmt.Errorf("Attempts/MergeCount = %d/%d, want %d/%d", got.Attempts, got.MergeCount, want.Attempts, want.MergeCount)
	case !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt):
		return fmt.Errorf("timestamps = %v/%v, want %v/%v", got.CreatedAt, got.UpdatedAt, want.CreatedAt, want.UpdatedAt)
	case fmt.Sprint(got.Threats) != fmt.Sprint(want.Threats):
		return fmt.Errorf("Threats = %v, want %v", got.Threats, want.Threats)
	case fmt.Sprint(got.Notes) != fmt.Sprint(want.Notes):
		return fmt.Errorf("Notes = %v, want %v", got.Notes, want.Notes)
	case (got.PriorityScore == nil) != (want.PriorityScore == nil):
		return fmt.Errorf("PriorityScore presence = %v, want %v", got.PriorityScore != nil, want.PriorityScore != nil)
	case got.PriorityScore != nil && *got.PriorityScore != *want.PriorityScore:
		return fmt.Errorf("PriorityScore = %d, want %d", *got.PriorityScore, *want.PriorityScore)
	case (got.Reporter == nil) != (want.Reporter == nil):
		return fmt.Errorf("Reporter presence = %v, want %v", got.Reporter != nil, want.Reporter != nil)
	case got.Reporter != nil && *got.Reporter != *want.Reporter:
		return fmt.Errorf("Reporter = %+v, want %+v", *got.Reporter, *want.Reporter)
	case (got.Plan == nil) != (want.Plan == nil):
		return fmt.Errorf("Plan presence = %v, want %v", got.Plan != nil, want.Plan != nil)
	case (got.ResolvedLocation == nil) != (want.ResolvedLocation == nil):
		return fmt.Errorf("ResolvedLocation presence = %v, want %v", got.ResolvedLocation != nil, want.ResolvedLocation != nil)
	}
	if got.Plan != nil {
		g, w := got.Plan, want.Plan
		if fmt.Sprint(g.EvacuationRoutes, g.ResourcesNeeded, g.Instructions, g.RequiredTeams) !=
			fmt.Sprint(w.EvacuationRoutes, w.ResourcesNeeded, w.Instructions, w.RequiredTeams) ||
			g.RiskAnalysis != w.RiskAnalysis || g.Confidence != w.Confidence ||
			g.EstimatedResponseTimeMinutes != w.EstimatedResponseTimeMinutes {
			return fmt.Errorf("Plan = %+v, want %+v", g, w)
		}
	}
	if got.ResolvedLocation != nil {
		g, w := got.ResolvedLocation, want.ResolvedLocation
		if (g.Lat == nil) != (w.Lat == nil) || (g.Lat != nil && (*g.Lat != *w.Lat || *g.Lng != *w.Lng)) ||
			g.Confidence != w.Confidence || g.LowConfidence != w.LowConfidence {
			return fmt.Errorf("ResolvedLocation = %+v, want %+v", g, w)
		}
	}
	return nil
}
