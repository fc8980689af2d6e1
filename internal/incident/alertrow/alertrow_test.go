package alertrow

import (
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident/storetest"
)

func TestEncodeDecode_Full(t *testing.T) {
	t.Parallel()

	want := storetest.Alert("a-1", "flood|mumbai", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	row, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := row.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := storetest.Equal(got, want); err != nil {
		t.Error(err)
	}
}

func TestEncode_OptionalFieldsAreNull(t *testing.T) {
	t.Parallel()

	a := &alert.Alert{ID: "a-2", Type: alert.TypeFire, State: alert.StateSubmitted}
	row, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if row.Reporter != nil || row.ResolvedLocation != nil || row.Plan != nil || row.PriorityScore != nil {
		t.Errorf("expected nil optional columns, got %+v", row)
	}
	if string(row.Threats) != "[]" || string(row.Notes) != "[]" {
		t.Errorf("lists = %s %s, want empty arrays", row.Threats, row.Notes)
	}
	if Nullable(row.Plan) != nil {
		t.Error("Nullable(nil) should bind NULL")
	}

	back, err := row.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Notes != nil || back.Plan != nil || back.Reporter != nil {
		t.Errorf("decoded optional fields = %+v", back)
	}
}

func TestDecode_ScoreNotAliased(t *testing.T) {
	t.Parallel()

	score := 40
	row := &Row{ID: "a", PriorityScore: &score}
	a, err := row.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	score = 99
	if *a.PriorityScore != 40 {
		t.Errorf("score aliased row memory: %d", *a.PriorityScore)
	}
}

func TestDecode_BadJSON(t *testing.T) {
	t.Parallel()

	for _, row := range []*Row{
		{Threats: []byte("{")},
		{Notes: []byte("nope")},
		{Reporter: []byte("[1]")},
		{ResolvedLocation: []byte(`{"lat":"x"}`)},
		{Plan: []byte(`{"instructions":7}`)},
	} {
		if _, err := row.Decode(); err == nil {
			t.Errorf("Decode(%+v) succeeded, want error", row)
		}
	}
}
