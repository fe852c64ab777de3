package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

func TestDetectNoDrift(t *testing.T) {
	unit := &Unit{ID: "app"}
	snap := &statebackend.StateSnapshot{
		UnitID:    "app",
		Serial:    3,
		Resources: map[string]json.RawMessage{"svc": json.RawMessage(`{"replicas":3}`)},
	}
	live := map[string]json.RawMessage{"svc": json.RawMessage(`{"replicas": 3}`)}

	report := Detect(unit, snap, live)
	if report.HasDrift() {
		t.Errorf("expected no drift, got %+v", report.Deltas)
	}
	if report.StateSerial != 3 {
		t.Errorf("expected state serial 3, got %d", report.StateSerial)
	}
}

func TestDetectClassifiesAllDeltaKinds(t *testing.T) {
	unit := &Unit{ID: "app"}
	snap := &statebackend.StateSnapshot{
		UnitID: "app",
		Serial: 5,
		Resources: map[string]json.RawMessage{
			"changed": json.RawMessage(`{"replicas":3}`),
			"gone":    json.RawMessage(`{"name":"a"}`),
			"stable":  json.RawMessage(`{"name":"b"}`),
		},
	}
	live := map[string]json.RawMessage{
		"changed": json.RawMessage(`{"replicas":5}`),
		"stable":  json.RawMessage(`{"name":"b"}`),
		"rogue":   json.RawMessage(`{"name":"c"}`),
	}

	report := Detect(unit, snap, live)

	kinds := make(map[string]DeltaKind)
	for _, d := range report.Deltas {
		kinds[d.ResourceID] = d.Kind
	}
	if kinds["changed"] != DeltaChanged {
		t.Errorf("changed = %s, want %s", kinds["changed"], DeltaChanged)
	}
	if kinds["gone"] != DeltaMissing {
		t.Errorf("gone = %s, want %s", kinds["gone"], DeltaMissing)
	}
	if kinds["rogue"] != DeltaUnexpected {
		t.Errorf("rogue = %s, want %s", kinds["rogue"], DeltaUnexpected)
	}
	if _, ok := kinds["stable"]; ok {
		t.Error("unchanged resource must not produce a delta")
	}

	// Deltas come out ordered by resource ID.
	if report.Deltas[0].ResourceID != "changed" || report.Deltas[1].ResourceID != "gone" || report.Deltas[2].ResourceID != "rogue" {
		t.Errorf("deltas not ordered: %+v", report.Deltas)
	}
}

func TestDetectEmptyBothSides(t *testing.T) {
	report := Detect(&Unit{ID: "fresh"}, nil, nil)
	if report.HasDrift() {
		t.Errorf("empty state and empty live must not drift: %+v", report.Deltas)
	}
	if report.StateSerial != 0 {
		t.Errorf("expected state serial 0, got %d", report.StateSerial)
	}
}

func TestDetectUnitReadsStateAndProvider(t *testing.T) {
	ctx := context.Background()
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()

	snap := &statebackend.StateSnapshot{
		UnitID:    "app",
		Serial:    1,
		Resources: map[string]json.RawMessage{"svc": json.RawMessage(`{"replicas":3}`)},
	}
	if err := backend.WriteState(ctx, snap); err != nil {
		t.Fatalf("WriteState failed: %v", err)
	}

	provider := NewStateOnlyProvider()
	provider.Seed("app", "svc", json.RawMessage(`{"replicas":9}`))

	report, err := NewDriftDetector(provider, zerolog.Nop()).DetectUnit(ctx, backend, &Unit{ID: "app"})
	if err != nil {
		t.Fatalf("DetectUnit failed: %v", err)
	}
	if !report.HasDrift() {
		t.Fatal("expected drift")
	}
	if report.Deltas[0].Kind != DeltaChanged {
		t.Errorf("expected changed delta, got %s", report.Deltas[0].Kind)
	}

	// A unit with no recorded state is not an error.
	report, err = NewDriftDetector(provider, zerolog.Nop()).DetectUnit(ctx, backend, &Unit{ID: "never-applied"})
	if err != nil {
		t.Fatalf("DetectUnit on unwritten unit failed: %v", err)
	}
	if report.HasDrift() {
		t.Errorf("unexpected drift for unwritten unit: %+v", report.Deltas)
	}
}
