package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stackrun/stackrun/pkg/engine"
)

func setupTestStore(t *testing.T) *AuditStore {
	t.Helper()

	store, err := NewAuditStore(Config{
		Path: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func sampleRunResult(runID string) *engine.RunResult {
	started := time.Now().UTC().Add(-time.Minute)
	return &engine.RunResult{
		RunID:       runID,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   started,
		CompletedAt: started.Add(30 * time.Second),
		Units:       map[string]*engine.UnitResult{},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewAuditStore(Config{
		Path: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewAuditStore(Config{}); err == nil {
		t.Fatal("empty path should be rejected")
	}
}

func TestRecordRunIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	result := sampleRunResult("run-1")
	if err := store.RecordRun(ctx, result); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	// Re-recording updates the terminal status instead of duplicating.
	result.Status = engine.RunStatusFailed
	if err := store.RecordRun(ctx, result); err != nil {
		t.Fatalf("second RecordRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != string(engine.RunStatusFailed) {
		t.Errorf("status = %q, want failed", run.Status)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRecordUnitResultRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Second)
	result := &engine.UnitResult{
		UnitID:      "database",
		Status:      engine.UnitStatusBlocked,
		BlockReason: engine.BlockReasonPolicy,
		Summary:     &engine.PlanSummary{Destroy: 1},
		Violations: []engine.PolicyViolation{{
			Policy:   "prod-destroy-protection",
			Message:  "destroy requires the allow-destroy tag",
			Severity: "critical",
		}},
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
	}

	if err := store.RecordUnitResult(ctx, "run-1", result); err != nil {
		t.Fatalf("RecordUnitResult failed: %v", err)
	}

	records, err := store.ListUnitResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListUnitResults failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	r := records[0]
	if r.UnitID != "database" || r.Status != string(engine.UnitStatusBlocked) {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.BlockReason != string(engine.BlockReasonPolicy) {
		t.Errorf("block reason = %q, want policy reason", r.BlockReason)
	}
	if r.Summary == "" || r.Violations == "" {
		t.Errorf("summary and violations should be recorded: %+v", r)
	}
}

func TestUnitResultsKeepRecordOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, unit := range []string{"network", "database", "app"} {
		result := &engine.UnitResult{
			UnitID:      unit,
			Status:      engine.UnitStatusDone,
			StartedAt:   time.Now().UTC(),
			CompletedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.RecordUnitResult(ctx, "run-1", result); err != nil {
			t.Fatalf("RecordUnitResult failed: %v", err)
		}
	}

	records, err := store.ListUnitResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListUnitResults failed: %v", err)
	}
	want := []string{"network", "database", "app"}
	for i, r := range records {
		if r.UnitID != want[i] {
			t.Errorf("record[%d] = %q, want %q", i, r.UnitID, want[i])
		}
	}
}

func TestDriftReportsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for serial := uint64(1); serial <= 3; serial++ {
		report := &engine.DriftReport{
			UnitID:      "app",
			StateSerial: serial,
			DetectedAt:  time.Now().UTC().Add(time.Duration(serial) * time.Second),
			Deltas: []engine.Delta{
				{ResourceID: "svc", Kind: engine.DeltaChanged},
			},
		}
		if err := store.RecordDriftReport(ctx, report); err != nil {
			t.Fatalf("RecordDriftReport failed: %v", err)
		}
	}

	records, err := store.ListDriftReports(ctx, "app", 10, 0)
	if err != nil {
		t.Fatalf("ListDriftReports failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(records))
	}

	// Most recent first.
	if records[0].StateSerial != 3 || records[2].StateSerial != 1 {
		t.Errorf("reports out of order: %+v", records)
	}
	if records[0].DeltaCount != 1 {
		t.Errorf("delta count = %d, want 1", records[0].DeltaCount)
	}
}

func TestEventsConcurrentAppend(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := fmt.Sprintf("writer %d event %d", w, i)
				if err := store.RecordEvent(ctx, "run-1", "app", "info", msg); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	events, err := store.GetEvents(ctx, nil, nil, nil, writers*perWriter+1, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Errorf("expected %d events, got %d", writers*perWriter, len(events))
	}
}

func TestGetEventsFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordEvent(ctx, "run-1", "app", "warn", "policy violated"); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := store.RecordEvent(ctx, "run-1", "database", "info", "unit finished"); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := store.RecordEvent(ctx, "run-2", "app", "warn", "policy violated"); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	runID := "run-1"
	events, err := store.GetEvents(ctx, &runID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events for run-1, got %d", len(events))
	}

	level := EventLevelWarn
	events, err = store.GetEvents(ctx, nil, nil, &level, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 warn events, got %d", len(events))
	}

	unitID := "database"
	events, err = store.GetEvents(ctx, &runID, &unitID, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Message != "unit finished" {
		t.Errorf("unexpected filtered events: %+v", events)
	}
}
