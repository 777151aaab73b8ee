package db

import (
	"testing"

	"github.com/google/uuid"
)

func makeTestRun(resource string) *SyncRun {
	return &SyncRun{
		RunID:    uuid.NewString(),
		Resource: resource,
		Mode:     "full",
	}
}

func TestCreateSyncRun(t *testing.T) {
	db := NewTestDB(t)

	run := makeTestRun("IDX")
	if err := db.CreateSyncRun(run); err != nil {
		t.Fatalf("CreateSyncRun failed: %v", err)
	}

	if run.StartedAt.IsZero() {
		t.Error("StartedAt was not set")
	}

	retrieved, err := db.GetSyncRun(run.RunID)
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if retrieved.Resource != "IDX" || retrieved.Mode != "full" {
		t.Errorf("run = %+v", retrieved)
	}
	if retrieved.CompletedAt != nil || retrieved.Success != nil {
		t.Error("a fresh run must not be completed")
	}
}

func TestCompleteSyncRun(t *testing.T) {
	db := NewTestDB(t)

	run := makeTestRun("MEDIA")
	if err := db.CreateSyncRun(run); err != nil {
		t.Fatalf("CreateSyncRun failed: %v", err)
	}

	if err := db.CompleteSyncRun(run.RunID, 120000, 118500, 118500, true, nil); err != nil {
		t.Fatalf("CompleteSyncRun failed: %v", err)
	}

	retrieved, err := db.GetSyncRun(run.RunID)
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if retrieved.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if retrieved.Success == nil || !*retrieved.Success {
		t.Error("Success should be true")
	}
	if retrieved.Fetched != 120000 || retrieved.Unique != 118500 || retrieved.Upserted != 118500 {
		t.Errorf("totals = %d/%d/%d", retrieved.Fetched, retrieved.Unique, retrieved.Upserted)
	}
}

func TestCompleteSyncRun_Failure(t *testing.T) {
	db := NewTestDB(t)

	run := makeTestRun("VOW")
	if err := db.CreateSyncRun(run); err != nil {
		t.Fatalf("CreateSyncRun failed: %v", err)
	}

	errMsg := "fetch failed after 3 attempts"
	if err := db.CompleteSyncRun(run.RunID, 500, 500, 500, false, &errMsg); err != nil {
		t.Fatalf("CompleteSyncRun failed: %v", err)
	}

	retrieved, err := db.GetSyncRun(run.RunID)
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if retrieved.Success == nil || *retrieved.Success {
		t.Error("Success should be false")
	}
	if retrieved.Error == nil || *retrieved.Error != errMsg {
		t.Errorf("Error = %v, want %q", retrieved.Error, errMsg)
	}
}

func TestCompleteSyncRun_NotFound(t *testing.T) {
	db := NewTestDB(t)

	err := db.CompleteSyncRun("nonexistent", 0, 0, 0, true, nil)
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound(err) = true, got %v", err)
	}
}

func TestGetSyncRuns(t *testing.T) {
	db := NewTestDB(t)

	for i := 0; i < 5; i++ {
		if err := db.CreateSyncRun(makeTestRun("IDX")); err != nil {
			t.Fatalf("CreateSyncRun %d failed: %v", i, err)
		}
	}
	if err := db.CreateSyncRun(makeTestRun("VOW")); err != nil {
		t.Fatalf("CreateSyncRun failed: %v", err)
	}

	runs, err := db.GetSyncRuns("IDX", 3)
	if err != nil {
		t.Fatalf("GetSyncRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs, want 3", len(runs))
	}
	for _, run := range runs {
		if run.Resource != "IDX" {
			t.Errorf("Resource = %q, want IDX", run.Resource)
		}
	}
}

func TestGetSyncRuns_Empty(t *testing.T) {
	db := NewTestDB(t)

	runs, err := db.GetSyncRuns("IDX", 10)
	if err != nil {
		t.Fatalf("GetSyncRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected empty slice, got %d runs", len(runs))
	}
}
