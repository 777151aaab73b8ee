package db

import (
	"testing"
	"time"
)

func TestGetLastProcessedTimestamp_Missing(t *testing.T) {
	db := NewTestDB(t)

	ts, err := db.GetLastProcessedTimestamp("IDX")
	if err != nil {
		t.Fatalf("GetLastProcessedTimestamp failed: %v", err)
	}
	if ts != nil {
		t.Errorf("ts = %v, want nil for a resource with no checkpoint", ts)
	}
}

func TestSetLastProcessedTimestamp_RoundTrip(t *testing.T) {
	db := NewTestDB(t)

	want := time.Date(2025, 3, 2, 11, 0, 0, 123456789, time.UTC)
	if err := db.SetLastProcessedTimestamp("IDX", want); err != nil {
		t.Fatalf("SetLastProcessedTimestamp failed: %v", err)
	}

	got, err := db.GetLastProcessedTimestamp("IDX")
	if err != nil {
		t.Fatalf("GetLastProcessedTimestamp failed: %v", err)
	}
	if got == nil || !got.Equal(want) {
		t.Errorf("ts = %v, want %v", got, want)
	}
}

func TestSetLastProcessedTimestamp_Overwrites(t *testing.T) {
	db := NewTestDB(t)

	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := db.SetLastProcessedTimestamp("MEDIA", first); err != nil {
		t.Fatalf("first set failed: %v", err)
	}
	if err := db.SetLastProcessedTimestamp("MEDIA", second); err != nil {
		t.Fatalf("second set failed: %v", err)
	}

	got, err := db.GetLastProcessedTimestamp("MEDIA")
	if err != nil {
		t.Fatalf("GetLastProcessedTimestamp failed: %v", err)
	}
	if got == nil || !got.Equal(second) {
		t.Errorf("ts = %v, want %v", got, second)
	}

	// One row per resource
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_log WHERE resourcetype = ?`, "MEDIA").Scan(&n); err != nil {
		t.Fatalf("counting sync_log rows: %v", err)
	}
	if n != 1 {
		t.Errorf("sync_log rows = %d, want 1", n)
	}
}

func TestSetLastProcessedTimestamp_ZeroIsNoOp(t *testing.T) {
	db := NewTestDB(t)

	if err := db.SetLastProcessedTimestamp("VOW", time.Time{}); err != nil {
		t.Fatalf("zero set must be a no-op: %v", err)
	}

	ts, err := db.GetLastProcessedTimestamp("VOW")
	if err != nil {
		t.Fatalf("GetLastProcessedTimestamp failed: %v", err)
	}
	if ts != nil {
		t.Errorf("ts = %v, want nil after zero-set", ts)
	}
}

func TestSetLastProcessedTimestamp_StampsUpdatedAt(t *testing.T) {
	db := NewTestDB(t)

	before := time.Now().UTC().Add(-time.Second)
	if err := db.SetLastProcessedTimestamp("IDX", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("SetLastProcessedTimestamp failed: %v", err)
	}

	var updatedAt time.Time
	if err := db.QueryRow(`SELECT updatedat FROM sync_log WHERE resourcetype = ?`, "IDX").Scan(&updatedAt); err != nil {
		t.Fatalf("reading updatedat: %v", err)
	}
	if updatedAt.Before(before) {
		t.Errorf("updatedat = %v, want a fresh wall-clock stamp", updatedAt)
	}
}
