package db

import "time"

// SyncLogEntry is one row of the sync_log table: the per-resource
// high-water mark consulted by incremental runs.
type SyncLogEntry struct {
	ResourceType           string
	LastProcessedTimestamp time.Time
	UpdatedAt              time.Time
}

// SyncRun is one row of the sync_runs history table, recording a single
// resource run and its totals.
type SyncRun struct {
	RunID       string
	Resource    string
	Mode        string
	StartedAt   time.Time
	CompletedAt *time.Time
	Fetched     int64
	Unique      int64
	Upserted    int64
	Success     *bool
	Error       *string
}
