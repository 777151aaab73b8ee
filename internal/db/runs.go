package db

import (
	"database/sql"
	"time"
)

// CreateSyncRun records the start of a resource run
func (db *DB) CreateSyncRun(run *SyncRun) error {
	run.StartedAt = time.Now().UTC()

	query := `
		INSERT INTO sync_runs (run_id, resource, mode, started_at, completed_at, fetched, unique_records, upserted, success, error)
		VALUES (` + db.placeholders(10) + `)
	`

	_, err := db.Exec(query,
		run.RunID,
		run.Resource,
		run.Mode,
		run.StartedAt,
		run.CompletedAt,
		run.Fetched,
		run.Unique,
		run.Upserted,
		run.Success,
		run.Error,
	)

	return err
}

// CompleteSyncRun marks a sync run as finished with its totals
func (db *DB) CompleteSyncRun(runID string, fetched, unique, upserted int64, success bool, errorMsg *string) error {
	now := time.Now().UTC()

	query := `
		UPDATE sync_runs
		SET completed_at = ` + db.placeholder(1) + `,
		    fetched = ` + db.placeholder(2) + `,
		    unique_records = ` + db.placeholder(3) + `,
		    upserted = ` + db.placeholder(4) + `,
		    success = ` + db.placeholder(5) + `,
		    error = ` + db.placeholder(6) + `
		WHERE run_id = ` + db.placeholder(7)

	result, err := db.Exec(query, now, fetched, unique, upserted, success, errorMsg, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetSyncRun retrieves a sync run by its run ID
func (db *DB) GetSyncRun(runID string) (*SyncRun, error) {
	run := &SyncRun{}

	query := `
		SELECT run_id, resource, mode, started_at, completed_at, fetched, unique_records, upserted, success, error
		FROM sync_runs
		WHERE run_id = ` + db.placeholder(1)

	err := db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.Resource,
		&run.Mode,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Fetched,
		&run.Unique,
		&run.Upserted,
		&run.Success,
		&run.Error,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return run, nil
}

// GetSyncRuns retrieves recent runs for a resource, newest first
func (db *DB) GetSyncRuns(resource string, limit int) ([]SyncRun, error) {
	query := `
		SELECT run_id, resource, mode, started_at, completed_at, fetched, unique_records, upserted, success, error
		FROM sync_runs
		WHERE resource = ` + db.placeholder(1) + `
		ORDER BY started_at DESC
		LIMIT ` + db.placeholder(2)

	rows, err := db.Query(query, resource, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		err := rows.Scan(
			&run.RunID,
			&run.Resource,
			&run.Mode,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Fetched,
			&run.Unique,
			&run.Upserted,
			&run.Success,
			&run.Error,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if runs == nil {
		runs = []SyncRun{}
	}

	return runs, nil
}

// placeholders renders n comma-separated placeholders starting at position 1.
func (db *DB) placeholders(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += db.placeholder(i)
	}
	return out
}
