package db

import (
	"database/sql"
	"fmt"
	"time"
)

// timestampLayout is how high-water marks are stored in sync_log. Text in a
// fixed UTC layout compares correctly under both drivers.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// GetLastProcessedTimestamp returns the checkpoint for a resource, or nil
// when the resource has never completed a run.
func (db *DB) GetLastProcessedTimestamp(resource string) (*time.Time, error) {
	query := `
		SELECT lastprocessedtimestamp
		FROM sync_log
		WHERE resourcetype = ` + db.placeholder(1)

	var raw string
	err := db.QueryRow(query, resource).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ts, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("db: corrupt checkpoint for %s: %w", resource, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// SetLastProcessedTimestamp upserts the checkpoint row for a resource and
// stamps updatedat with the wall clock. A zero timestamp is a no-op.
func (db *DB) SetLastProcessedTimestamp(resource string, ts time.Time) error {
	if ts.IsZero() {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO sync_log (resourcetype, lastprocessedtimestamp, updatedat)
		VALUES (%s, %s, %s)
		ON CONFLICT (resourcetype)
		DO UPDATE SET lastprocessedtimestamp = excluded.lastprocessedtimestamp, updatedat = excluded.updatedat`,
		db.placeholder(1), db.placeholder(2), db.placeholder(3))

	_, err := db.Exec(query, resource, ts.UTC().Format(timestampLayout), time.Now().UTC())
	return err
}
