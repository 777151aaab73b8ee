package db

import (
	"fmt"
	"sort"
	"strings"
)

// maxStatementParams bounds the number of bind parameters in one statement.
// SQLite's historical limit is 999; Postgres allows 65535. Batches whose
// rows×columns exceed the bound are split into multiple statements.
func (db *DB) maxStatementParams() int {
	if db.driver == "postgres" {
		return 60000
	}
	return 900
}

// UpsertBatch writes a batch of rows to table with insert-or-update
// semantics keyed on conflictKey. Rows are column→value maps; the column
// set is the union over the batch, and rows missing a column insert NULL.
// Returns the number of affected rows. An empty batch is a no-op.
func (db *DB) UpsertBatch(table string, rows []map[string]any, conflictKey []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(conflictKey) == 0 {
		return 0, fmt.Errorf("db: upsert into %s requires a conflict key", table)
	}

	columns := batchColumns(rows)
	for _, key := range conflictKey {
		if !contains(columns, key) {
			return 0, fmt.Errorf("db: upsert into %s: conflict key column %s missing from batch", table, key)
		}
	}

	rowsPerStatement := db.maxStatementParams() / len(columns)
	if rowsPerStatement < 1 {
		rowsPerStatement = 1
	}

	var affected int64
	for start := 0; start < len(rows); start += rowsPerStatement {
		end := start + rowsPerStatement
		if end > len(rows) {
			end = len(rows)
		}
		n, err := db.upsertChunk(table, columns, rows[start:end], conflictKey)
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

// upsertChunk executes one multi-row INSERT ... ON CONFLICT statement.
func (db *DB) upsertChunk(table string, columns []string, rows []map[string]any, conflictKey []string) (int64, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	param := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(db.placeholder(param))
			param++
			args = append(args, row[col])
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(conflictKey, ", "))
	sb.WriteString(")")

	updatable := nonKeyColumns(columns, conflictKey)
	if len(updatable) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		for i, col := range updatable {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col)
			sb.WriteString(" = excluded.")
			sb.WriteString(col)
		}
	}

	result, err := db.Exec(sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("db: upsert into %s: %w", table, err)
	}
	return result.RowsAffected()
}

// batchColumns returns the sorted union of column names across the batch.
func batchColumns(rows []map[string]any) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			seen[col] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func nonKeyColumns(columns, conflictKey []string) []string {
	var out []string
	for _, col := range columns {
		if !contains(conflictKey, col) {
			out = append(out, col)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}
