// Package engine implements the windowed ingestion engine: slice execution
// against the capped upstream, the backward window walk with deferral and
// drill-down, and the per-resource sync coordination.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openlistings/resosync/internal/odata"
	"github.com/openlistings/resosync/internal/resource"
)

// PageFetcher fetches one page of records from the upstream.
type PageFetcher interface {
	FetchPage(ctx context.Context, req odata.PageRequest) (*odata.Page, error)
}

// Store persists normalized rows.
type Store interface {
	UpsertBatch(table string, rows []map[string]any, conflictKey []string) (int64, error)
}

// CheckpointStore reads and writes per-resource high-water marks.
type CheckpointStore interface {
	GetLastProcessedTimestamp(resource string) (*time.Time, error)
	SetLastProcessedTimestamp(resource string, ts time.Time) error
}

// RowMapper converts a raw upstream record into a typed row for a table.
type RowMapper func(table string, rec map[string]any) map[string]any

// Metrics receives engine counters. Calls arrive from the engine's
// goroutine only.
type Metrics interface {
	RecordsFetched(resource string, n int)
	RowsUpserted(resource string, n int)
	SliceCompleted(resource string, hitLimit bool)
	WindowDeferred(resource string)
}

// Mode selects the sync strategy for a resource run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Window is a half-open [Start, End) interval over the resource's
// timestamp field.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return "[" + formatTimestamp(w.Start) + ", " + formatTimestamp(w.End) + ")"
}

// deferredWindow is a window that saturated the cap during the walk and is
// queued for drill-down. fetched records the partial count extracted before
// the cap was hit.
type deferredWindow struct {
	Window
	fetched int64
}

// SliceResult summarizes one slice: all pages of a single (filter, ordering)
// query.
type SliceResult struct {
	Fetched  int64
	Unique   int64
	Upserted int64
	OldestTS time.Time
	LatestTS time.Time
	HitLimit bool
}

// RunResult summarizes one resource run.
type RunResult struct {
	Fetched  int64
	Unique   int64
	Upserted int64
	LatestTS time.Time
}

// accumulate folds a slice result into a run result.
func (r *RunResult) accumulate(sr SliceResult) {
	r.Fetched += sr.Fetched
	r.Unique += sr.Unique
	r.Upserted += sr.Upserted
	if !sr.LatestTS.IsZero() && sr.LatestTS.After(r.LatestTS) {
		r.LatestTS = sr.LatestTS
	}
}

// dedupSet tracks record identities already processed during one resource
// run. It suppresses duplicates across overlapping pages and across windows
// that share an instant at their edges.
type dedupSet map[string]struct{}

func (s dedupSet) contains(id string) bool {
	_, ok := s[id]
	return ok
}

func (s dedupSet) add(id string) {
	s[id] = struct{}{}
}

// recordIdentity computes the conflict-key tuple of a raw record. The
// second return value is false when any key attribute is missing or empty.
func recordIdentity(rec map[string]any, conflictKey []string) (string, bool) {
	parts := make([]string, 0, len(conflictKey))
	for _, key := range conflictKey {
		raw, ok := rec[key]
		if !ok || raw == nil {
			return "", false
		}
		s := fmt.Sprintf("%v", raw)
		if s == "" {
			return "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\x1f"), true
}

// filterTimestampLayout renders predicate literals the way the upstream
// expects them: UTC, second precision, unquoted.
const filterTimestampLayout = "2006-01-02T15:04:05Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(filterTimestampLayout)
}

// incrementalFilter builds the single-predicate filter for records newer
// than the checkpoint.
func incrementalFilter(d resource.Descriptor, checkpoint time.Time) string {
	return d.TimestampField + " gt " + formatTimestamp(checkpoint)
}

// windowFilter builds the half-open range predicate for one window.
func windowFilter(d resource.Descriptor, w Window) string {
	return d.TimestampField + " ge " + formatTimestamp(w.Start) +
		" and " + d.TimestampField + " lt " + formatTimestamp(w.End)
}

// splitWindow partitions a window into consecutive sub-windows of at most
// step width. The final sub-window is clamped to the parent's end.
func splitWindow(w Window, step time.Duration) []Window {
	var out []Window
	for start := w.Start; start.Before(w.End); start = start.Add(step) {
		end := start.Add(step)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}
