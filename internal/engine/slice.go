package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openlistings/resosync/internal/normalize"
	"github.com/openlistings/resosync/internal/odata"
	"github.com/openlistings/resosync/internal/resource"
)

// Config holds the engine's tunables.
type Config struct {
	// BatchSize is the page size requested from the upstream and the size
	// of one upsert batch.
	BatchSize int

	// APICap is the upstream's hard per-query record ceiling.
	APICap int

	// MaxWindows bounds the number of windows one walk will process.
	MaxWindows int

	// MaxConsecutiveEmpty stops the walk after this many empty windows in
	// a row.
	MaxConsecutiveEmpty int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:           5000,
		APICap:              100000,
		MaxWindows:          500,
		MaxConsecutiveEmpty: 10,
	}
}

func validateConfig(config Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("engine: batch size must be positive")
	}
	if config.APICap <= 0 {
		return fmt.Errorf("engine: api cap must be positive")
	}
	if config.MaxWindows <= 0 {
		return fmt.Errorf("engine: max windows must be positive")
	}
	if config.MaxConsecutiveEmpty <= 0 {
		return fmt.Errorf("engine: max consecutive empty must be positive")
	}
	return nil
}

// Engine runs slices and window walks for resource streams. One Engine may
// be reused across resources; all per-run state lives in the run itself.
type Engine struct {
	config  Config
	fetcher PageFetcher
	store   Store
	mapper  RowMapper
	metrics Metrics
	logger  *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewEngine creates an engine with the given collaborators.
func NewEngine(config Config, fetcher PageFetcher, store Store, logger *slog.Logger) (*Engine, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	return &Engine{
		config:  config,
		fetcher: fetcher,
		store:   store,
		mapper:  normalize.MapRecord,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetMetrics attaches a metrics sink. May be left unset.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// SetClock replaces the engine's clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetMapper replaces the record-to-row mapper.
func (e *Engine) SetMapper(mapper RowMapper) {
	e.mapper = mapper
}

// runSlice fetches every page of one (filter, ordering) slice, deduplicates
// against the run's identity set, and upserts each page's batch before
// requesting the next. It stops on end-of-stream, on the skip reaching the
// api cap, or on the upstream's explicit cap signal.
//
// CapExceeded is normal control flow: it sets HitLimit and returns no
// error unless failOnCap is set, in which case the saturation is also
// surfaced to the caller. Transport and store errors abort the slice.
func (e *Engine) runSlice(ctx context.Context, desc resource.Descriptor, filter string, dedup dedupSet, failOnCap bool) (SliceResult, error) {
	var res SliceResult
	skip := 0

	for {
		if skip >= e.config.APICap {
			res.HitLimit = true
			break
		}

		page, err := e.fetcher.FetchPage(ctx, odata.PageRequest{
			Endpoint:   desc.Endpoint,
			Credential: desc.Credential,
			Top:        e.config.BatchSize,
			Skip:       skip,
			Filter:     filter,
		})
		if errors.Is(err, odata.ErrCapExceeded) {
			res.HitLimit = true
			if failOnCap {
				return res, fmt.Errorf("engine: %s: unexpected cap saturation at skip %d: %w", desc.Name, skip, err)
			}
			break
		}
		if err != nil {
			return res, fmt.Errorf("engine: %s: page fetch at skip %d: %w", desc.Name, skip, err)
		}

		received := len(page.Records)
		res.Fetched += int64(received)
		if e.metrics != nil {
			e.metrics.RecordsFetched(string(desc.Name), received)
		}

		batch := make([]map[string]any, 0, received)
		for _, rec := range page.Records {
			if ts, ok := e.recordTimestamp(rec, desc); ok {
				if res.OldestTS.IsZero() || ts.Before(res.OldestTS) {
					res.OldestTS = ts
				}
				if ts.After(res.LatestTS) {
					res.LatestTS = ts
				}
			}

			id, ok := recordIdentity(rec, desc.ConflictKey)
			if !ok {
				e.logger.Debug("dropping record without identity",
					"resource", desc.Name,
					"conflict_key", desc.ConflictKey)
				continue
			}
			if dedup.contains(id) {
				continue
			}
			dedup.add(id)
			batch = append(batch, e.mapper(desc.Table, rec))
		}

		res.Unique += int64(len(batch))
		if len(batch) > 0 {
			count, err := e.store.UpsertBatch(desc.Table, batch, desc.ConflictKey)
			if err != nil {
				return res, fmt.Errorf("engine: %s: upserting %d rows: %w", desc.Name, len(batch), err)
			}
			res.Upserted += count
			if e.metrics != nil {
				e.metrics.RowsUpserted(string(desc.Name), int(count))
			}
		}

		// A short page means the server has no more records for this
		// filter.
		if received < e.config.BatchSize {
			break
		}
		skip += received
	}

	if e.metrics != nil {
		e.metrics.SliceCompleted(string(desc.Name), res.HitLimit)
	}
	e.logger.Debug("slice complete",
		"resource", desc.Name,
		"filter", filter,
		"fetched", res.Fetched,
		"unique", res.Unique,
		"upserted", res.Upserted,
		"hit_limit", res.HitLimit)

	return res, nil
}

// recordTimestamp extracts the record's modification timestamp, falling
// back through the descriptor's alternate fields.
func (e *Engine) recordTimestamp(rec map[string]any, desc resource.Descriptor) (time.Time, bool) {
	fields := append([]string{desc.TimestampField}, desc.AltTimestampFields...)
	for _, field := range fields {
		raw, ok := rec[field]
		if !ok || raw == nil {
			continue
		}
		ts, err := normalize.ParseTimestamp(raw)
		if err != nil {
			continue
		}
		return ts, true
	}
	return time.Time{}, false
}
