package engine

import (
	"context"
	"time"

	"github.com/openlistings/resosync/internal/resource"
)

// RunResource enumerates every record of one resource stream despite the
// upstream cap and returns the run totals.
//
// In incremental mode with a prior checkpoint the engine first tries a
// single gt-predicate slice; only if that slice saturates the cap does it
// fall back to a date-partitioned walk over [checkpoint, oldest seen).
// Full runs (and incremental runs with no checkpoint) of low-cardinality
// streams first try a single gt-predicate slice anchored at the floor date,
// with the same fallback. Otherwise the engine walks backward from now+1d
// (or from the oldest record seen) to the floor, deferring any window that
// saturates the cap and drilling deferred windows down to days, then hours.
func (e *Engine) RunResource(ctx context.Context, desc resource.Descriptor, mode Mode, checkpoint *time.Time) (RunResult, error) {
	if err := desc.Validate(); err != nil {
		return RunResult{}, err
	}

	dedup := make(dedupSet)
	var result RunResult

	floor := desc.FloorDate
	var walkEnd time.Time

	optimistic := false
	var optimisticFilter string
	switch {
	case mode == ModeIncremental && checkpoint != nil:
		optimistic = true
		optimisticFilter = incrementalFilter(desc, *checkpoint)
		floor = *checkpoint
	case !desc.HighCardinality:
		// Low-volume streams often fit in a single capped query even on a
		// full run; try before committing to the walk.
		optimistic = true
		optimisticFilter = incrementalFilter(desc, floor)
	}

	if optimistic {
		e.logger.Info("attempting single-predicate sync",
			"resource", desc.Name,
			"mode", mode,
			"filter", optimisticFilter)

		sr, err := e.runSlice(ctx, desc, optimisticFilter, dedup, false)
		if err != nil {
			return result, err
		}
		result.accumulate(sr)
		if !sr.HitLimit {
			return result, nil
		}

		// The single query saturated; the records already extracted are
		// the newest ones, so the walk only needs to re-cover everything
		// older than the oldest record seen.
		if !sr.OldestTS.IsZero() {
			walkEnd = sr.OldestTS
		}
		e.logger.Info("single-predicate sync saturated the cap; falling back to window walk",
			"resource", desc.Name,
			"fetched", sr.Fetched,
			"walk_end", walkEnd)
	}

	deferred, err := e.walk(ctx, desc, floor, walkEnd, dedup, &result)
	if err != nil {
		return result, err
	}

	for _, dw := range deferred {
		if err := e.drillDown(ctx, desc, dw, dedup, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// walk processes fixed-width windows backward from end toward floor. A
// window that saturates the cap is deferred rather than drilled
// immediately, so one hot window cannot starve the rest of the walk.
func (e *Engine) walk(ctx context.Context, desc resource.Descriptor, floor time.Time, end time.Time, dedup dedupSet, result *RunResult) ([]deferredWindow, error) {
	if end.IsZero() {
		end = e.now().UTC().Add(24 * time.Hour)
	}
	width := desc.WindowWidth

	var deferred []deferredWindow
	consecutiveEmpty := 0
	windows := 0

	for end.After(floor) {
		if err := ctx.Err(); err != nil {
			return deferred, err
		}
		if windows >= e.config.MaxWindows {
			e.logger.Warn("window walk reached the safety cap",
				"resource", desc.Name,
				"windows", windows)
			break
		}

		start := end.Add(-width)
		clamped := false
		if !start.After(floor) {
			start = floor
			clamped = true
		}
		w := Window{Start: start, End: end}

		sr, err := e.runSlice(ctx, desc, windowFilter(desc, w), dedup, false)
		if err != nil {
			return deferred, err
		}
		windows++
		result.accumulate(sr)

		if sr.HitLimit {
			deferred = append(deferred, deferredWindow{Window: w, fetched: sr.Fetched})
			if e.metrics != nil {
				e.metrics.WindowDeferred(string(desc.Name))
			}
			e.logger.Info("window saturated the cap; deferred for drill-down",
				"resource", desc.Name,
				"window", w.String(),
				"partial_fetched", sr.Fetched)
		}

		if sr.Fetched == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= e.config.MaxConsecutiveEmpty {
				e.logger.Info("stopping walk after consecutive empty windows",
					"resource", desc.Name,
					"empty_windows", consecutiveEmpty,
					"last_window", w.String())
				break
			}
		} else {
			consecutiveEmpty = 0
		}

		if clamped {
			break
		}
		end = start
	}

	return deferred, nil
}

// drillDown re-partitions a deferred window into daily slices, and any day
// that still saturates into hourly slices. An hour that saturates is logged
// and its partial extraction accepted; no finer subdivision exists.
func (e *Engine) drillDown(ctx context.Context, desc resource.Descriptor, dw deferredWindow, dedup dedupSet, result *RunResult) error {
	e.logger.Info("drilling down deferred window",
		"resource", desc.Name,
		"window", dw.String(),
		"partial_fetched", dw.fetched)

	for _, day := range splitWindow(dw.Window, 24*time.Hour) {
		if err := ctx.Err(); err != nil {
			return err
		}

		sr, err := e.runSlice(ctx, desc, windowFilter(desc, day), dedup, false)
		if err != nil {
			return err
		}
		result.accumulate(sr)
		if !sr.HitLimit {
			continue
		}

		e.logger.Info("daily window saturated the cap; partitioning into hours",
			"resource", desc.Name,
			"window", day.String())

		for _, hour := range splitWindow(day, time.Hour) {
			if err := ctx.Err(); err != nil {
				return err
			}

			hr, err := e.runSlice(ctx, desc, windowFilter(desc, hour), dedup, false)
			if err != nil {
				return err
			}
			result.accumulate(hr)
			if hr.HitLimit {
				e.logger.Error("hourly window still saturates the cap; accepting partial extraction",
					"resource", desc.Name,
					"window", hour.String(),
					"fetched", hr.Fetched)
			}
		}
	}

	return nil
}
