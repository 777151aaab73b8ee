package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/openlistings/resosync/internal/db"
	"github.com/openlistings/resosync/internal/resource"
)

// RunRecorder persists sync-run history rows. Failures to record history
// are never fatal to a run.
type RunRecorder interface {
	CreateSyncRun(run *db.SyncRun) error
	CompleteSyncRun(runID string, fetched, unique, upserted int64, success bool, errorMsg *string) error
}

// CoordinatorOptions selects the run strategy.
type CoordinatorOptions struct {
	Incremental bool
	FailFast    bool
}

// Coordinator orchestrates per-resource runs: it consults the checkpoint,
// invokes the engine, and commits the new checkpoint after the resource run
// completes. Resources are processed sequentially; the upstream rate-limits
// per token.
type Coordinator struct {
	engine      *Engine
	checkpoints CheckpointStore
	history     RunRecorder
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator. history may be nil to disable
// run-history recording.
func NewCoordinator(engine *Engine, checkpoints CheckpointStore, history RunRecorder, logger *slog.Logger) (*Coordinator, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine: coordinator requires an engine")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("engine: coordinator requires a checkpoint store")
	}
	return &Coordinator{
		engine:      engine,
		checkpoints: checkpoints,
		history:     history,
		logger:      logger,
	}, nil
}

// Run processes the given resources in order. A resource failure is logged
// and the run continues with the next resource, unless FailFast is set, in
// which case the error is returned immediately. Context cancellation
// terminates the run between slices and is always returned.
func (c *Coordinator) Run(ctx context.Context, descriptors []resource.Descriptor, opts CoordinatorOptions) error {
	var failed []resource.Name

	for _, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.runResource(ctx, desc, opts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("resource run failed",
				"resource", desc.Name,
				"error", err)
			if opts.FailFast {
				return fmt.Errorf("engine: %s: %w", desc.Name, err)
			}
			failed = append(failed, desc.Name)
		}
	}

	if len(failed) > 0 {
		c.logger.Warn("run finished with failed resources", "failed", failed)
	}
	return nil
}

// runResource executes one resource run end to end.
func (c *Coordinator) runResource(ctx context.Context, desc resource.Descriptor, opts CoordinatorOptions) error {
	mode := ModeFull
	if opts.Incremental {
		mode = ModeIncremental
	}

	checkpoint, err := c.checkpoints.GetLastProcessedTimestamp(string(desc.Name))
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	runID := uuid.NewString()
	c.recordStart(runID, desc, mode)

	c.logger.Info("starting resource run",
		"resource", desc.Name,
		"run_id", runID,
		"mode", mode,
		"checkpoint", checkpoint)

	result, runErr := c.engine.RunResource(ctx, desc, mode, checkpoint)
	if runErr != nil {
		msg := runErr.Error()
		c.recordCompletion(runID, desc, result, false, &msg)
		return runErr
	}

	// The checkpoint moves only after every scheduled window has been
	// processed. A failed checkpoint write is a warning: the data is
	// already persisted and the next run will simply reprocess records,
	// which the upsert absorbs.
	if !result.LatestTS.IsZero() {
		if err := c.checkpoints.SetLastProcessedTimestamp(string(desc.Name), result.LatestTS); err != nil {
			c.logger.Warn("checkpoint write failed; next run will reprocess",
				"resource", desc.Name,
				"latest_ts", result.LatestTS,
				"error", err)
		}
	}

	c.recordCompletion(runID, desc, result, true, nil)

	c.logger.Info("resource run complete",
		"resource", desc.Name,
		"run_id", runID,
		"fetched", result.Fetched,
		"unique", result.Unique,
		"upserted", result.Upserted,
		"latest_ts", result.LatestTS)

	return nil
}

func (c *Coordinator) recordStart(runID string, desc resource.Descriptor, mode Mode) {
	if c.history == nil {
		return
	}
	run := &db.SyncRun{
		RunID:    runID,
		Resource: string(desc.Name),
		Mode:     string(mode),
	}
	if err := c.history.CreateSyncRun(run); err != nil {
		c.logger.Warn("failed to record sync run start",
			"resource", desc.Name,
			"run_id", runID,
			"error", err)
	}
}

func (c *Coordinator) recordCompletion(runID string, desc resource.Descriptor, result RunResult, success bool, errorMsg *string) {
	if c.history == nil {
		return
	}
	if err := c.history.CompleteSyncRun(runID, result.Fetched, result.Unique, result.Upserted, success, errorMsg); err != nil {
		c.logger.Warn("failed to record sync run completion",
			"resource", desc.Name,
			"run_id", runID,
			"error", err)
	}
}
