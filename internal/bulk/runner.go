package bulk

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/logger"
)

// DefaultParallelism bounds concurrent items within one job.
const DefaultParallelism = 8

// Item is one sub-unit of a bulk operation. Key identifies it in the report
// and checkpoints it against double counting.
type Item struct {
	Key string
	Run func(ctx context.Context) error
}

// FinishFunc runs after every item is accounted for and may produce the
// operation's deliverable. done holds the checkpointed items.
type FinishFunc func(ctx context.Context, op *operation.Operation, done []operation.Item) (operation.Artifacts, error)

// Runner drives the items of one operation to completion.
type Runner struct {
	tracker     *operation.Tracker
	files       FilePort
	parallelism int
	logger      *slog.Logger
}

// NewRunner creates a Runner. A parallelism below one means DefaultParallelism.
func NewRunner(tracker *operation.Tracker, files FilePort, parallelism int, logger *slog.Logger) *Runner {
	if tracker == nil {
		panic("operation tracker cannot be nil")
	}
	if files == nil {
		panic("file port cannot be nil")
	}
	if parallelism < 1 {
		parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tracker:     tracker,
		files:       files,
		parallelism: parallelism,
		logger:      logger.With("component", "bulk_runner"),
	}
}

// Run processes items for operation id. Items checkpointed by an earlier
// delivery are skipped. Per-item failures are counted, not returned; an
// ErrTransient item or a tracker failure aborts the run with an error so the
// job is retried.
func (r *Runner) Run(ctx context.Context, id uuid.UUID, items []Item, finish FinishFunc) error {
	log := logger.FromContextOrDefault(ctx, r.logger)

	op, err := r.tracker.Lookup(ctx, id)
	if errors.Is(err, operation.ErrNotFound) {
		return job.Permanent(err)
	}
	if err != nil {
		return err
	}
	switch op.Status {
	case operation.StatusCompleted:
		log.Info("operation already completed, nothing to do", "operation_id", id)
		return nil
	case operation.StatusFailed:
		log.Warn("operation already failed, dropping job", "operation_id", id, "error", op.ErrorMessage)
		return nil
	}

	if len(items) != op.TotalCount {
		return job.Permanent(fmt.Errorf("operation %s expects %d items, job carries %d",
			id, op.TotalCount, len(items)))
	}

	if err := r.tracker.Start(ctx, id); err != nil {
		return err
	}

	done, err := r.tracker.Items(ctx, id)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(done))
	for _, it := range done {
		seen[it.Key] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	skipped := 0
	for _, item := range items {
		if _, ok := seen[item.Key]; ok {
			skipped++
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			runErr := item.Run(gctx)
			if runErr != nil && (errors.Is(runErr, ErrTransient) || gctx.Err() != nil) {
				return fmt.Errorf("item %s: %w", item.Key, runErr)
			}

			res := operation.ItemResult{Key: item.Key, Success: runErr == nil}
			if runErr != nil {
				res.Error = runErr.Error()
			}
			// The parent context keeps finished items recorded when a
			// sibling aborts the group.
			_, err := r.tracker.Increment(ctx, id, res)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if skipped > 0 {
		log.Info("resumed operation", "operation_id", id, "skipped_items", skipped)
	}

	done, err = r.tracker.Items(ctx, id)
	if err != nil {
		return err
	}

	reportPath, err := r.writeReport(ctx, id, done)
	if err != nil {
		return err
	}
	artifacts := operation.Artifacts{ReportPath: reportPath}

	if finish != nil {
		extra, err := finish(ctx, op, done)
		if err != nil {
			return err
		}
		if extra.FilePath != "" {
			artifacts.FilePath = extra.FilePath
		}
	}

	return r.tracker.Complete(ctx, id, artifacts)
}

// writeReport stores one CSV line per item: id, status and error.
func (r *Runner) writeReport(ctx context.Context, id uuid.UUID, items []operation.Item) (string, error) {
	name := fmt.Sprintf("reports/%s.csv", id)
	return r.files.WriteArtifact(ctx, name, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "status", "error"}); err != nil {
			return err
		}
		for _, it := range items {
			status := "success"
			if !it.Success {
				status = "failed"
			}
			if err := cw.Write([]string{it.Key, status, it.Error}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
