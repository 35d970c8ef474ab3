package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/metrics"
)

const statusUpdateTimeout = 10 * time.Second

// Worker consumes run requests from the queue and records their lifecycle in the run store.
type Worker struct {
	queue  listing.Queue
	runs   listing.RunStore
	runner *Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue listing.Queue, runs listing.RunStore, runner *Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runs:   runs,
		runner: runner,
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until ctx ends or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, listing.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.process(ctx, item)
	}
}

// process executes one run and stores its final status. The final update runs even if ctx was
// canceled mid-run so the run never stays "running".
func (w *Worker) process(ctx context.Context, item listing.QueueItem) {
	log := w.logger.With(zap.String("run_id", item.RunID))
	if err := w.runs.UpdateRun(ctx, item.RunID, listing.RunStatusRunning, "", nil); err != nil {
		log.Error("update run status failed", zap.Error(err))
		return
	}

	result, runErr := w.runner.Run(ctx, item.RunID, item.Query)
	status, errText := finalStatus(ctx, runErr)
	metrics.ObserveRun(string(status))

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancel()
	summary := result.Summary
	if err := w.runs.UpdateRun(updateCtx, item.RunID, status, errText, &summary); err != nil {
		log.Error("final run status update failed", zap.Error(err))
		return
	}
	log.Info("run recorded", zap.String("status", string(status)), zap.Int("unique_jobs", summary.UniqueJobs))
}

func finalStatus(ctx context.Context, runErr error) (listing.RunStatus, string) {
	switch {
	case ctx.Err() != nil:
		return listing.RunStatusCanceled, "run canceled"
	case runErr != nil:
		return listing.RunStatusFailed, runErr.Error()
	default:
		return listing.RunStatusSucceeded, ""
	}
}
