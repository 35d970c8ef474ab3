// Package dispatcher accepts run requests and fans them out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/worker"
)

// ErrInvalidQuery is returned by Submit for queries without keywords.
var ErrInvalidQuery = errors.New("query keywords are required")

// Dispatcher registers runs, queues them and runs the worker pool.
type Dispatcher struct {
	queue   listing.Queue
	runs    listing.RunStore
	ids     listing.IDGenerator
	clock   listing.Clock
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue listing.Queue,
	runs listing.RunStore,
	ids listing.IDGenerator,
	clock listing.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runs:    runs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until every one of them has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	wg.Wait()
}

// Submit records a queued run for query and hands it to the queue. If the queue refuses it the run is
// marked failed and the error returned.
func (d *Dispatcher) Submit(ctx context.Context, query listing.Query) (listing.Run, error) {
	query.Keywords = strings.TrimSpace(query.Keywords)
	query.Location = strings.TrimSpace(query.Location)
	if query.Keywords == "" {
		return listing.Run{}, ErrInvalidQuery
	}
	if query.Limit < 0 {
		query.Limit = 0
	}
	id, err := d.ids.NewID()
	if err != nil {
		return listing.Run{}, fmt.Errorf("new run id: %w", err)
	}
	run := listing.Run{
		ID:        id,
		Query:     query,
		Status:    listing.RunStatusQueued,
		Submitted: d.clock.Now(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return listing.Run{}, fmt.Errorf("create run: %w", err)
	}
	item := listing.QueueItem{RunID: id, Query: query, Submitted: run.Submitted.UnixMilli()}
	if err := d.Enqueue(ctx, item); err != nil {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if upErr := d.runs.UpdateRun(failCtx, id, listing.RunStatusFailed, err.Error(), nil); upErr != nil {
			d.logger.Error("mark unqueued run failed", zap.String("run_id", id), zap.Error(upErr))
		}
		return run, err
	}
	d.logger.Info("run queued", zap.String("run_id", id), zap.String("keywords", query.Keywords))
	return run, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item listing.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
