// Package persist runs asynchronous write tasks with a hard concurrency ceiling.
//
// The queue follows a best-effort delivery policy (BestEffort): a failed task is logged, counted and
// reported to the optional OnFailure callback, and is then dropped. It is never retried, it never
// stops the queue and its error never reaches the code that enqueued it.
package persist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/metrics"
)

// DefaultConcurrency is used when the configured ceiling is not a positive integer.
const DefaultConcurrency = 8

// Policy names the failure handling contract of a Queue.
const Policy = "BestEffort"

// Task durably stores one pending write.
type Task func(ctx context.Context) error

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Limit     int    `json:"limit"`
	Policy    string `json:"policy"`
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for task failures.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithOnFailure registers a callback invoked once per failed task. It runs on the task's goroutine
// before the task counts as settled, so Drain does not return ahead of it.
func WithOnFailure(fn func(error)) Option {
	return func(q *Queue) {
		q.onFailure = fn
	}
}

type entry struct {
	ctx  context.Context
	task Task
}

// Queue admits tasks in FIFO order and runs at most Limit of them at once.
type Queue struct {
	limit     int
	logger    *zap.Logger
	onFailure func(error)

	mu        sync.Mutex
	pending   []entry
	active    int
	completed uint64
	failed    uint64
	// idle is closed on the transition to idle and replaced on the next transition to busy.
	idle chan struct{}
}

// New creates a Queue. Non-positive concurrency falls back to DefaultConcurrency.
func New(concurrency int, opts ...Option) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		limit:  concurrency,
		logger: zap.NewNop(),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("persist")
	return q
}

// Limit returns the concurrency ceiling.
func (q *Queue) Limit() int {
	return q.limit
}

// Enqueue appends task to the tail and returns immediately. ctx is handed to the task when it starts.
func (q *Queue) Enqueue(ctx context.Context, task Task) {
	if task == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.isIdleLocked() {
		q.idle = make(chan struct{})
	}
	q.pending = append(q.pending, entry{ctx: ctx, task: task})
	q.pumpLocked()
	q.mu.Unlock()
}

// Drain blocks until no task is active or queued. It returns immediately on an idle queue and
// returns ctx.Err() if ctx ends first. Concurrent callers are released together.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.isIdleLocked() {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain persistence queue: %w", ctx.Err())
	}
}

// Stats returns a snapshot without waiting on running tasks.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Active:    q.active,
		Queued:    len(q.pending),
		Completed: q.completed,
		Failed:    q.failed,
		Limit:     q.limit,
		Policy:    Policy,
	}
}

func (q *Queue) isIdleLocked() bool {
	return q.active == 0 && len(q.pending) == 0
}

func (q *Queue) pumpLocked() {
	for q.active < q.limit && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.active++
		go q.run(next)
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	metrics.SetPersistDepth(q.active, len(q.pending))
}

func (q *Queue) run(e entry) {
	err := q.invoke(e)
	if err != nil {
		metrics.ObservePersistTask("failed")
		q.logger.Warn("persistence task dropped", zap.String("policy", Policy), zap.Error(err))
		if q.onFailure != nil {
			q.onFailure(err)
		}
	} else {
		metrics.ObservePersistTask("ok")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.pumpLocked()
	if q.isIdleLocked() {
		close(q.idle)
	}
}

func (q *Queue) invoke(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persistence task panicked: %v", r)
		}
	}()
	return e.task(e.ctx)
}
