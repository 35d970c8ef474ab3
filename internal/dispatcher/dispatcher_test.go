package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/persist"
	queuememory "github.com/JakeFAU/jobstream/internal/queue/memory"
	"github.com/JakeFAU/jobstream/internal/storage/memory"
	"github.com/JakeFAU/jobstream/internal/worker"
)

var fixedClock = system.Fixed{At: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

type feed struct{}

func (feed) Name() string       { return "feed" }
func (feed) Tier() listing.Tier { return listing.TierRSS }
func (feed) Fetch(_ context.Context, q listing.Query) ([]listing.RawJobListing, error) {
	return []listing.RawJobListing{{
		Title:  q.Keywords + " engineer",
		URL:    "https://feed.example.com/jobs/" + q.Keywords,
		Source: "feed",
	}}, nil
}

func TestDispatcherSubmitAndRun(t *testing.T) {
	t.Parallel()

	runner, err := worker.NewRunner(worker.Deps{
		Sources: []listing.Source{feed{}},
		Store:   memory.NewListingStore(),
		Persist: persist.New(2),
	}, worker.Config{}, zap.NewNop())
	require.NoError(t, err)

	queue := queuememory.NewQueue(8)
	runs := memory.NewRunStore()
	workers := []*worker.Worker{
		worker.New(queue, runs, runner, zap.NewNop()),
		worker.New(queue, runs, runner, zap.NewNop()),
	}
	d := New(queue, runs, uuid.New(), fixedClock, workers, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	var ids []string
	for i := 0; i < 4; i++ {
		run, err := d.Submit(context.Background(), listing.Query{Keywords: fmt.Sprintf(" kw%d ", i)})
		require.NoError(t, err)
		require.Equal(t, listing.RunStatusQueued, run.Status)
		require.Equal(t, fmt.Sprintf("kw%d", i), run.Query.Keywords)
		require.Equal(t, fixedClock.Now(), run.Submitted)
		ids = append(ids, run.ID)
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			run, err := runs.GetRun(context.Background(), id)
			return err == nil && run.Status == listing.RunStatusSucceeded
		}, 2*time.Second, 5*time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherSubmitRejectsEmptyKeywords(t *testing.T) {
	t.Parallel()

	d := New(queuememory.NewQueue(1), memory.NewRunStore(), uuid.New(), fixedClock, nil, nil)
	_, err := d.Submit(context.Background(), listing.Query{Keywords: "   "})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestDispatcherSubmitMarksRunFailedWhenQueueRefuses(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	d := New(&errorQueue{err: errors.New("boom")}, runs, uuid.New(), fixedClock, nil, nil)

	run, err := d.Submit(context.Background(), listing.Query{Keywords: "go"})
	require.EqualError(t, err, "queue enqueue: boom")

	stored, getErr := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	require.Equal(t, listing.RunStatusFailed, stored.Status)
	require.Equal(t, "queue enqueue: boom", stored.ErrorText)
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, listing.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(ctx context.Context) (listing.QueueItem, error) {
	<-ctx.Done()
	return listing.QueueItem{}, ctx.Err()
}
