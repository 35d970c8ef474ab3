package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueue_NeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	const (
		limit = 3
		tasks = 40
	)
	q := New(limit, WithLogger(zap.NewNop()))

	var inFlight, peak, done atomic.Int32
	for i := 0; i < tasks; i++ {
		q.Enqueue(context.Background(), func(context.Context) error {
			now := inFlight.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			done.Add(1)
			return nil
		})
		require.LessOrEqual(t, q.Stats().Active, limit)
	}

	require.NoError(t, q.Drain(context.Background()))
	require.EqualValues(t, tasks, done.Load())
	require.LessOrEqual(t, peak.Load(), int32(limit))
	require.Equal(t, Stats{Completed: tasks, Limit: limit, Policy: Policy}, q.Stats())
}

func TestQueue_DrainWaitsForFailuresAndPanics(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	q := New(2, WithOnFailure(func(error) { reported.Add(1) }))

	release := make(chan struct{})
	var settled atomic.Int32
	q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		settled.Add(1)
		return errors.New("disk full")
	})
	q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		settled.Add(1)
		panic("boom")
	})
	q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		settled.Add(1)
		return nil
	})

	drained := make(chan error, 1)
	go func() { drained <- q.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned before tasks settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not return")
	}

	require.EqualValues(t, 3, settled.Load())
	require.EqualValues(t, 2, reported.Load())
	stats := q.Stats()
	require.EqualValues(t, 2, stats.Failed)
	require.EqualValues(t, 1, stats.Completed)
}

func TestQueue_DrainIdleReturnsImmediately(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestQueue_ConcurrentDrainersReleasedTogether(t *testing.T) {
	t.Parallel()

	q := New(1)
	release := make(chan struct{})
	q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	const drainers = 5
	var wg sync.WaitGroup
	errs := make(chan error, drainers)
	for i := 0; i < drainers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Drain(context.Background())
		}()
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestQueue_DrainHonoursContext(t *testing.T) {
	t.Parallel()

	q := New(1)
	release := make(chan struct{})
	defer close(release)
	q.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)
}

func TestQueue_ReusableAfterIdle(t *testing.T) {
	t.Parallel()

	q := New(2)
	var count atomic.Int32
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			q.Enqueue(context.Background(), func(context.Context) error {
				count.Add(1)
				return nil
			})
		}
		require.NoError(t, q.Drain(context.Background()))
	}
	require.EqualValues(t, 12, count.Load())
}

func TestQueue_FIFOAdmission(t *testing.T) {
	t.Parallel()

	q := New(1)
	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		q.Enqueue(context.Background(), func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestNew_InvalidConcurrencyFallsBack(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultConcurrency, New(0).Limit())
	require.Equal(t, DefaultConcurrency, New(-4).Limit())
	require.Equal(t, 2, New(2).Limit())
}
