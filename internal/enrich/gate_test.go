package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/listing"
)

func TestGate_StopsCallingOnceBudgetIsSpent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := costguard.New(costguard.NewMemoryStore(), costguard.Config{DailyLimitUSD: 1})
	calls := 0
	gate := NewGate(guard, EnricherFunc(func(context.Context, listing.RawJobListing) (Result, error) {
		calls++
		return Result{Fields: map[string]string{"seniority": "senior"}, TokensUsed: 600_000}, nil
	}), "acme", nil)

	fields, err := gate.Enrich(ctx, listing.RawJobListing{Title: "one"})
	require.NoError(t, err)
	require.Equal(t, "senior", fields["seniority"])

	_, err = gate.Enrich(ctx, listing.RawJobListing{Title: "two"})
	require.NoError(t, err, "0.6 USD is still under the limit before the second call")

	_, err = gate.Enrich(ctx, listing.RawJobListing{Title: "three"})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	var budgetErr *BudgetError
	require.True(t, errors.As(err, &budgetErr))
	require.Contains(t, budgetErr.Error(), costguard.LimitEnvVar)
	require.Equal(t, 2, calls)
}

func TestGate_RecordsUsageOnEnricherFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := costguard.New(costguard.NewMemoryStore(), costguard.Config{})
	gate := NewGate(guard, EnricherFunc(func(context.Context, listing.RawJobListing) (Result, error) {
		return Result{TokensUsed: 1200}, errors.New("model timeout")
	}), "openai", nil)

	_, err := gate.Enrich(ctx, listing.RawJobListing{Title: "x"})
	require.ErrorContains(t, err, "model timeout")
	require.EqualValues(t, 1200, guard.GetDailySpend(ctx, "openai").Tokens)
	require.False(t, gate.Check(ctx).Exceeded)
	require.Equal(t, "openai", gate.Provider())
}

func TestGate_ConcurrentCallersRespectLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := costguard.New(costguard.NewMemoryStore(), costguard.Config{DailyLimitUSD: 1})
	var calls atomic.Int32
	gate := NewGate(guard, EnricherFunc(func(context.Context, listing.RawJobListing) (Result, error) {
		calls.Add(1)
		return Result{TokensUsed: 1_000_000}, nil
	}), "acme", nil)

	const callers = 8
	var (
		wg      sync.WaitGroup
		refused atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := gate.Enrich(ctx, listing.RawJobListing{Title: "job"}); errors.Is(err, ErrBudgetExceeded) {
				refused.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, callers-1, refused.Load())
	require.EqualValues(t, 1_000_000, guard.GetDailySpend(ctx, "acme").Tokens)
}
