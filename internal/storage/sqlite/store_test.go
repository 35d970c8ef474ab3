package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/listing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func record(i int, at time.Time) listing.Record {
	return listing.Record{
		Fingerprint: fmt.Sprintf("remoteboard::https://board.example.com/jobs/%d", i),
		RunID:       "run-1",
		Listing: listing.RawJobListing{
			Title:      fmt.Sprintf("Engineer %d", i),
			Company:    "Acme",
			URL:        fmt.Sprintf("https://board.example.com/jobs/%d", i),
			Source:     "RemoteBoard",
			SourceTier: listing.TierRSS,
		},
		Enrichment: map[string]string{"seniority": "senior"},
		StoredAt:   at,
	}
}

func TestSaveListingIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	store := openTemp(t)
	ctx := context.Background()
	rec := record(1, time.Unix(1700000000, 0))

	added, err := store.SaveListing(ctx, rec)
	require.NoError(t, err)
	require.True(t, added)

	added, err = store.SaveListing(ctx, rec)
	require.NoError(t, err)
	require.False(t, added)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecentNewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	store := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		_, err := store.SaveListing(ctx, record(i, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "Engineer 4", recent[0].Title)
	require.Equal(t, listing.TierRSS, recent[0].SourceTier)
	require.Equal(t, "Engineer 2", recent[2].Title)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestConcurrentWritersShareOneConnection(t *testing.T) {
	t.Parallel()

	store := openTemp(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SaveListing(ctx, record(i%10, time.Now()))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()
	first, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = first.SaveListing(ctx, record(7, time.Now()))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()
	recent, err := second.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "Engineer 7", recent[0].Title)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
	_, err = openTemp(t).SaveListing(context.Background(), listing.Record{})
	require.Error(t, err)
}
