package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/listing"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRunStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestRunStoreCreateAndUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	run := listing.Run{
		ID:        "run-1",
		Query:     listing.Query{Keywords: "golang", Location: "Remote", Limit: 50},
		Status:    listing.RunStatusQueued,
		Submitted: now,
	}
	mock.ExpectExec("INSERT INTO query_runs").
		WithArgs("run-1", "golang", "Remote", 50, "queued", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE query_runs SET").
		WithArgs("running", "", []byte(nil), true, false, now, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE query_runs SET").
		WithArgs("succeeded", "", []byte(`{"cheap_tier_jobs":0,"headless_jobs":0,"unique_jobs":4,`+
			`"duplicate_count":0,"dedup_hit_ratio":0,"headless_launch":false,"headless_reason":"",`+
			`"healthy_proxies":0,"enriched":0,"enrich_skipped":0,"budget_exhausted":false}`),
			false, true, now, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.UpdateRun(ctx, "run-1", listing.RunStatusRunning, "", nil))
	require.NoError(t, store.UpdateRun(ctx, "run-1", listing.RunStatusSucceeded, "", &listing.Summary{UniqueJobs: 4}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreUpdateUnknown(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	mock.ExpectExec("UPDATE query_runs SET").
		WithArgs("failed", "boom", []byte(nil), false, true, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateRun(context.Background(), "missing", listing.RunStatusFailed, "boom", nil)
	require.ErrorIs(t, err, listing.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	submitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	started := submitted.Add(time.Second)
	finished := submitted.Add(time.Minute)

	cols := []string{"id", "keywords", "location", "max_results", "status", "submitted_at",
		"started_at", "finished_at", "error_text", "summary"}
	mock.ExpectQuery("SELECT id, keywords").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows(cols).AddRow(
			"run-1", "golang", "", 10, "succeeded", submitted,
			&started, &finished, "", []byte(`{"unique_jobs":3}`),
		))
	mock.ExpectQuery("SELECT id, keywords").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, listing.RunStatusSucceeded, run.Status)
	require.Equal(t, "golang", run.Query.Keywords)
	require.Equal(t, 10, run.Query.Limit)
	require.Equal(t, finished, *run.Finished)
	require.Equal(t, 3, run.Summary.UniqueJobs)

	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, listing.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
