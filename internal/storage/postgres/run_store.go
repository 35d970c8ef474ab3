package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// DefaultRunTable is used when no table name is configured.
const DefaultRunTable = "query_runs"

// RunStore tracks query runs in Postgres.
type RunStore struct {
	db    DB
	table string
	now   func() time.Time
}

// NewRunStore wraps db. An empty table falls back to DefaultRunTable.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, DefaultRunTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: name, now: time.Now}, nil
}

// EnsureSchema creates the run table when it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	keywords     TEXT NOT NULL,
	location     TEXT NOT NULL DEFAULT '',
	max_results  INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	error_text   TEXT NOT NULL DEFAULT '',
	summary      JSONB
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run listing.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, keywords, location, max_results, status, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	_, err := s.db.Exec(ctx, query,
		run.ID, run.Query.Keywords, run.Query.Location, run.Query.Limit, string(run.Status), run.Submitted.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun sets the status, error text and (when non-nil) summary. started_at is stamped on the first
// move to running and finished_at on every terminal status.
func (s *RunStore) UpdateRun(
	ctx context.Context,
	runID string,
	status listing.RunStatus,
	errText string,
	summary *listing.Summary,
) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		if summaryJSON, err = json.Marshal(summary); err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $1,
	error_text = $2,
	summary = COALESCE($3, summary),
	started_at = CASE WHEN $4 AND started_at IS NULL THEN $6 ELSE started_at END,
	finished_at = CASE WHEN $5 THEN $6 ELSE finished_at END
WHERE id = $7`, s.table)
	tag, err := s.db.Exec(ctx, query,
		string(status),
		errText,
		summaryJSON,
		status == listing.RunStatusRunning,
		isTerminal(status),
		s.now().UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", runID, listing.ErrRunNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (listing.Run, error) {
	query := fmt.Sprintf(`
SELECT id, keywords, location, max_results, status, submitted_at, started_at, finished_at, error_text, summary
FROM %s WHERE id = $1`, s.table)
	var (
		run         listing.Run
		status      string
		summaryJSON []byte
	)
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Query.Keywords,
		&run.Query.Location,
		&run.Query.Limit,
		&status,
		&run.Submitted,
		&run.Started,
		&run.Finished,
		&run.ErrorText,
		&summaryJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Run{}, fmt.Errorf("get run %s: %w", runID, listing.ErrRunNotFound)
	}
	if err != nil {
		return listing.Run{}, fmt.Errorf("select run: %w", err)
	}
	run.Status = listing.RunStatus(status)
	if len(summaryJSON) > 0 {
		var summary listing.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return listing.Run{}, fmt.Errorf("decode summary: %w", err)
		}
		run.Summary = &summary
	}
	return run, nil
}

func isTerminal(status listing.RunStatus) bool {
	switch status {
	case listing.RunStatusSucceeded, listing.RunStatusFailed, listing.RunStatusCanceled:
		return true
	default:
		return false
	}
}
