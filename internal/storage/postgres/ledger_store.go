package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/costguard"
)

// DefaultLedgerTable is used when no table name is configured.
const DefaultLedgerTable = "llm_budget_ledger"

// ledgerLockKey identifies the advisory lock shared by every process using the ledger.
const ledgerLockKey int64 = 0x6a6f6273747265 // "jobstre"

// LedgerOption customizes a LedgerStore.
type LedgerOption func(*LedgerStore)

// WithAdvisoryLock serialises read-modify-write cycles across processes with pg_advisory_xact_lock.
func WithAdvisoryLock() LedgerOption {
	return func(s *LedgerStore) {
		s.advisory = true
	}
}

// WithLedgerLogger sets the logger used when releasing the advisory lock fails.
func WithLedgerLogger(logger *zap.Logger) LedgerOption {
	return func(s *LedgerStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// LedgerStore is a costguard.StateStore keyed by (day, provider).
type LedgerStore struct {
	db       DB
	table    string
	advisory bool
	logger   *zap.Logger
}

// NewLedgerStore wraps db. An empty table falls back to DefaultLedgerTable.
func NewLedgerStore(db DB, table string, opts ...LedgerOption) (*LedgerStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, DefaultLedgerTable)
	if err != nil {
		return nil, err
	}
	s := &LedgerStore{db: db, table: name, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureSchema creates the ledger table when it is missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	day                DATE NOT NULL,
	provider           TEXT NOT NULL,
	total_tokens       BIGINT NOT NULL DEFAULT 0,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (day, provider)
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Load returns the latest row for provider, or a zero state when none exists.
func (s *LedgerStore) Load(ctx context.Context, provider string) (costguard.BudgetState, error) {
	query := fmt.Sprintf(`
SELECT to_char(day, 'YYYY-MM-DD'), total_tokens, estimated_cost_usd, provider
FROM %s WHERE provider = $1 ORDER BY day DESC LIMIT 1`, s.table)
	var state costguard.BudgetState
	err := s.db.QueryRow(ctx, query, provider).Scan(
		&state.Date, &state.TotalTokens, &state.EstimatedCostUSD, &state.Provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return costguard.BudgetState{}, nil
	}
	if err != nil {
		return costguard.BudgetState{}, fmt.Errorf("load ledger: %w", err)
	}
	return state, nil
}

// Save upserts state's (day, provider) row.
func (s *LedgerStore) Save(ctx context.Context, state costguard.BudgetState) error {
	day, err := time.Parse(costguard.DateLayout, state.Date)
	if err != nil {
		return fmt.Errorf("ledger date %q: %w", state.Date, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (day, provider, total_tokens, estimated_cost_usd)
VALUES ($1, $2, $3, $4)
ON CONFLICT (day, provider) DO UPDATE
SET total_tokens = EXCLUDED.total_tokens, estimated_cost_usd = EXCLUDED.estimated_cost_usd`, s.table)
	if _, err := s.db.Exec(ctx, query, day, state.Provider, state.TotalTokens, state.EstimatedCostUSD); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Lock takes the ledger advisory lock inside a transaction when enabled; unlock commits it.
func (s *LedgerStore) Lock(ctx context.Context) (func(), error) {
	if !s.advisory {
		return func() {}, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	return func() {
		if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release ledger lock", zap.Error(err))
		}
	}, nil
}
