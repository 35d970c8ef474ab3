package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// DefaultListingTable is used when no table name is configured.
const DefaultListingTable = "job_listings"

// ListingStore writes unique listings and serves seed history.
type ListingStore struct {
	db    DB
	table string
}

// NewListingStore wraps db. An empty table falls back to DefaultListingTable.
func NewListingStore(db DB, table string) (*ListingStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, DefaultListingTable)
	if err != nil {
		return nil, err
	}
	return &ListingStore{db: db, table: name}, nil
}

// EnsureSchema creates the listing table when it is missing.
func (s *ListingStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	fingerprint TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	source      TEXT NOT NULL,
	source_tier TEXT NOT NULL,
	listing     JSONB NOT NULL,
	enrichment  JSONB NOT NULL DEFAULT '{}'::jsonb,
	stored_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_stored_at ON %[1]s (stored_at DESC)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveListing inserts record and reports whether the fingerprint was new.
func (s *ListingStore) SaveListing(ctx context.Context, record listing.Record) (bool, error) {
	if record.Fingerprint == "" {
		return false, errors.New("record fingerprint is required")
	}
	body, err := json.Marshal(record.Listing)
	if err != nil {
		return false, fmt.Errorf("marshal listing: %w", err)
	}
	enrichment := record.Enrichment
	if enrichment == nil {
		enrichment = map[string]string{}
	}
	extra, err := json.Marshal(enrichment)
	if err != nil {
		return false, fmt.Errorf("marshal enrichment: %w", err)
	}
	storedAt := record.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, run_id, source, source_tier, listing, enrichment, stored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (fingerprint) DO NOTHING`, s.table)
	tag, err := s.db.Exec(ctx, query,
		record.Fingerprint,
		record.RunID,
		record.Listing.Source,
		string(record.Listing.SourceTier),
		body,
		extra,
		storedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert listing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Recent returns up to limit listings, newest first. A non-positive limit returns everything.
func (s *ListingStore) Recent(ctx context.Context, limit int) ([]listing.RawJobListing, error) {
	query := fmt.Sprintf(`SELECT listing FROM %s ORDER BY stored_at DESC`, s.table)
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent listings: %w", err)
	}
	defer rows.Close()

	var out []listing.RawJobListing
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		var job listing.RawJobListing
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}
