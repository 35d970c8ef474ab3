// Package sqlite keeps unique listings in a local SQLite file and serves seed history from it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/jobstream/internal/listing"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	fingerprint TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	source_tier TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	company     TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	listing     TEXT NOT NULL,
	enrichment  TEXT NOT NULL DEFAULT '{}',
	stored_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_stored_at ON listings (stored_at DESC);`

// Store is a listing.Store over database/sql with the modernc driver.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the persistence queue.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create listings table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// SaveListing inserts record unless its fingerprint already exists and reports whether a row was added.
func (s *Store) SaveListing(ctx context.Context, record listing.Record) (bool, error) {
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

	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO listings (fingerprint, run_id, source, source_tier, title, company, url, listing, enrichment, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		record.Fingerprint,
		record.RunID,
		record.Listing.Source,
		string(record.Listing.SourceTier),
		record.Listing.Title,
		record.Listing.Company,
		record.Listing.URL,
		string(body),
		string(extra),
		storedAt.UTC().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert listing: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return changed > 0, nil
}

// Recent returns up to limit listings, newest first. A non-positive limit returns everything.
func (s *Store) Recent(ctx context.Context, limit int) ([]listing.RawJobListing, error) {
	query := `SELECT listing FROM listings ORDER BY stored_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []listing.RawJobListing
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		var job listing.RawJobListing
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// Count returns the number of stored listings.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}
