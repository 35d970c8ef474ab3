// Package memory holds in-process stores used in development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// ListingStore keeps unique listing records keyed by fingerprint.
type ListingStore struct {
	mu      sync.RWMutex
	byPrint map[string]int
	records []listing.Record
}

// NewListingStore constructs an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{byPrint: make(map[string]int)}
}

// SaveListing stores record unless its fingerprint is already present. It reports whether a row was added.
func (s *ListingStore) SaveListing(_ context.Context, record listing.Record) (bool, error) {
	if record.Fingerprint == "" {
		return false, errors.New("record fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPrint[record.Fingerprint]; exists {
		return false, nil
	}
	s.byPrint[record.Fingerprint] = len(s.records)
	s.records = append(s.records, record)
	return true, nil
}

// Recent returns up to limit listings, newest first. A non-positive limit returns everything.
func (s *ListingStore) Recent(_ context.Context, limit int) ([]listing.RawJobListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]listing.RawJobListing, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i].Listing)
	}
	return out, nil
}

// Get returns the record stored under fingerprint.
func (s *ListingStore) Get(fingerprint string) (listing.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byPrint[fingerprint]
	if !ok {
		return listing.Record{}, false
	}
	return s.records[idx], true
}

// Len reports how many records are stored.
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
