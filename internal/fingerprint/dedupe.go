package fingerprint

import (
	"github.com/JakeFAU/jobstream/internal/listing"
)

// Set is a grow-only fingerprint set owned by a single dedup context. It is not safe for
// concurrent use; each run owns its own Set.
type Set struct {
	members map[Fingerprint]struct{}
}

// NewSet returns an empty Set sized for n entries.
func NewSet(n int) *Set {
	if n < 0 {
		n = 0
	}
	return &Set{members: make(map[Fingerprint]struct{}, n)}
}

// Add inserts fp and reports whether it was absent.
func (s *Set) Add(fp Fingerprint) bool {
	if _, ok := s.members[fp]; ok {
		return false
	}
	s.members[fp] = struct{}{}
	return true
}

// Has reports membership.
func (s *Set) Has(fp Fingerprint) bool {
	_, ok := s.members[fp]
	return ok
}

// Len returns the number of fingerprints held.
func (s *Set) Len() int {
	return len(s.members)
}

// Seed adds the fingerprints of jobs without counting them as lookups.
func (s *Set) Seed(jobs []listing.RawJobListing) {
	for _, job := range jobs {
		s.members[BuildJobFingerprint(job)] = struct{}{}
	}
}

// DedupeStats reports one dedup pass. It is computed per batch and never persisted.
type DedupeStats struct {
	UniqueJobs     []listing.RawJobListing `json:"-"`
	DuplicateCount int                     `json:"duplicate_count"`
	LookupCount    int                     `json:"lookup_count"`
	DedupHitRatio  float64                 `json:"dedup_hit_ratio"`
}

// DedupeJobsWithStats filters jobs against a set pre-seeded from seedJobs. Jobs are processed in
// input order and survivors keep that order.
func DedupeJobsWithStats(jobs []listing.RawJobListing, seedJobs []listing.RawJobListing) DedupeStats {
	set := NewSet(len(jobs) + len(seedJobs))
	set.Seed(seedJobs)
	return DedupeAgainst(set, jobs)
}

// DedupeAgainst filters jobs against an existing set, adding every survivor to it. Runs that dedup
// several batches use one Set so later batches see earlier survivors.
func DedupeAgainst(set *Set, jobs []listing.RawJobListing) DedupeStats {
	stats := DedupeStats{UniqueJobs: make([]listing.RawJobListing, 0, len(jobs))}
	for _, job := range jobs {
		stats.LookupCount++
		if !set.Add(BuildJobFingerprint(job)) {
			stats.DuplicateCount++
			continue
		}
		stats.UniqueJobs = append(stats.UniqueJobs, job)
	}
	if stats.LookupCount > 0 {
		stats.DedupHitRatio = float64(stats.DuplicateCount) / float64(stats.LookupCount)
	}
	return stats
}

// Dedupe is DedupeJobsWithStats without the report.
func Dedupe(jobs []listing.RawJobListing, seedJobs []listing.RawJobListing) []listing.RawJobListing {
	return DedupeJobsWithStats(jobs, seedJobs).UniqueJobs
}
