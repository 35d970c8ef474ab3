// Package listing defines the job-listing types shared across sources, the dedup engine and sinks.
package listing

import (
	"time"
)

// Tier is the cost/reliability class of the source that produced a listing.
type Tier string

// Source tiers, cheapest first.
const (
	TierRSS      Tier = "rss"
	TierAPI      Tier = "api"
	TierHeadless Tier = "headless"
)

// RawJobListing is a posting as read by a source adapter. Values are treated as immutable once built.
type RawJobListing struct {
	Title         string     `json:"title"`
	Company       string     `json:"company"`
	Location      string     `json:"location,omitempty"`
	Description   string     `json:"description"`
	URL           string     `json:"url"`
	PlatformJobID string     `json:"platformJobId,omitempty"`
	PostedDate    *time.Time `json:"postedDate,omitempty"`
	Source        string     `json:"source"`
	SourceTier    Tier       `json:"sourceTier,omitempty"`
}

// Query is the operator request a run collects listings for.
type Query struct {
	Keywords string `json:"keywords"`
	Location string `json:"location,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Record is what the persistence layer stores for one unique listing.
type Record struct {
	Fingerprint string            `json:"fingerprint"`
	RunID       string            `json:"run_id"`
	Listing     RawJobListing     `json:"listing"`
	Enrichment  map[string]string `json:"enrichment,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// RunStatus represents the lifecycle state of a query run.
type RunStatus string

// Run status values.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run is the metadata tracked for a submitted query run.
type Run struct {
	ID        string     `json:"id"`
	Query     Query      `json:"query"`
	Status    RunStatus  `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
	Summary   *Summary   `json:"summary,omitempty"`
}

// Summary is the compact outcome of a finished run.
type Summary struct {
	CheapTierJobs   int     `json:"cheap_tier_jobs"`
	HeadlessJobs    int     `json:"headless_jobs"`
	UniqueJobs      int     `json:"unique_jobs"`
	DuplicateCount  int     `json:"duplicate_count"`
	DedupHitRatio   float64 `json:"dedup_hit_ratio"`
	HeadlessLaunch  bool    `json:"headless_launch"`
	HeadlessReason  string  `json:"headless_reason"`
	HealthyProxies  int     `json:"healthy_proxies"`
	Enriched        int     `json:"enriched"`
	EnrichSkipped   int     `json:"enrich_skipped"`
	BudgetExhausted bool    `json:"budget_exhausted"`
}

// NewListingEvent is the notification published once per newly stored listing.
type NewListingEvent struct {
	Fingerprint string    `json:"fingerprint"`
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	SourceTier  Tier      `json:"source_tier"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}
