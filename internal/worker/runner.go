// Package worker runs the query pipeline: cheap tiers, dedup, tier escalation, headless collection,
// enrichment and asynchronous persistence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/enrich"
	"github.com/JakeFAU/jobstream/internal/fingerprint"
	"github.com/JakeFAU/jobstream/internal/headless/detector"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/persist"
)

// DefaultSourceTimeout bounds one cheap-tier source call.
const DefaultSourceTimeout = 2 * time.Minute

// DefaultHeadlessTimeout bounds the whole headless tier for one run.
const DefaultHeadlessTimeout = 5 * time.Minute

// ErrAllSourcesFailed is returned when every source that ran returned an error.
var ErrAllSourcesFailed = errors.New("all sources failed")

// HeadlessSource is the expensive tier built for a single run.
type HeadlessSource interface {
	listing.Source
	Close()
}

// HeadlessFactory builds the headless tier. proxyURL is empty for a direct connection; paid reports
// whether the connection goes through a validated proxy.
type HeadlessFactory func(proxyURL string, paid bool) (HeadlessSource, error)

// ProxyValidator filters a proxy pool down to healthy members.
type ProxyValidator interface {
	Validate(ctx context.Context, proxyURLs []string) []string
}

// Archiver stores the raw record and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, record listing.Record) (string, error)
}

// Config tunes the pipeline.
type Config struct {
	SourceTimeout   time.Duration
	HeadlessTimeout time.Duration
	SkipThreshold   int
	SeedLimit       int
	Topic           string
	ProxyURLs       []string
	RequireProxy    bool
}

// Deps are the collaborators a Runner drives. Only Persist and Store are required.
type Deps struct {
	Sources   []listing.Source
	Headless  HeadlessFactory
	// HeadlessUnavailable, when set, fails every escalation with this error before any proxy is probed.
	HeadlessUnavailable error
	Proxies   ProxyValidator
	Store     listing.Store
	Archiver  Archiver
	Publisher listing.Publisher
	Persist   *persist.Queue
	Gate      *enrich.Gate
	Clock     listing.Clock
}

// SourceReport is what one source contributed to a run.
type SourceReport struct {
	Name  string       `json:"name"`
	Tier  listing.Tier `json:"tier"`
	Jobs  int          `json:"jobs"`
	Error string       `json:"error,omitempty"`
}

// RunResult describes a finished run.
type RunResult struct {
	RunID          string                   `json:"run_id"`
	Sources        []SourceReport           `json:"sources"`
	Cheap          fingerprint.DedupeStats  `json:"cheap_dedup"`
	Headless       *fingerprint.DedupeStats `json:"headless_dedup,omitempty"`
	Decision       detector.Decision        `json:"decision"`
	HealthyProxies int                      `json:"healthy_proxies"`
	ProxyUsed      bool                     `json:"proxy_used"`
	Stored         int                      `json:"stored"`
	Enriched       int                      `json:"enriched"`
	EnrichSkipped  int                      `json:"enrich_skipped"`
	Budget         *costguard.Verdict       `json:"budget,omitempty"`
	Summary        listing.Summary          `json:"summary"`
}

// Runner executes query runs. It is safe for concurrent use; each run owns its own dedup set.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	next   atomic.Uint64
}

// NewRunner validates deps and applies config defaults.
func NewRunner(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	if deps.Store == nil {
		return nil, errors.New("listing store is required")
	}
	if deps.Persist == nil {
		return nil, errors.New("persistence queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = DefaultHeadlessTimeout
	}
	if cfg.SkipThreshold <= 0 {
		cfg.SkipThreshold = detector.DefaultSkipThreshold
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger.Named("runner")}, nil
}

// Run collects, deduplicates and persists listings for query. It returns once every persistence task
// enqueued by the run has settled.
func (r *Runner) Run(ctx context.Context, runID string, query listing.Query) (RunResult, error) {
	log := r.logger.With(zap.String("run_id", runID), zap.String("keywords", query.Keywords))
	result := RunResult{RunID: runID}

	set := fingerprint.NewSet(r.cfg.SeedLimit)
	r.seed(ctx, set, log)

	cheapJobs, cheapReports := r.collectCheap(ctx, query, log)
	result.Sources = append(result.Sources, cheapReports...)
	result.Cheap = fingerprint.DedupeAgainst(set, cheapJobs)
	metrics.ObserveDedup(result.Cheap.LookupCount, result.Cheap.DuplicateCount)

	result.Decision = detector.Record(detector.Decide(len(result.Cheap.UniqueJobs), r.cfg.SkipThreshold))
	log.Info("tier escalation decided",
		zap.String("outcome", result.Decision.Outcome()),
		zap.String("reason", result.Decision.Reason),
	)

	survivors := result.Cheap.UniqueJobs
	if result.Decision.ShouldLaunch && (r.deps.Headless != nil || r.deps.HeadlessUnavailable != nil) {
		jobs, report, ran := r.collectHeadless(ctx, query, &result, log)
		if ran {
			result.Sources = append(result.Sources, report)
			stats := fingerprint.DedupeAgainst(set, jobs)
			metrics.ObserveDedup(stats.LookupCount, stats.DuplicateCount)
			result.Headless = &stats
			survivors = append(survivors[:len(survivors):len(survivors)], stats.UniqueJobs...)
		}
	}

	tally := r.persistAll(ctx, runID, survivors, log)
	drainErr := r.deps.Persist.Drain(ctx)

	result.Stored = int(tally.stored.Load())
	result.Enriched = int(tally.enriched.Load())
	result.EnrichSkipped = int(tally.skipped.Load())
	if r.deps.Gate != nil {
		verdict := r.deps.Gate.Check(ctx)
		result.Budget = &verdict
	}
	result.Summary = summarize(result, len(survivors))

	if drainErr != nil {
		return result, drainErr
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run %s: %w", runID, err)
	}
	if allFailed(result.Sources) {
		return result, fmt.Errorf("run %s: %w", runID, ErrAllSourcesFailed)
	}
	log.Info("run finished",
		zap.Int("unique_jobs", result.Summary.UniqueJobs),
		zap.Int("duplicates", result.Summary.DuplicateCount),
		zap.Int("stored", result.Stored),
	)
	return result, nil
}

func (r *Runner) seed(ctx context.Context, set *fingerprint.Set, log *zap.Logger) {
	if r.cfg.SeedLimit <= 0 {
		return
	}
	history, err := r.deps.Store.Recent(ctx, r.cfg.SeedLimit)
	if err != nil {
		log.Warn("seed history unavailable, deduplicating within the run only", zap.Error(err))
		return
	}
	set.Seed(history)
	log.Debug("seeded dedup set", zap.Int("history", len(history)))
}

// collectCheap fans out to every cheap source. A failing or slow source contributes nothing; results
// are concatenated in source order.
func (r *Runner) collectCheap(
	ctx context.Context,
	query listing.Query,
	log *zap.Logger,
) ([]listing.RawJobListing, []SourceReport) {
	batches := make([][]listing.RawJobListing, len(r.deps.Sources))
	reports := make([]SourceReport, len(r.deps.Sources))

	var g errgroup.Group
	for i, src := range r.deps.Sources {
		g.Go(func() error {
			reports[i] = SourceReport{Name: src.Name(), Tier: src.Tier()}
			sctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
			defer cancel()

			jobs, err := src.Fetch(sctx, query)
			if err != nil {
				reports[i].Error = err.Error()
				log.Warn("source failed", zap.String("source", src.Name()), zap.Error(err))
				return nil
			}
			jobs = stampTier(jobs, src.Tier())
			batches[i] = jobs
			reports[i].Jobs = len(jobs)
			metrics.ObserveSourceListings(src.Name(), string(src.Tier()), len(jobs))
			return nil
		})
	}
	_ = g.Wait()

	var all []listing.RawJobListing
	for _, batch := range batches {
		all = append(all, batch...)
	}
	return all, reports
}

// collectHeadless runs the expensive tier. ran is false when the tier was skipped for lack of a
// healthy proxy or could not be built.
func (r *Runner) collectHeadless(
	ctx context.Context,
	query listing.Query,
	result *RunResult,
	log *zap.Logger,
) ([]listing.RawJobListing, SourceReport, bool) {
	if err := r.deps.HeadlessUnavailable; err != nil {
		log.Warn("headless tier unavailable", zap.Error(err))
		return nil, SourceReport{Name: "headless", Tier: listing.TierHeadless, Error: err.Error()}, true
	}
	proxyURL := ""
	if len(r.cfg.ProxyURLs) > 0 && r.deps.Proxies != nil {
		healthy := r.deps.Proxies.Validate(ctx, r.cfg.ProxyURLs)
		result.HealthyProxies = len(healthy)
		if len(healthy) > 0 {
			proxyURL = healthy[int(r.next.Add(1)-1)%len(healthy)]
		}
	}
	if proxyURL == "" && r.cfg.RequireProxy {
		log.Warn("headless tier skipped: no healthy proxy and direct connections are disabled")
		return nil, SourceReport{}, false
	}
	result.ProxyUsed = proxyURL != ""

	src, err := r.deps.Headless(proxyURL, proxyURL != "")
	if err != nil {
		log.Error("build headless tier", zap.Error(err))
		return nil, SourceReport{Name: "headless", Tier: listing.TierHeadless, Error: err.Error()}, true
	}
	defer src.Close()

	report := SourceReport{Name: src.Name(), Tier: src.Tier()}
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HeadlessTimeout)
	defer cancel()
	jobs, err := src.Fetch(hctx, query)
	if err != nil {
		report.Error = err.Error()
		log.Warn("headless tier failed", zap.Error(err))
		return nil, report, true
	}
	jobs = stampTier(jobs, src.Tier())
	report.Jobs = len(jobs)
	metrics.ObserveSourceListings(src.Name(), string(src.Tier()), len(jobs))
	return jobs, report, true
}

type tally struct {
	stored   atomic.Int32
	enriched atomic.Int32
	skipped  atomic.Int32
}

// persistAll enqueues one task per survivor. Each task enriches (when a gate is configured), stores,
// archives and publishes its listing.
func (r *Runner) persistAll(ctx context.Context, runID string, jobs []listing.RawJobListing, log *zap.Logger) *tally {
	t := &tally{}
	var budgetOnce sync.Once
	for _, job := range jobs {
		r.deps.Persist.Enqueue(ctx, func(ctx context.Context) error {
			fields := r.enrich(ctx, job, t, func(err error) {
				budgetOnce.Do(func() { log.Warn("enrichment paused for this run", zap.Error(err)) })
			}, log)
			return r.persistOne(ctx, runID, job, fields, t)
		})
	}
	return t
}

func (r *Runner) enrich(
	ctx context.Context,
	job listing.RawJobListing,
	t *tally,
	onBudget func(error),
	log *zap.Logger,
) map[string]string {
	if r.deps.Gate == nil {
		return nil
	}
	fields, err := r.deps.Gate.Enrich(ctx, job)
	switch {
	case errors.Is(err, enrich.ErrBudgetExceeded):
		t.skipped.Add(1)
		onBudget(err)
		return nil
	case err != nil:
		t.skipped.Add(1)
		log.Warn("enrichment failed", zap.String("title", job.Title), zap.Error(err))
		return nil
	default:
		t.enriched.Add(1)
		return fields
	}
}

func (r *Runner) persistOne(
	ctx context.Context,
	runID string,
	job listing.RawJobListing,
	fields map[string]string,
	t *tally,
) error {
	record := listing.Record{
		Fingerprint: string(fingerprint.BuildJobFingerprint(job)),
		RunID:       runID,
		Listing:     job,
		Enrichment:  fields,
		StoredAt:    r.deps.Clock.Now(),
	}
	added, err := r.deps.Store.SaveListing(ctx, record)
	if err != nil {
		return fmt.Errorf("store %s: %w", record.Fingerprint, err)
	}
	if !added {
		return nil
	}
	t.stored.Add(1)

	var uri string
	if r.deps.Archiver != nil {
		if uri, err = r.deps.Archiver.Archive(ctx, record); err != nil {
			return fmt.Errorf("archive %s: %w", record.Fingerprint, err)
		}
	}
	if r.deps.Publisher != nil && r.cfg.Topic != "" {
		event := listing.NewListingEvent{
			Fingerprint: record.Fingerprint,
			RunID:       runID,
			Title:       job.Title,
			Company:     job.Company,
			URL:         job.URL,
			Source:      job.Source,
			SourceTier:  job.SourceTier,
			ArchiveURI:  uri,
			StoredAt:    record.StoredAt,
		}
		if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
			return fmt.Errorf("publish %s: %w", record.Fingerprint, err)
		}
	}
	return nil
}

func summarize(res RunResult, unique int) listing.Summary {
	s := listing.Summary{
		UniqueJobs:     unique,
		DuplicateCount: res.Cheap.DuplicateCount,
		HeadlessLaunch: res.Decision.ShouldLaunch,
		HeadlessReason: res.Decision.Reason,
		HealthyProxies: res.HealthyProxies,
		Enriched:       res.Enriched,
		EnrichSkipped:  res.EnrichSkipped,
	}
	lookups := res.Cheap.LookupCount
	for _, src := range res.Sources {
		if src.Tier == listing.TierHeadless {
			s.HeadlessJobs += src.Jobs
		} else {
			s.CheapTierJobs += src.Jobs
		}
	}
	if res.Headless != nil {
		s.DuplicateCount += res.Headless.DuplicateCount
		lookups += res.Headless.LookupCount
	}
	if lookups > 0 {
		s.DedupHitRatio = float64(s.DuplicateCount) / float64(lookups)
	}
	if res.Budget != nil {
		s.BudgetExhausted = res.Budget.Exceeded
	}
	return s
}

func allFailed(reports []SourceReport) bool {
	if len(reports) == 0 {
		return false
	}
	for _, rep := range reports {
		if rep.Error == "" {
			return false
		}
	}
	return true
}

// stampTier copies jobs, filling in the tier adapters left blank.
func stampTier(jobs []listing.RawJobListing, tier listing.Tier) []listing.RawJobListing {
	out := make([]listing.RawJobListing, len(jobs))
	for i, job := range jobs {
		if job.SourceTier == "" {
			job.SourceTier = tier
		}
		out[i] = job
	}
	return out
}
