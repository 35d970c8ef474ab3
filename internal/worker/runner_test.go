package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/enrich"
	"github.com/JakeFAU/jobstream/internal/fingerprint"
	"github.com/JakeFAU/jobstream/internal/listing"
)

func TestRunner_CheapTierMeetsThreshold(t *testing.T) {
	t.Parallel()

	h, deps := newHarness(t, 4)
	rss := &fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 20)}
	api := &fakeSource{name: "board", tier: listing.TierAPI, jobs: append(jobs("board", 0, 10), jobs("feed", 0, 5)...)}
	factory := &recordingFactory{source: &fakeHeadless{}}
	deps.Sources = []listing.Source{rss, api}
	deps.Headless = factory.build

	runner, err := NewRunner(deps, Config{SkipThreshold: 25, Topic: "new-listings"}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-1", listing.Query{Keywords: "golang"})
	require.NoError(t, err)

	require.False(t, res.Decision.ShouldLaunch)
	require.Empty(t, factory.snapshot())
	require.Len(t, res.Cheap.UniqueJobs, 30)
	require.Equal(t, 5, res.Cheap.DuplicateCount)
	require.Equal(t, 30, res.Stored)
	require.Equal(t, 30, h.store.Len())
	require.Equal(t, 30, h.blobs.Len())
	require.Len(t, h.publisher.Messages(), 30)

	event, ok := h.publisher.Messages()[0].Payload.(listing.NewListingEvent)
	require.True(t, ok)
	require.Equal(t, "run-1", event.RunID)
	require.Contains(t, event.ArchiveURI, "memory://listings/")

	require.Equal(t, listing.Summary{
		CheapTierJobs:  35,
		UniqueJobs:     30,
		DuplicateCount: 5,
		DedupHitRatio:  5.0 / 35.0,
		HeadlessReason: res.Decision.Reason,
	}, res.Summary)
}

func TestRunner_FailingSourceDegradesToEmpty(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 2)
	deps.Sources = []listing.Source{
		&fakeSource{name: "broken", tier: listing.TierRSS, err: errors.New("502 bad gateway")},
		&fakeSource{name: "slow", tier: listing.TierAPI, block: true},
		&fakeSource{name: "board", tier: listing.TierAPI, jobs: jobs("board", 0, 3)},
	}
	runner, err := NewRunner(deps, Config{SourceTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-2", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Stored)
	require.Len(t, res.Sources, 3)
	require.Equal(t, "502 bad gateway", res.Sources[0].Error)
	require.ErrorContains(t, errors.New(res.Sources[1].Error), "deadline exceeded")
	require.Empty(t, res.Sources[2].Error)
	require.Equal(t, listing.TierAPI, res.Cheap.UniqueJobs[0].SourceTier)
}

func TestRunner_AllSourcesFailed(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 2)
	deps.Sources = []listing.Source{
		&fakeSource{name: "a", tier: listing.TierRSS, err: errors.New("down")},
		&fakeSource{name: "b", tier: listing.TierAPI, err: errors.New("down")},
	}
	runner, err := NewRunner(deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), "run-3", listing.Query{Keywords: "go"})
	require.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestRunner_ColdStartLaunchesHeadlessThroughProxy(t *testing.T) {
	t.Parallel()

	h, deps := newHarness(t, 4)
	headless := &fakeHeadless{fakeSource: fakeSource{name: "careers", tier: listing.TierHeadless, jobs: jobs("careers", 0, 4)}}
	factory := &recordingFactory{source: headless}
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS}}
	deps.Headless = factory.build
	deps.Proxies = staticValidator{healthy: []string{"http://10.0.0.2:3128"}}

	runner, err := NewRunner(deps, Config{
		SkipThreshold: 10,
		ProxyURLs:     []string{"http://10.0.0.1:3128", "http://10.0.0.2:3128"},
	}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-4", listing.Query{Keywords: "go"})
	require.NoError(t, err)

	require.True(t, res.Decision.ShouldLaunch)
	require.False(t, res.Decision.PartialCollection)
	require.Equal(t, []factoryCall{{proxyURL: "http://10.0.0.2:3128", paid: true}}, factory.snapshot())
	require.True(t, headless.closed.Load())
	require.True(t, res.ProxyUsed)
	require.Equal(t, 1, res.HealthyProxies)
	require.NotNil(t, res.Headless)
	require.Equal(t, 4, res.Stored)
	require.Equal(t, 4, res.Summary.HeadlessJobs)
	require.True(t, res.Summary.HeadlessLaunch)

	recent, err := h.store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, listing.TierHeadless, recent[0].SourceTier)
}

func TestRunner_HeadlessDedupedAgainstCheapTier(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 4)
	cheap := jobs("feed", 0, 3)
	overlap := append([]listing.RawJobListing{cheap[1]}, jobs("careers", 0, 2)...)
	factory := &recordingFactory{source: &fakeHeadless{fakeSource: fakeSource{name: "careers", tier: listing.TierHeadless, jobs: overlap}}}
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: cheap}}
	deps.Headless = factory.build

	runner, err := NewRunner(deps, Config{SkipThreshold: 25}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-5", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.True(t, res.Decision.PartialCollection)
	require.Equal(t, []factoryCall{{proxyURL: "", paid: false}}, factory.snapshot())
	require.Equal(t, 1, res.Headless.DuplicateCount)
	require.Equal(t, 5, res.Summary.UniqueJobs)
	require.Equal(t, 1, res.Summary.DuplicateCount)
	require.Equal(t, 5, res.Stored)
}

func TestRunner_RequireProxySkipsHeadless(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 1)
	factory := &recordingFactory{source: &fakeHeadless{}}
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 1)}}
	deps.Headless = factory.build
	deps.Proxies = staticValidator{}

	runner, err := NewRunner(deps, Config{ProxyURLs: []string{"http://dead:1"}, RequireProxy: true}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-6", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.True(t, res.Decision.ShouldLaunch)
	require.Empty(t, factory.snapshot())
	require.Nil(t, res.Headless)
	require.Len(t, res.Sources, 1)
}

func TestRunner_UnavailableHeadlessSkipsProxyProbes(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 1)
	validator := &countingValidator{}
	factory := &recordingFactory{source: &fakeHeadless{}}
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 1)}}
	deps.Headless = factory.build
	deps.HeadlessUnavailable = errHeadlessOff
	deps.Proxies = validator

	runner, err := NewRunner(deps, Config{ProxyURLs: []string{"http://10.0.0.1:3128"}}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-7", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.True(t, res.Decision.ShouldLaunch)
	require.Zero(t, validator.calls.Load())
	require.Empty(t, factory.snapshot())
	require.False(t, res.ProxyUsed)
	require.Len(t, res.Sources, 2)
	require.Equal(t, listing.TierHeadless, res.Sources[1].Tier)
	require.Equal(t, errHeadlessOff.Error(), res.Sources[1].Error)
	require.Equal(t, 1, res.Stored)
}

var errHeadlessOff = errors.New("headless tier not configured")

func TestRunner_SeedHistorySuppressesKnownListings(t *testing.T) {
	t.Parallel()

	h, deps := newHarness(t, 2)
	known := jobs("feed", 0, 2)
	for _, job := range known {
		_, err := h.store.SaveListing(context.Background(), listing.Record{
			Fingerprint: string(fingerprint.BuildJobFingerprint(job)),
			Listing:     job,
		})
		require.NoError(t, err)
	}
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 5)}}

	runner, err := NewRunner(deps, Config{SeedLimit: 100}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-7", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Cheap.DuplicateCount)
	require.Equal(t, 3, res.Stored)
	require.Equal(t, 5, h.store.Len())
}

func TestRunner_EnrichmentStopsAtBudget(t *testing.T) {
	t.Parallel()

	h, deps := newHarness(t, 1)
	guard := costguard.New(costguard.NewMemoryStore(), costguard.Config{DailyLimitUSD: 1})
	var calls int
	enricher := enrich.EnricherFunc(func(context.Context, listing.RawJobListing) (enrich.Result, error) {
		calls++
		return enrich.Result{Fields: map[string]string{"seniority": "senior"}, TokensUsed: 1_000_000}, nil
	})
	deps.Gate = enrich.NewGate(guard, enricher, "openai", zap.NewNop())
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 4)}}

	runner, err := NewRunner(deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-8", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 2, res.Enriched)
	require.Equal(t, 2, res.EnrichSkipped)
	require.Equal(t, 4, res.Stored)
	require.NotNil(t, res.Budget)
	require.True(t, res.Budget.Exceeded)
	require.True(t, res.Summary.BudgetExhausted)

	first := jobs("feed", 0, 1)[0]
	rec, ok := h.store.Get(string(fingerprint.BuildJobFingerprint(first)))
	require.True(t, ok)
	require.Equal(t, "senior", rec.Enrichment["seniority"])
}

func TestRunner_PersistFailuresDoNotFailRun(t *testing.T) {
	t.Parallel()

	h, deps := newHarness(t, 2)
	h.publisher.FailWith(errors.New("broker unavailable"))
	deps.Sources = []listing.Source{&fakeSource{name: "feed", tier: listing.TierRSS, jobs: jobs("feed", 0, 3)}}

	runner, err := NewRunner(deps, Config{Topic: "new-listings"}, zap.NewNop())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "run-9", listing.Query{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Stored)
	require.EqualValues(t, 3, h.queue.Stats().Failed)
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	_, deps := newHarness(t, 1)
	_, err := NewRunner(Deps{Persist: deps.Persist}, Config{}, nil)
	require.Error(t, err)
	_, err = NewRunner(Deps{Store: deps.Store}, Config{}, nil)
	require.Error(t, err)
}
