package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/hash/sha256"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/persist"
	pubmemory "github.com/JakeFAU/jobstream/internal/publisher/memory"
	"github.com/JakeFAU/jobstream/internal/storage"
	"github.com/JakeFAU/jobstream/internal/storage/memory"
)

type fakeSource struct {
	name  string
	tier  listing.Tier
	jobs  []listing.RawJobListing
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeSource) Name() string       { return f.name }
func (f *fakeSource) Tier() listing.Tier { return f.tier }

func (f *fakeSource) Fetch(ctx context.Context, _ listing.Query) ([]listing.RawJobListing, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%s: %w", f.name, ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs, nil
}

type fakeHeadless struct {
	fakeSource
	closed atomic.Bool
}

func (f *fakeHeadless) Close() { f.closed.Store(true) }

type factoryCall struct {
	proxyURL string
	paid     bool
}

type recordingFactory struct {
	mu     sync.Mutex
	calls  []factoryCall
	source *fakeHeadless
}

func (f *recordingFactory) build(proxyURL string, paid bool) (HeadlessSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, factoryCall{proxyURL: proxyURL, paid: paid})
	return f.source, nil
}

func (f *recordingFactory) snapshot() []factoryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]factoryCall(nil), f.calls...)
}

type staticValidator struct {
	healthy []string
}

func (v staticValidator) Validate(context.Context, []string) []string {
	return v.healthy
}

type countingValidator struct {
	calls atomic.Int32
}

func (v *countingValidator) Validate(_ context.Context, urls []string) []string {
	v.calls.Add(1)
	return urls
}

func jobs(source string, from, to int) []listing.RawJobListing {
	out := make([]listing.RawJobListing, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, listing.RawJobListing{
			Title:   fmt.Sprintf("Engineer %d", i),
			Company: "Acme",
			URL:     fmt.Sprintf("https://%s.example.com/jobs/%d", source, i),
			Source:  source,
		})
	}
	return out
}

type harness struct {
	store     *memory.ListingStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	queue     *persist.Queue
}

func newHarness(t *testing.T, concurrency int) (*harness, Deps) {
	t.Helper()
	h := &harness{
		store:     memory.NewListingStore(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		queue:     persist.New(concurrency, persist.WithLogger(zap.NewNop())),
	}
	archiver, err := storage.NewArchiver(h.blobs, sha256.New(), "")
	require.NoError(t, err)
	return h, Deps{
		Store:     h.store,
		Archiver:  archiver,
		Publisher: h.publisher,
		Persist:   h.queue,
	}
}
