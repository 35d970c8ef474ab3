package listing

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrRunNotFound is returned by RunStore implementations for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrQueueClosed is returned by a Queue that has been shut down and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// Source produces raw listings for a query. Adapters own the markup; the core only sees listings.
type Source interface {
	Name() string
	Tier() Tier
	Fetch(ctx context.Context, query Query) ([]RawJobListing, error)
}

// Store persists unique listing records and exposes recent history for cross-run dedup.
type Store interface {
	SaveListing(ctx context.Context, record Record) (bool, error)
	Recent(ctx context.Context, limit int) ([]RawJobListing, error)
}

// RunStore tracks run metadata for the API.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, errText string, summary *Summary) error
	GetRun(ctx context.Context, runID string) (Run, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes new-listing notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	Query     Query
	Submitted int64
}

// Queue provides enqueue/dequeue semantics for run requests.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
