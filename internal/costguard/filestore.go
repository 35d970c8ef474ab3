package costguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore holds the state of the most recently active (day, provider) in one JSON file, rewritten
// wholesale through a temp file and rename.
type FileStore struct {
	path string
	lock *flock.Flock
}

// FileOption customizes a FileStore.
type FileOption func(*FileStore)

// WithFileLock enables an advisory lock on "<path>.lock" held across each read-modify-write.
func WithFileLock() FileOption {
	return func(f *FileStore) {
		f.lock = flock.New(f.path + ".lock")
	}
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string, opts ...FileOption) *FileStore {
	f := &FileStore{path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the ledger file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the ledger. A missing file yields a zero state; undecodable content yields ErrCorruptState.
func (f *FileStore) Load(_ context.Context, _ string) (BudgetState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return BudgetState{}, nil
	}
	if err != nil {
		return BudgetState{}, fmt.Errorf("read ledger %s: %w", f.path, err)
	}
	var state BudgetState
	if err := json.Unmarshal(data, &state); err != nil {
		return BudgetState{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, f.path, err)
	}
	return state, nil
}

// Save rewrites the ledger atomically with respect to readers.
func (f *FileStore) Save(_ context.Context, state BudgetState) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

// Lock acquires the advisory lock when enabled and is a no-op otherwise.
func (f *FileStore) Lock(ctx context.Context) (func(), error) {
	if f.lock == nil {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	ok, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock ledger %s: not acquired", f.lock.Path())
	}
	return func() { _ = f.lock.Unlock() }, nil
}
