package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// RunStore keeps run metadata in memory for development and tests.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]listing.Run
	now  func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]listing.Run),
		now:  time.Now,
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run listing.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun moves a run to status and stamps the start/finish times.
func (s *RunStore) UpdateRun(
	_ context.Context,
	runID string,
	status listing.RunStatus,
	errText string,
	summary *listing.Summary,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, listing.ErrRunNotFound)
	}
	run.Status = status
	run.ErrorText = errText
	if summary != nil {
		copied := *summary
		run.Summary = &copied
	}
	now := s.now().UTC()
	if status == listing.RunStatusRunning && run.Started == nil {
		run.Started = &now
	}
	if isTerminal(status) {
		run.Finished = &now
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (listing.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return listing.Run{}, fmt.Errorf("get run %s: %w", runID, listing.ErrRunNotFound)
	}
	return run, nil
}

func isTerminal(status listing.RunStatus) bool {
	switch status {
	case listing.RunStatusSucceeded, listing.RunStatusFailed, listing.RunStatusCanceled:
		return true
	default:
		return false
	}
}
