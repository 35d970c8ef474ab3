// Package costguard keeps a per-day, per-provider ledger of LLM token usage and decides whether paid
// extraction may continue.
//
// The ledger is read, modified and written back without any cross-process transaction. Two processes
// sharing one ledger can lose each other's updates; FileStore offers an advisory lock that closes this
// race only when explicitly enabled.
package costguard

import (
	"context"
	"errors"
	"sync"
)

// DateLayout is the ledger's calendar-day format.
const DateLayout = "2006-01-02"

// ErrCorruptState marks stored state that could not be decoded.
var ErrCorruptState = errors.New("corrupt budget state")

// BudgetState is the persisted ledger record for one (day, provider).
type BudgetState struct {
	Date             string  `json:"date"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUSD"`
	Provider         string  `json:"provider"`
}

// StateStore loads and saves ledger state. Load may return the state of another day or provider;
// the Guard treats such state as stale.
type StateStore interface {
	Load(ctx context.Context, provider string) (BudgetState, error)
	Save(ctx context.Context, state BudgetState) error
}

// Locker is implemented by stores that can hold a lock across a read-modify-write.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MemoryStore keeps one state per provider in memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]BudgetState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]BudgetState)}
}

// Load returns the stored state for provider, or a zero state.
func (m *MemoryStore) Load(_ context.Context, provider string) (BudgetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[normalizeProvider(provider)], nil
}

// Save replaces the state for state.Provider.
func (m *MemoryStore) Save(_ context.Context, state BudgetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[normalizeProvider(state.Provider)] = state
	return nil
}
