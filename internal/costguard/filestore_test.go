package costguard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTripUsesLedgerKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "budget.json")
	store := NewFileStore(path)

	state, err := store.Load(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, BudgetState{}, state)

	want := BudgetState{Date: "2026-01-02", TotalTokens: 42, EstimatedCostUSD: 0.5, Provider: "openai"}
	require.NoError(t, store.Save(ctx, want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.ElementsMatch(t, []string{"date", "totalTokens", "estimatedCostUSD", "provider"}, keys(fields))

	got, err := store.Load(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "budget.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load(context.Background(), "openai")
	require.ErrorIs(t, err, ErrCorruptState)

	g := New(NewFileStore(path), Config{DailyLimitUSD: 1}, WithClock(func() time.Time {
		return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	}))
	state, err := g.RecordTokenUsage(context.Background(), "openai", 100)
	require.NoError(t, err)
	require.EqualValues(t, 100, state.TotalTokens)
}

func TestFileStore_LockIsOptIn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	unlocked := NewFileStore(filepath.Join(dir, "a.json"))
	release, err := unlocked.Lock(ctx)
	require.NoError(t, err)
	release()
	_, statErr := os.Stat(filepath.Join(dir, "a.json.lock"))
	require.ErrorIs(t, statErr, os.ErrNotExist)

	locked := NewFileStore(filepath.Join(dir, "b.json"), WithFileLock())
	release, err = locked.Lock(ctx)
	require.NoError(t, err)
	release()
	_, statErr = os.Stat(filepath.Join(dir, "b.json.lock"))
	require.NoError(t, statErr)
}

func TestFileStore_LockedGuardRecords(t *testing.T) {
	t.Parallel()

	store := NewFileStore(filepath.Join(t.TempDir(), "ledger.json"), WithFileLock())
	g := New(store, Config{})
	for i := 0; i < 3; i++ {
		_, err := g.RecordTokenUsage(context.Background(), "openai", 10)
		require.NoError(t, err)
	}
	require.EqualValues(t, 30, g.GetDailySpend(context.Background(), "openai").Tokens)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
