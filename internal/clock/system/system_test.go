package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock drifted: %v", got)
}

func TestFixedNormalisesToUTC(t *testing.T) {
	t.Parallel()

	zone := time.FixedZone("UTC-5", -5*60*60)
	clk := Fixed{At: time.Date(2025, 1, 1, 21, 30, 0, 0, zone)}
	require.Equal(t, "2025-01-02", clk.Now().Format(time.DateOnly))
	require.Equal(t, clk.Now(), clk.Now())
}
