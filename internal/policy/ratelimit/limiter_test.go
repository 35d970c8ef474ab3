package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://feeds.example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://FEEDS.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Other hosts have their own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.example.org/jobs"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestLimiter_HostOverrideAndUnlimitedDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: map[string]float64{"Slow.Example": 1}})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(ctx, "https://fast.example/x"))
	}

	require.NoError(t, l.Wait(ctx, "https://slow.example/x"))
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(waitCtx, "https://slow.example/y"))
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), "https://x.example"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", HostOf("https://Example.com:8443/path"))
	require.Equal(t, "unknown", HostOf("not a url"))
	require.Equal(t, "unknown", HostOf("%"))
}
