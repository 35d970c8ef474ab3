package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	first := dedupLookupsTotal
	Init()
	require.Same(t, first, dedupLookupsTotal)
}

func TestObserversRecord(t *testing.T) {
	ObserveBlockedRequest("tracker-test")
	ObserveBlockedRequest("tracker-test")
	require.InDelta(t, 2, testutil.ToFloat64(blockedRequestsTotal.WithLabelValues("tracker-test")), 1e-9)

	ObserveLLMUsage("metrics-test", 1000, 0.25)
	require.InDelta(t, 0.25, testutil.ToFloat64(llmSpendUSD.WithLabelValues("metrics-test")), 1e-9)
	require.InDelta(t, 1000, testutil.ToFloat64(llmTokensTotal.WithLabelValues("metrics-test")), 1e-9)

	SetPersistDepth(3, 7)
	require.InDelta(t, 3, testutil.ToFloat64(persistActive), 1e-9)
	require.InDelta(t, 7, testutil.ToFloat64(persistQueued), 1e-9)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
