// Package metrics exposes Prometheus collectors for the jobstream service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dedupLookupsTotal          prometheus.Counter
	dedupDuplicatesTotal       prometheus.Counter
	persistActive              prometheus.Gauge
	persistQueued              prometheus.Gauge
	persistTasksTotal          *prometheus.CounterVec
	headlessDecisionsTotal     *prometheus.CounterVec
	proxyProbesTotal           *prometheus.CounterVec
	blockedRequestsTotal       *prometheus.CounterVec
	llmSpendUSD                *prometheus.GaugeVec
	llmTokensTotal             *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	sourceListingsTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dedupLookupsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobstream_dedup_lookups_total",
			Help: "Total fingerprint lookups performed by dedup passes.",
		})
		dedupDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobstream_dedup_duplicates_total",
			Help: "Total listings dropped as duplicates.",
		})
		persistActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobstream_persist_active_tasks",
			Help: "Persistence tasks currently in flight.",
		})
		persistQueued = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobstream_persist_queued_tasks",
			Help: "Persistence tasks waiting for a slot.",
		})
		persistTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_persist_tasks_total",
			Help: "Settled persistence tasks, labeled by outcome.",
		}, []string{"outcome"})
		headlessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_headless_decisions_total",
			Help: "Tier-escalation verdicts, labeled by outcome.",
		}, []string{"outcome"})
		proxyProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_proxy_probes_total",
			Help: "Proxy health probes, labeled by outcome.",
		}, []string{"outcome"})
		blockedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_blocked_requests_total",
			Help: "Sub-resource requests blocked during page loads, labeled by reason.",
		}, []string{"reason"})
		llmSpendUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobstream_llm_spend_usd",
			Help: "Estimated LLM spend for the current day, labeled by provider.",
		}, []string{"provider"})
		llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_llm_tokens_total",
			Help: "LLM tokens recorded against the ledger, labeled by provider.",
		}, []string{"provider"})
		runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_runs_total",
			Help: "Query runs processed, labeled by final status.",
		}, []string{"status"})
		sourceListingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobstream_source_listings_total",
			Help: "Raw listings returned by sources, labeled by source and tier.",
		}, []string{"source", "tier"})
		rateLimitDelaysSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobstream_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"})
		robotsFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobstream_robots_fallback_total",
			Help: "robots.txt probes that timed out and fell back to allow-all.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveDedup records one dedup pass.
func ObserveDedup(lookups, duplicates int) {
	Init()
	dedupLookupsTotal.Add(float64(lookups))
	dedupDuplicatesTotal.Add(float64(duplicates))
}

// SetPersistDepth publishes the persistence queue's current occupancy.
func SetPersistDepth(active, queued int) {
	Init()
	persistActive.Set(float64(active))
	persistQueued.Set(float64(queued))
}

// ObservePersistTask counts a settled persistence task ("ok" or "failed").
func ObservePersistTask(outcome string) {
	Init()
	persistTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeadlessDecision counts an escalation verdict.
func ObserveHeadlessDecision(outcome string) {
	Init()
	headlessDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProxyProbe counts a proxy probe outcome.
func ObserveProxyProbe(outcome string) {
	Init()
	proxyProbesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBlockedRequest counts a sub-resource request the filter refused.
func ObserveBlockedRequest(reason string) {
	Init()
	blockedRequestsTotal.WithLabelValues(reason).Inc()
}

// ObserveLLMUsage records ledger updates for a provider.
func ObserveLLMUsage(provider string, tokens int64, dailySpendUSD float64) {
	Init()
	llmTokensTotal.WithLabelValues(provider).Add(float64(tokens))
	llmSpendUSD.WithLabelValues(provider).Set(dailySpendUSD)
}

// ObserveRun increments the run counter for the given status.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveSourceListings counts listings a source returned.
func ObserveSourceListings(source, tier string, n int) {
	Init()
	sourceListingsTotal.WithLabelValues(source, tier).Add(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that gave up after handshake timeouts.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
