// Package headless renders job pages in headless Chrome. It is the most expensive collection tier and
// only runs when the escalation decision asks for it.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/policy/ratelimit"
	"github.com/JakeFAU/jobstream/internal/resourcefilter"
)

const defaultNavigationTimeout = 45 * time.Second

// ErrNotConfigured means the headless tier is enabled but has no extractor or start URLs.
var ErrNotConfigured = errors.New("headless tier not configured")

// Extractor turns a rendered page into listings. Site adapters implement it.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, html string) ([]listing.RawJobListing, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, pageURL string, html string) ([]listing.RawJobListing, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, pageURL string, html string) ([]listing.RawJobListing, error) {
	return f(ctx, pageURL, html)
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	Name              string
	StartURLs         []string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ProxyURL routes the browser through a proxy; empty means direct.
	ProxyURL string
	// UsingPaidProxy turns on heavyweight-resource blocking.
	UsingPaidProxy bool
}

// Fetcher implements listing.Source using chromedp.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	extractor   Extractor
	filter      *resourcefilter.Installer
	hostLimiter *ratelimit.Limiter
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher. Chrome is started lazily on the first page.
func NewChromedp(cfg Config, extractor Extractor, hostLimiter *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if extractor == nil {
		return nil, errors.New("headless fetcher requires an extractor")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "headless"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyURL != "" {
		server, err := proxyServerFlag(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chromedp.ProxyServer(server))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		extractor:   extractor,
		filter:      resourcefilter.NewInstaller(cfg.UsingPaidProxy, logger),
		hostLimiter: hostLimiter,
		logger:      logger.Named("headless").With(zap.Bool("proxied", cfg.ProxyURL != "")),
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Name returns the source name.
func (f *Fetcher) Name() string {
	return f.cfg.Name
}

// Tier reports the headless tier.
func (f *Fetcher) Tier() listing.Tier {
	return listing.TierHeadless
}

// Fetch renders every start URL for query and returns the extracted listings in start-URL order.
// A page that fails is logged and contributes nothing.
func (f *Fetcher) Fetch(ctx context.Context, query listing.Query) ([]listing.RawJobListing, error) {
	pages := expandStartURLs(f.cfg.StartURLs, query)
	if len(pages) == 0 {
		return nil, nil
	}
	results := make([][]listing.RawJobListing, len(pages))

	var wg sync.WaitGroup
	for i, pageURL := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := f.collectPage(ctx, pageURL)
			if err != nil {
				f.logger.Warn("headless page failed", zap.String("url", pageURL), zap.Error(err))
				return
			}
			results[i] = jobs
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("headless fetch canceled: %w", err)
	}

	var out []listing.RawJobListing
	for _, jobs := range results {
		out = append(out, jobs...)
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (f *Fetcher) collectPage(ctx context.Context, pageURL string) ([]listing.RawJobListing, error) {
	if err := f.hostLimiter.Wait(ctx, pageURL); err != nil {
		return nil, err
	}
	html, finalURL, err := f.Render(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	jobs, err := f.extractor.Extract(ctx, finalURL, html)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", finalURL, err)
	}
	for i := range jobs {
		if jobs[i].Source == "" {
			jobs[i].Source = f.cfg.Name
		}
		jobs[i].SourceTier = listing.TierHeadless
	}
	return jobs, nil
}

// Render loads pageURL in a fresh tab with the resource filter installed and returns the rendered
// DOM and the final URL.
func (f *Fetcher) Render(ctx context.Context, pageURL string) (string, string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", "", err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	if _, err := f.filter.Install(tabCtx); err != nil {
		return "", "", fmt.Errorf("install resource filter: %w", err)
	}

	meta := &documentMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var html, finalURL string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	if status := meta.status(); status >= http.StatusBadRequest {
		return "", "", fmt.Errorf("document status %d for %s", status, pageURL)
	}
	if finalURL == "" {
		finalURL = pageURL
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// documentMeta remembers the status of the top-level document response.
type documentMeta struct {
	mu   sync.Mutex
	code int
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// proxyServerFlag converts a proxy URL into Chrome's --proxy-server value. Credentials are not
// supported by the flag and are rejected.
func proxyServerFlag(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid proxy url %q", raw)
	}
	if u.User != nil {
		return "", errors.New("chrome --proxy-server does not accept credentials; use an IP-allowlisted proxy")
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + u.Host, nil
}

func expandStartURLs(templates []string, query listing.Query) []string {
	r := strings.NewReplacer(
		"{keywords}", url.QueryEscape(strings.TrimSpace(query.Keywords)),
		"{location}", url.QueryEscape(strings.TrimSpace(query.Location)),
	)
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		if tpl = strings.TrimSpace(tpl); tpl != "" {
			out = append(out, r.Replace(tpl))
		}
	}
	return out
}
