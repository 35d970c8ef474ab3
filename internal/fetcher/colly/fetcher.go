// Package collyfetcher reads RSS 2.0 job feeds with gocolly. It is the cheapest collection tier.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 20 * time.Second

// Feed describes one RSS endpoint. URL may contain {keywords} and {location} placeholders, which
// are replaced with query-escaped values.
type Feed struct {
	Name          string `mapstructure:"name"`
	URL           string `mapstructure:"url"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// Config controls collector behavior shared by all feeds.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Source implements listing.Source over one feed.
type Source struct {
	feed          Feed
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnXML(string, colly.XMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a feed Source.
func New(feed Feed, cfg Config, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if feed.Name == "" {
		feed.Name = hostName(feed.URL)
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Source{
		feed:          feed,
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger.Named("feed").With(zap.String("feed", feed.Name)),
	}
}

// Name returns the feed's source name.
func (s *Source) Name() string {
	return s.feed.Name
}

// Tier reports the RSS tier.
func (s *Source) Tier() listing.Tier {
	return listing.TierRSS
}

// FeedURL expands the feed template for query.
func (s *Source) FeedURL(query listing.Query) string {
	return strings.NewReplacer(
		"{keywords}", url.QueryEscape(strings.TrimSpace(query.Keywords)),
		"{location}", url.QueryEscape(strings.TrimSpace(query.Location)),
	).Replace(s.feed.URL)
}

// Fetch downloads the feed and converts every <item> into a listing, in document order.
func (s *Source) Fetch(ctx context.Context, query listing.Query) ([]listing.RawJobListing, error) {
	var (
		mu       sync.Mutex
		items    []listing.RawJobListing
		fetchErr error
	)
	collector, robotsState := s.buildCollector(ctx)
	s.configureCollectorHooks(collector, func(job listing.RawJobListing) {
		mu.Lock()
		items = append(items, job)
		mu.Unlock()
	}, &fetchErr)

	if err := runCollector(ctx, collector, s.FeedURL(query), &fetchErr); err != nil {
		return nil, err
	}
	if robotsState != nil {
		if status, reason := robotsState.snapshot(); status != RobotsStatusUnknown {
			s.logger.Warn("robots.txt unresolved, feed fetched anyway",
				zap.String("robots_status", string(status)), zap.String("reason", reason))
		}
	}
	if query.Limit > 0 && len(items) > query.Limit {
		items = items[:query.Limit]
	}
	return items, nil
}

func (s *Source) buildCollector(ctx context.Context) (*colly.Collector, *robotsProbeState) {
	collector := s.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.feed.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)

	var robotsState *robotsProbeState
	if s.feed.RespectRobots {
		robotsState = newRobotsProbeState()
		collector.WithTransport(&robotsAwareTransport{base: s.transport, state: robotsState})
	} else {
		collector.WithTransport(s.transport)
	}
	return collector, robotsState
}

func (s *Source) configureCollectorHooks(hooks collectorHooks, emit func(listing.RawJobListing), fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		r.Headers.Set("Accept", "application/rss+xml, application/xml;q=0.9, text/xml;q=0.8")
	})

	hooks.OnXML("//item", func(e *colly.XMLElement) {
		if job, ok := s.itemToListing(e); ok {
			emit(job)
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (s *Source) itemToListing(e *colly.XMLElement) (listing.RawJobListing, bool) {
	title := cleanText(e.ChildText("title"))
	link := strings.TrimSpace(e.ChildText("link"))
	guid := strings.TrimSpace(e.ChildText("guid"))
	if link == "" && strings.Contains(guid, "://") {
		link = guid
	}
	if title == "" && link == "" {
		return listing.RawJobListing{}, false
	}

	job := listing.RawJobListing{
		Title:       title,
		Company:     cleanText(firstNonEmpty(e.ChildText("*[local-name()='company']"), e.ChildText("*[local-name()='creator']"), e.ChildText("author"))),
		Location:    cleanText(e.ChildText("*[local-name()='location']")),
		Description: FlattenHTML(e.ChildText("description")),
		URL:         link,
		PostedDate:  parsePubDate(e.ChildText("pubDate")),
		Source:      s.feed.Name,
		SourceTier:  listing.TierRSS,
	}
	if guid != "" && !strings.Contains(guid, "://") {
		job.PlatformJobID = guid
	}
	return job, true
}

func runCollector(ctx context.Context, collector *colly.Collector, feedURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(feedURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("feed fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("feed visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("feed response failed: %w", *fetchErr)
		}
		return nil
	}
}

// FlattenHTML renders an HTML fragment as whitespace-normalized text.
func FlattenHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return cleanText(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return cleanText(fragment)
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, li, div, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		sel.AfterHtml(" ")
	})
	return cleanText(doc.Text())
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	"2006-01-02",
}

func parsePubDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func hostName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "feed"
	}
	return u.Hostname()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
