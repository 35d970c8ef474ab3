// Package apifetcher reads job listings from JSON-over-HTTP endpoints described by a field mapping.
package apifetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/jobstream/internal/fetcher/colly"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/policy/ratelimit"
)

const (
	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 8 << 20
)

// FieldMap names the JSON keys of one item. Dotted keys reach into nested objects.
type FieldMap struct {
	Title       string `mapstructure:"title"`
	Company     string `mapstructure:"company"`
	Location    string `mapstructure:"location"`
	Description string `mapstructure:"description"`
	URL         string `mapstructure:"url"`
	ID          string `mapstructure:"id"`
	Posted      string `mapstructure:"posted"`
}

func (m FieldMap) withDefaults() FieldMap {
	def := func(v, d string) string {
		if strings.TrimSpace(v) == "" {
			return d
		}
		return v
	}
	return FieldMap{
		Title:       def(m.Title, "title"),
		Company:     def(m.Company, "company"),
		Location:    def(m.Location, "location"),
		Description: def(m.Description, "description"),
		URL:         def(m.URL, "url"),
		ID:          def(m.ID, "id"),
		Posted:      def(m.Posted, "posted_at"),
	}
}

// Config describes one endpoint.
type Config struct {
	Name string `mapstructure:"name"`
	// URL may contain {keywords} and {location} placeholders.
	URL string `mapstructure:"url"`
	// ItemsPath is the dotted path to the item array; empty means the body itself is the array.
	ItemsPath string            `mapstructure:"items_path"`
	Fields    FieldMap          `mapstructure:"fields"`
	Headers   map[string]string `mapstructure:"headers"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// Source implements listing.Source for one JSON endpoint.
type Source struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New creates a Source. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = ratelimit.HostOf(cfg.URL)
	}
	cfg.Fields = cfg.Fields.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.Named("api").With(zap.String("source", cfg.Name)),
	}
}

// Name returns the source name.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Tier reports the API tier.
func (s *Source) Tier() listing.Tier {
	return listing.TierAPI
}

// Fetch calls the endpoint once and maps every item that has a title or URL.
func (s *Source) Fetch(ctx context.Context, query listing.Query) ([]listing.RawJobListing, error) {
	endpoint := strings.NewReplacer(
		"{keywords}", url.QueryEscape(strings.TrimSpace(query.Keywords)),
		"{location}", url.QueryEscape(strings.TrimSpace(query.Location)),
	).Replace(s.cfg.URL)

	if err := s.limiter.Wait(ctx, endpoint); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", s.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("call %s: unexpected status %d", s.cfg.Name, resp.StatusCode)
	}

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", s.cfg.Name, err)
	}
	items, err := itemsAt(body, s.cfg.ItemsPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}

	out := make([]listing.RawJobListing, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		job := s.toListing(obj)
		if job.Title == "" && job.URL == "" {
			continue
		}
		out = append(out, job)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (s *Source) toListing(obj map[string]any) listing.RawJobListing {
	f := s.cfg.Fields
	return listing.RawJobListing{
		Title:         collyfetcher.FlattenHTML(stringAt(obj, f.Title)),
		Company:       collyfetcher.FlattenHTML(stringAt(obj, f.Company)),
		Location:      collyfetcher.FlattenHTML(stringAt(obj, f.Location)),
		Description:   collyfetcher.FlattenHTML(stringAt(obj, f.Description)),
		URL:           strings.TrimSpace(stringAt(obj, f.URL)),
		PlatformJobID: strings.TrimSpace(stringAt(obj, f.ID)),
		PostedDate:    parsePosted(lookup(obj, f.Posted)),
		Source:        s.cfg.Name,
		SourceTier:    listing.TierAPI,
	}
}

var errNotArray = errors.New("items path does not resolve to an array")

func itemsAt(body any, path string) ([]any, error) {
	node := body
	if path != "" {
		obj, ok := body.(map[string]any)
		if !ok {
			return nil, errNotArray
		}
		node = lookup(obj, path)
	}
	items, ok := node.([]any)
	if !ok {
		return nil, errNotArray
	}
	return items, nil
}

func lookup(obj map[string]any, path string) any {
	var node any = obj
	for _, key := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[key]
	}
	return node
}

func stringAt(obj map[string]any, path string) string {
	switch v := lookup(obj, path).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func parsePosted(v any) *time.Time {
	var t time.Time
	switch raw := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			parsed, err = time.Parse("2006-01-02", strings.TrimSpace(raw))
			if err != nil {
				return nil
			}
		}
		t = parsed
	case float64:
		if raw <= 0 {
			return nil
		}
		t = time.Unix(int64(raw), 0)
	default:
		return nil
	}
	t = t.UTC()
	return &t
}
