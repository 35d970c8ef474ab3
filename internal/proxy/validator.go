// Package proxy filters a configured proxy pool down to the endpoints that currently work.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobstream/internal/metrics"
)

const (
	// DefaultTarget is the "what is my IP" endpoint probed through each proxy.
	DefaultTarget = "https://api.ipify.org?format=json"
	// DefaultTimeout bounds a single probe. Probes are never retried.
	DefaultTimeout = 5 * time.Second
)

// Option customizes a Validator.
type Option func(*Validator)

// WithTarget overrides the probe URL.
func WithTarget(target string) Option {
	return func(v *Validator) {
		if target != "" {
			v.target = target
		}
	}
}

// WithTimeout overrides the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger sets the logger used to report unhealthy proxies.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Validator probes proxies concurrently.
type Validator struct {
	target  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewValidator creates a Validator with the default target and timeout.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		target:  DefaultTarget,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.Named("proxy")
	return v
}

// Validate probes every proxy once and returns the healthy ones in input order. It waits for every
// probe to finish; one failure never cancels another. proxyURLs is not modified.
func (v *Validator) Validate(ctx context.Context, proxyURLs []string) []string {
	if len(proxyURLs) == 0 {
		return nil
	}
	healthy := make([]bool, len(proxyURLs))

	var g errgroup.Group
	for i, raw := range proxyURLs {
		g.Go(func() error {
			err := v.probe(ctx, raw)
			if err != nil {
				v.logger.Warn("proxy unhealthy", zap.String("proxy", redact(raw)), zap.Error(err))
				return nil
			}
			healthy[i] = true
			metrics.ObserveProxyProbe("healthy")
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(proxyURLs))
	for i, ok := range healthy {
		if ok {
			out = append(out, proxyURLs[i])
		}
	}
	v.logger.Info("proxy validation finished",
		zap.Int("configured", len(proxyURLs)),
		zap.Int("healthy", len(out)),
	)
	return out
}

var errBadStatus = errors.New("unexpected probe status")

func (v *Validator) probe(ctx context.Context, raw string) error {
	proxyURL, err := parseProxyURL(raw)
	if err != nil {
		metrics.ObserveProxyProbe("invalid")
		return err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: v.timeout,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: v.timeout}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.target, nil)
	if err != nil {
		metrics.ObserveProxyProbe("invalid")
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.ObserveProxyProbe("error")
		return fmt.Errorf("probe via proxy: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		metrics.ObserveProxyProbe("bad_status")
		return fmt.Errorf("%w: %d", errBadStatus, resp.StatusCode)
	}
	return nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("proxy url has no host")
	}
	return u, nil
}

// redact strips credentials before a proxy URL reaches the logs.
func redact(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}

// ParseProxyList splits a comma-separated proxy setting, dropping blanks.
func ParseProxyList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
