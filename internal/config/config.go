// Package config loads and validates jobstream configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apifetcher "github.com/JakeFAU/jobstream/internal/fetcher/api"
	collyfetcher "github.com/JakeFAU/jobstream/internal/fetcher/colly"
	"github.com/JakeFAU/jobstream/internal/headless/detector"
	"github.com/JakeFAU/jobstream/internal/persist"
	"github.com/JakeFAU/jobstream/internal/proxy"
	"github.com/JakeFAU/jobstream/internal/storage/gcs"
	"github.com/JakeFAU/jobstream/internal/storage/local"
	"github.com/JakeFAU/jobstream/internal/storage/postgres"
)

// EnvPrefix namespaces environment overrides, e.g. JOBSTREAM_PERSIST_CONCURRENCY.
const EnvPrefix = "JOBSTREAM"

// Storage and ledger backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Runner    RunnerConfig        `mapstructure:"runner"`
	Dedup     DedupConfig         `mapstructure:"dedup"`
	Persist   PersistConfig       `mapstructure:"persist"`
	Headless  HeadlessConfig      `mapstructure:"headless"`
	Proxy     ProxyConfig         `mapstructure:"proxy"`
	Budget    BudgetConfig        `mapstructure:"budget"`
	Feed      FeedConfig          `mapstructure:"feed"`
	Feeds     []collyfetcher.Feed `mapstructure:"feeds"`
	APIs      []apifetcher.Config `mapstructure:"apis"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Database  postgres.Config     `mapstructure:"database"`
	Archive   ArchiveConfig       `mapstructure:"archive"`
	PubSub    PubSubConfig        `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunnerConfig sizes the run queue and worker pool.
type RunnerConfig struct {
	Workers                int `mapstructure:"workers"`
	QueueDepth             int `mapstructure:"queue_depth"`
	SourceTimeoutSeconds   int `mapstructure:"source_timeout_seconds"`
	HeadlessTimeoutSeconds int `mapstructure:"headless_timeout_seconds"`
}

// DedupConfig controls cross-run dedup.
type DedupConfig struct {
	// SeedLimit is how many recently stored listings seed each run's fingerprint set. 0 disables seeding.
	SeedLimit int `mapstructure:"seed_limit"`
}

// PersistConfig bounds the persistence queue.
type PersistConfig struct {
	Concurrency int `mapstructure:"-"`
}

// HeadlessConfig configures the headless tier.
type HeadlessConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	SkipThreshold     int      `mapstructure:"-"`
	RequireProxy      bool     `mapstructure:"require_proxy"`
	MaxParallel       int      `mapstructure:"max_parallel"`
	NavTimeoutSeconds int      `mapstructure:"nav_timeout_seconds"`
	UserAgent         string   `mapstructure:"user_agent"`
	StartURLs         []string `mapstructure:"start_urls"`
}

// ProxyConfig lists the proxy pool and how it is probed.
type ProxyConfig struct {
	URLs           []string `mapstructure:"-"`
	Target         string   `mapstructure:"target"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// BudgetConfig configures the LLM spend ledger.
type BudgetConfig struct {
	DailyUSD float64            `mapstructure:"-"`
	Provider string             `mapstructure:"provider"`
	Backend  string             `mapstructure:"backend"`
	File     string             `mapstructure:"file"`
	LockFile bool               `mapstructure:"lock_file"`
	Prices   map[string]float64 `mapstructure:"prices"`
}

// FeedConfig holds collector settings shared by every feed.
type FeedConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig configures per-host request pacing for the API and headless tiers.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	HostRPS      map[string]float64 `mapstructure:"host_rps"`
}

// StorageConfig picks the listing and run store.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ArchiveConfig picks where raw listings are archived.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// PubSubConfig holds metadata for new-listing notifications. A topic without a project publishes to
// an in-memory sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	applySanitized(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("runner.workers", 2)
	v.SetDefault("runner.queue_depth", 64)
	v.SetDefault("runner.source_timeout_seconds", 120)
	v.SetDefault("runner.headless_timeout_seconds", 300)
	v.SetDefault("dedup.seed_limit", 500)
	v.SetDefault("persist.concurrency", persist.DefaultConcurrency)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.skip_threshold", detector.DefaultSkipThreshold)
	v.SetDefault("headless.require_proxy", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.user_agent", "jobstream/0.1")
	v.SetDefault("proxy.urls", "")
	v.SetDefault("proxy.target", proxy.DefaultTarget)
	v.SetDefault("proxy.timeout_seconds", int(proxy.DefaultTimeout/time.Second))
	v.SetDefault("budget.daily_usd", 0)
	v.SetDefault("budget.provider", "openai")
	v.SetDefault("budget.backend", BackendFile)
	v.SetDefault("budget.file", "llm-budget.json")
	v.SetDefault("budget.lock_file", false)
	v.SetDefault("feed.user_agent", "jobstream/0.1")
	v.SetDefault("feed.timeout_seconds", int(collyfetcher.DefaultTimeout/time.Second))
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "jobstream.db")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "listings")
}

// applySanitized reads the core tuning knobs as raw values so a malformed override falls back to its
// default instead of failing the load.
func applySanitized(v *viper.Viper, cfg *Config) {
	cfg.Persist.Concurrency = SanitizeConcurrency(v.GetString("persist.concurrency"))
	cfg.Budget.DailyUSD = SanitizeDailyLimit(v.GetString("budget.daily_usd"))
	cfg.Proxy.URLs = SanitizeProxyURLs(v.Get("proxy.urls"))
	cfg.Headless.SkipThreshold = detector.ParseThreshold(v.GetString("headless.skip_threshold"))
}

// SanitizeConcurrency parses a positive integer, falling back to persist.DefaultConcurrency.
func SanitizeConcurrency(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return persist.DefaultConcurrency
	}
	return n
}

// SanitizeDailyLimit parses a USD ceiling. Anything unparsable, non-finite or non-positive means
// unlimited (0).
func SanitizeDailyLimit(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	return f
}

// SanitizeProxyURLs accepts a comma separated string or a list and returns the trimmed, non-empty
// entries.
func SanitizeProxyURLs(raw any) []string {
	switch val := raw.(type) {
	case string:
		return proxy.ParseProxyList(val)
	case []string:
		return proxy.ParseProxyList(strings.Join(val, ","))
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return proxy.ParseProxyList(strings.Join(parts, ","))
	default:
		return nil
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Runner.Workers <= 0 {
		return errors.New("runner.workers must be > 0")
	}
	if c.Runner.QueueDepth <= 0 {
		return errors.New("runner.queue_depth must be > 0")
	}
	if c.Dedup.SeedLimit < 0 {
		return errors.New("dedup.seed_limit must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.RequireProxy && c.Headless.Enabled && len(c.Proxy.URLs) == 0 {
		return errors.New("proxy.urls must be set when headless.require_proxy is enabled")
	}
	if strings.TrimSpace(c.Budget.Provider) == "" {
		return errors.New("budget.provider must be set")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres", c.Storage.Backend)
	}
	switch c.Budget.Backend {
	case BackendMemory, BackendPostgres:
	case BackendFile:
		if c.Budget.File == "" {
			return errors.New("budget.file must be set for the file backend")
		}
	default:
		return fmt.Errorf("budget.backend %q is not one of memory, file, postgres", c.Budget.Backend)
	}
	if c.UsesPostgres() && c.Database.DSN == "" {
		return errors.New("database.dsn must be set when a postgres backend is selected")
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory, "":
	case BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			return errors.New("archive.local.base_dir must be set for the local archive")
		}
	case BackendGCS:
		if c.Archive.GCS.Bucket == "" {
			return errors.New("archive.gcs.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return errors.New("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	for i, feed := range c.Feeds {
		if strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("feeds[%d].url must be set", i)
		}
	}
	for i, api := range c.APIs {
		if strings.TrimSpace(api.URL) == "" {
			return fmt.Errorf("apis[%d].url must be set", i)
		}
	}
	return nil
}

// UsesPostgres reports whether any backend needs the shared pool.
func (c Config) UsesPostgres() bool {
	return c.Storage.Backend == BackendPostgres || c.Budget.Backend == BackendPostgres
}

// RequestTimeout returns the HTTP handler timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// SourceTimeout bounds each cheap-tier source.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Runner.SourceTimeoutSeconds) * time.Second
}

// HeadlessTimeout bounds the whole headless tier of a run.
func (c Config) HeadlessTimeout() time.Duration {
	return time.Duration(c.Runner.HeadlessTimeoutSeconds) * time.Second
}
