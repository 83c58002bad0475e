// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

// Backends accepted by the dedup and storage sections.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig             `mapstructure:"crawler"`
	Search    SearchConfig              `mapstructure:"search"`
	Profile   ProfileConfig             `mapstructure:"profile"`
	Headless  HeadlessConfig            `mapstructure:"headless"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Dedup     DedupConfig               `mapstructure:"dedup"`
	Batch     BatchConfig               `mapstructure:"batch"`
	Storage   StorageConfig             `mapstructure:"storage"`
	DB        DBConfig                  `mapstructure:"db"`
	PubSub    PubSubConfig              `mapstructure:"pubsub"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Tiers     map[string]crawler.Limits `mapstructure:"tiers"`
}

// CrawlerConfig governs the worker pool and per-task retries.
type CrawlerConfig struct {
	Workers       int           `mapstructure:"workers"`
	RetryCount    int           `mapstructure:"retry_count"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	HostRPS       float64       `mapstructure:"host_rps"`
	HostBurst     int           `mapstructure:"host_burst"`
	Tier          string        `mapstructure:"tier"`
	MetricsPrefix string        `mapstructure:"metrics_prefix"`
	Resources     bool          `mapstructure:"resources"`
}

// SearchConfig controls candidate discovery.
type SearchConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Site    string `mapstructure:"site"`
}

// ProfileConfig tunes single-profile runs, which go slower and narrower than
// keyword runs.
type ProfileConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Workers   int           `mapstructure:"workers"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
}

// HeadlessConfig configures the browser fallback.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Always             bool          `mapstructure:"always"`
	MaxTabs            int           `mapstructure:"max_tabs"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	WaitSelector       string        `mapstructure:"wait_selector"`
	RenderDelay        time.Duration `mapstructure:"render_delay"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	RequiredSelectors  []string      `mapstructure:"required_selectors"`
	ShowBrowser        bool          `mapstructure:"show_browser"`
}

// RateLimitConfig tunes the adaptive limiter.
type RateLimitConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	WindowSize   int           `mapstructure:"window_size"`
	WindowLimit  int           `mapstructure:"window_limit"`
	WindowPeriod time.Duration `mapstructure:"window_period"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// DedupConfig selects where the ledger persists.
type DedupConfig struct {
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	MaxPerEntity int    `mapstructure:"max_per_entity"`
}

// BatchConfig tunes adaptive batching.
type BatchConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	InitialSize int           `mapstructure:"initial_size"`
	MinSize     int           `mapstructure:"min_size"`
	MaxSize     int           `mapstructure:"max_size"`
	IdleFlush   time.Duration `mapstructure:"idle_flush"`
	IdleCheck   time.Duration `mapstructure:"idle_check"`
	TrendMargin float64       `mapstructure:"trend_margin"`
	HistorySize int           `mapstructure:"history_size"`
}

// StorageConfig selects the blob backend for batch output.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	LedgerPrefix    string        `mapstructure:"ledger_prefix"`
	RunPrefix       string        `mapstructure:"run_prefix"`
	RecordRuns      bool          `mapstructure:"record_runs"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig enables flush notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether flush notifications should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.retry_count", 2)
	v.SetDefault("crawler.fetch_timeout", 30*time.Second)
	v.SetDefault("crawler.backoff_base", time.Second)
	v.SetDefault("crawler.backoff_max", 30*time.Second)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.host_rps", 2.0)
	v.SetDefault("crawler.host_burst", 2)
	v.SetDefault("crawler.tier", "basic")
	v.SetDefault("crawler.metrics_prefix", "performance_metrics")
	v.SetDefault("crawler.resources", true)
	v.SetDefault("search.base_url", "https://www.google.com/search")
	v.SetDefault("search.site", "instagram.com")
	v.SetDefault("profile.base_url", "https://www.instagram.com")
	v.SetDefault("profile.workers", 2)
	v.SetDefault("profile.base_delay", 1500*time.Millisecond)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.always", false)
	v.SetDefault("headless.max_tabs", 2)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.render_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("rate_limit.base_delay", time.Second)
	v.SetDefault("rate_limit.max_delay", 30*time.Second)
	v.SetDefault("rate_limit.window_size", 50)
	v.SetDefault("rate_limit.window_limit", 15)
	v.SetDefault("rate_limit.window_period", time.Minute)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", time.Minute)
	v.SetDefault("dedup.backend", BackendFile)
	v.SetDefault("dedup.path", "results/dedup_cache.json")
	v.SetDefault("dedup.max_per_entity", 5)
	v.SetDefault("batch.prefix", "scrape_batch")
	v.SetDefault("batch.initial_size", 5)
	v.SetDefault("batch.min_size", 2)
	v.SetDefault("batch.max_size", 20)
	v.SetDefault("batch.idle_flush", 5*time.Minute)
	v.SetDefault("batch.idle_check", 30*time.Second)
	v.SetDefault("batch.trend_margin", 1.0)
	v.SetDefault("batch.history_size", 10)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "results")
	v.SetDefault("db.ledger_prefix", "dedup_")
	v.SetDefault("db.run_prefix", "crawl_")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Crawler.Workers <= 0:
		return fmt.Errorf("crawler.workers must be > 0")
	case c.Crawler.RetryCount < 0:
		return fmt.Errorf("crawler.retry_count must be >= 0")
	case c.Crawler.FetchTimeout <= 0:
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	case c.RateLimit.BaseDelay <= 0:
		return fmt.Errorf("rate_limit.base_delay must be > 0")
	case c.RateLimit.MaxDelay < c.RateLimit.BaseDelay:
		return fmt.Errorf("rate_limit.max_delay must be >= rate_limit.base_delay")
	case c.RateLimit.WindowSize <= 0:
		return fmt.Errorf("rate_limit.window_size must be > 0")
	case c.RateLimit.WindowLimit <= 0 || c.RateLimit.WindowLimit > c.RateLimit.WindowSize:
		return fmt.Errorf("rate_limit.window_limit must be in 1..window_size")
	case c.Profile.Workers <= 0:
		return fmt.Errorf("profile.workers must be > 0")
	case c.Profile.BaseDelay <= 0 || c.Profile.BaseDelay > c.RateLimit.MaxDelay:
		return fmt.Errorf("profile.base_delay must be in (0, rate_limit.max_delay]")
	case c.Breaker.FailureThreshold <= 0:
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	case c.Breaker.Cooldown <= 0:
		return fmt.Errorf("breaker.cooldown must be > 0")
	case c.Dedup.MaxPerEntity <= 0:
		return fmt.Errorf("dedup.max_per_entity must be > 0")
	case c.Batch.MinSize <= 0 || c.Batch.MinSize > c.Batch.MaxSize:
		return fmt.Errorf("batch.min_size must be in 1..batch.max_size")
	case c.Batch.InitialSize < c.Batch.MinSize || c.Batch.InitialSize > c.Batch.MaxSize:
		return fmt.Errorf("batch.initial_size must be within batch.min_size..batch.max_size")
	case c.Headless.Enabled && c.Headless.MaxTabs <= 0:
		return fmt.Errorf("headless.max_tabs must be > 0 when headless is enabled")
	}

	switch c.Dedup.Backend {
	case BackendFile:
		if c.Dedup.Path == "" {
			return fmt.Errorf("dedup.path must be set for the file backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres dedup backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend)
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.DB.RecordRuns && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.record_runs is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}
