// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Reports     ReportsConfig     `mapstructure:"reports"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AuditConfig holds job defaults, caps and the per-job deadline.
type AuditConfig struct {
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	MaxPagesDefault      int           `mapstructure:"max_pages_default"`
	MaxPagesLimit        int           `mapstructure:"max_pages_limit"`
	ConcurrencyDefault   int           `mapstructure:"concurrency_default"`
	ConcurrencyLimit     int           `mapstructure:"concurrency_limit"`
	IncludeImagesDefault bool          `mapstructure:"include_images_default"`
	CheckMobileDefault   bool          `mapstructure:"check_mobile_default"`
}

// CrawlConfig governs the crawl stage.
type CrawlConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
}

// RateLimitConfig sets per-host politeness for crawling.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Performance drivers.
const (
	PerfDriverChromedp = "chromedp"
	PerfDriverHTTP     = "http"
	PerfDriverFallback = "fallback"
)

// PerformanceConfig selects and tunes the performance measurer.
type PerformanceConfig struct {
	Driver            string        `mapstructure:"driver"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ChromePath        string        `mapstructure:"chrome_path"`
	MobileUserAgent   string        `mapstructure:"mobile_user_agent"`
}

// Backends for job and report storage.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// StorageConfig selects the job store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	OpTimeout       time.Duration `mapstructure:"op_timeout"`
	SlowHold        time.Duration `mapstructure:"slow_hold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig controls the Redis job store.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ReportsConfig sets where aggregated reports are archived.
type ReportsConfig struct {
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
	HashLength   int    `mapstructure:"hash_length"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RetentionConfig governs pruning of finished audits.
type RetentionConfig struct {
	Days     int    `mapstructure:"days"`
	Schedule string `mapstructure:"schedule"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Endpoint    string  `mapstructure:"endpoint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("audit.job_timeout", 5*time.Minute)
	v.SetDefault("audit.max_pages_default", 10)
	v.SetDefault("audit.max_pages_limit", 100)
	v.SetDefault("audit.concurrency_default", 2)
	v.SetDefault("audit.concurrency_limit", 10)
	v.SetDefault("audit.include_images_default", true)
	v.SetDefault("audit.check_mobile_default", false)
	v.SetDefault("crawl.user_agent", "site-audit-bot/0.1")
	v.SetDefault("crawl.request_timeout", 15*time.Second)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.max_body_bytes", 10<<20)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("performance.driver", PerfDriverFallback)
	v.SetDefault("performance.max_parallel", 1)
	v.SetDefault("performance.navigation_timeout", 45*time.Second)
	v.SetDefault("performance.settle_delay", 250*time.Millisecond)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("database.table", "audit_jobs")
	v.SetDefault("database.op_timeout", 5*time.Second)
	v.SetDefault("database.slow_hold", 2*time.Second)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "audit")
	v.SetDefault("reports.backend", BackendMemory)
	v.SetDefault("reports.prefix", "reports")
	v.SetDefault("reports.local_dir", "./data/reports")
	v.SetDefault("reports.hash_length", 16)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "audit-completed")
	v.SetDefault("retention.days", 7)
	v.SetDefault("retention.schedule", "@every 1h")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "site-audit")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Audit.JobTimeout <= 0 {
		return fmt.Errorf("audit.job_timeout must be > 0")
	}
	if c.Audit.MaxPagesDefault <= 0 || c.Audit.MaxPagesLimit < c.Audit.MaxPagesDefault {
		return fmt.Errorf("audit.max_pages_default must be > 0 and <= audit.max_pages_limit")
	}
	if c.Audit.ConcurrencyDefault <= 0 || c.Audit.ConcurrencyLimit < c.Audit.ConcurrencyDefault {
		return fmt.Errorf("audit.concurrency_default must be > 0 and <= audit.concurrency_limit")
	}
	if c.Crawl.RequestTimeout <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0")
	}
	switch c.Performance.Driver {
	case PerfDriverChromedp, PerfDriverFallback:
		if c.Performance.MaxParallel <= 0 {
			return fmt.Errorf("performance.max_parallel must be > 0 for driver %q", c.Performance.Driver)
		}
	case PerfDriverHTTP:
	default:
		return fmt.Errorf("performance.driver %q is not one of chromedp, http, fallback", c.Performance.Driver)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres, redis", c.Storage.Backend)
	}
	switch c.Reports.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Reports.LocalDir == "" {
			return fmt.Errorf("reports.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Reports.GCSBucket == "" {
			return fmt.Errorf("reports.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("reports.backend %q is not one of none, memory, local, gcs", c.Reports.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// RetentionWindow converts retention.days into a duration; zero disables pruning.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}
