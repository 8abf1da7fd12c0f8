// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Backends  BackendsConfig  `mapstructure:"backends"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Session   SessionConfig   `mapstructure:"session"`
	DB        DBConfig        `mapstructure:"db"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs the orchestrator.
type PipelineConfig struct {
	Concurrency     int    `mapstructure:"concurrency"`
	MaxPagesDefault int    `mapstructure:"max_pages_default"`
	MaxRetries      int    `mapstructure:"max_retries"`
	RetryDelayMs    int    `mapstructure:"retry_delay_ms"`
	Fallback        string `mapstructure:"fallback"`
}

// BackendsConfig holds per-tier settings.
type BackendsConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Static    TierConfig    `mapstructure:"static"`
	Headless  HeadlessTier  `mapstructure:"headless"`
	Managed   ManagedConfig `mapstructure:"managed"`
}

// TierConfig is shared per-tier tuning.
type TierConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxDiscovery   int `mapstructure:"max_discovery"`
}

// HeadlessTier configures the chromedp backend.
type HeadlessTier struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ManagedConfig configures the hosted scraping API backend.
type ManagedConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ValidatorConfig tunes content scoring thresholds.
type ValidatorConfig struct {
	MinContentLength int     `mapstructure:"min_content_length"`
	ValidScore       float64 `mapstructure:"valid_score"`
	EnhanceScore     float64 `mapstructure:"enhance_score"`
}

// LedgerConfig sets credit pricing.
type LedgerConfig struct {
	StaticCostPerPage   int     `mapstructure:"static_cost_per_page"`
	HeadlessCostPerPage int     `mapstructure:"headless_cost_per_page"`
	ManagedCostPerPage  int     `mapstructure:"managed_cost_per_page"`
	PremiumMultiplier   float64 `mapstructure:"premium_multiplier"`
	SchemaSurcharge     int     `mapstructure:"schema_surcharge"`
}

// SessionConfig tunes the session state manager.
type SessionConfig struct {
	StageWindow int `mapstructure:"stage_window"`
	RunHistory  int `mapstructure:"run_history"`
	SyncRetries int `mapstructure:"sync_retries"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SnapshotConfig sets where raw page snapshots are archived.
type SnapshotConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for the document-generation handoff topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBINTEL")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("pipeline.max_pages_default", 20)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay_ms", 1000)
	v.SetDefault("pipeline.fallback", "skip")
	v.SetDefault("backends.user_agent", "webintel-bot/1.0")
	v.SetDefault("backends.static.timeout_seconds", 15)
	v.SetDefault("backends.static.max_discovery", 50)
	v.SetDefault("backends.headless.enabled", false)
	v.SetDefault("backends.headless.max_parallel", 2)
	v.SetDefault("backends.headless.nav_timeout_seconds", 45)
	v.SetDefault("backends.managed.enabled", false)
	v.SetDefault("backends.managed.timeout_seconds", 60)
	v.SetDefault("validator.min_content_length", 500)
	v.SetDefault("validator.valid_score", 0.7)
	v.SetDefault("validator.enhance_score", 0.5)
	v.SetDefault("ledger.static_cost_per_page", 1)
	v.SetDefault("ledger.headless_cost_per_page", 5)
	v.SetDefault("ledger.managed_cost_per_page", 10)
	v.SetDefault("ledger.premium_multiplier", 1.5)
	v.SetDefault("ledger.schema_surcharge", 1)
	v.SetDefault("session.stage_window", 3)
	v.SetDefault("session.run_history", 10)
	v.SetDefault("session.sync_retries", 3)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("snapshot.provider", "memory")
	v.SetDefault("snapshot.prefix", "pages")
	v.SetDefault("snapshot.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations the service cannot run with. The option
// sets are closed: unknown provider or fallback names fail here rather than
// deep in the pipeline.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be positive")
	}
	switch c.Pipeline.Fallback {
	case "skip", "partial", "abort":
	default:
		return fmt.Errorf("unknown pipeline.fallback %q", c.Pipeline.Fallback)
	}
	switch c.DB.Provider {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.provider is postgres")
	}
	switch c.Snapshot.Provider {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("unknown snapshot.provider %q", c.Snapshot.Provider)
	}
	if c.Snapshot.Provider == "gcs" && c.Snapshot.GCSBucket == "" {
		return fmt.Errorf("snapshot.gcs_bucket is required when snapshot.provider is gcs")
	}
	if c.Snapshot.Provider == "local" && c.Snapshot.LocalDir == "" {
		return fmt.Errorf("snapshot.local_dir is required when snapshot.provider is local")
	}
	if c.Backends.Managed.Enabled && c.Backends.Managed.BaseURL == "" {
		return fmt.Errorf("backends.managed.base_url is required when the managed tier is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	return nil
}
