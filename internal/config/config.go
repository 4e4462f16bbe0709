// Package config loads and validates scraper service configuration via
// Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
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

// LimitsConfig sets the per-credential admission caps.
type LimitsConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	PerHour   int `mapstructure:"per_hour"`
	PerDay    int `mapstructure:"per_day"`
}

// JobsConfig bounds client-supplied job parameters.
type JobsConfig struct {
	DefaultMaxPlaces int    `mapstructure:"default_max_places"`
	MaxPlacesCeiling int    `mapstructure:"max_places_ceiling"`
	DefaultLanguage  string `mapstructure:"default_language"`
	QueueDepth       int    `mapstructure:"queue_depth"`
}

// DispatchConfig governs the execution worker pool.
type DispatchConfig struct {
	Workers                 int     `mapstructure:"workers"`
	MaxAttempts             int     `mapstructure:"max_attempts"`
	ExecutionTimeoutSeconds int     `mapstructure:"execution_timeout_seconds"`
	ExecutionsPerSecond     float64 `mapstructure:"executions_per_second"`
	SweepIntervalSeconds    int     `mapstructure:"sweep_interval_seconds"`
	NoProxyBackoffSeconds   int     `mapstructure:"no_proxy_backoff_seconds"`
}

// ProxyConfig configures the outbound proxy pool.
type ProxyConfig struct {
	Endpoints              []string `mapstructure:"endpoints"`
	Strategy               string   `mapstructure:"strategy"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	ProbeIntervalSeconds   int      `mapstructure:"probe_interval_seconds"`
	ProbeTimeoutSeconds    int      `mapstructure:"probe_timeout_seconds"`
	ProbeURL               string   `mapstructure:"probe_url"`
}

// WebhookConfig configures terminal-payload delivery.
type WebhookConfig struct {
	Workers          int `mapstructure:"workers"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	QueueDepth       int `mapstructure:"queue_depth"`
}

// StoreConfig selects and configures job persistence.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ArchiveConfig selects where completed-job results are archived.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Format    string `mapstructure:"format"`
}

// NotifyConfig holds metadata for publish-subscribe notifications.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ExecutorConfig selects the scraping backend.
type ExecutorConfig struct {
	Kind      string `mapstructure:"kind"`
	UserAgent string `mapstructure:"user_agent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("limits.per_minute", 10)
	v.SetDefault("limits.per_hour", 100)
	v.SetDefault("limits.per_day", 500)
	v.SetDefault("jobs.default_max_places", 20)
	v.SetDefault("jobs.max_places_ceiling", 500)
	v.SetDefault("jobs.default_language", "en")
	v.SetDefault("jobs.queue_depth", 256)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.execution_timeout_seconds", 300)
	v.SetDefault("dispatch.executions_per_second", 0)
	v.SetDefault("dispatch.sweep_interval_seconds", 30)
	v.SetDefault("dispatch.no_proxy_backoff_seconds", 15)
	v.SetDefault("proxy.strategy", "round_robin")
	v.SetDefault("proxy.max_consecutive_failures", 3)
	v.SetDefault("proxy.probe_interval_seconds", 300)
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("webhook.workers", 2)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.timeout_seconds", 30)
	v.SetDefault("webhook.backoff_initial_ms", 2000)
	v.SetDefault("webhook.backoff_max_ms", 120000)
	v.SetDefault("webhook.queue_depth", 256)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.format", "json")
	v.SetDefault("executor.kind", "colly")
	v.SetDefault("executor.user_agent", "places-scraper/0.1")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Limits.PerMinute <= 0 || c.Limits.PerHour <= 0 || c.Limits.PerDay <= 0 {
		return fmt.Errorf("limits must all be > 0")
	}
	if c.Jobs.DefaultMaxPlaces <= 0 || c.Jobs.DefaultMaxPlaces > c.Jobs.MaxPlacesCeiling {
		return fmt.Errorf("jobs.default_max_places must be in 1..jobs.max_places_ceiling")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres")
	}
	switch c.Archive.Provider {
	case "none":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider must be none, local, or gcs")
	}
	if c.Notify.Enabled && (c.Notify.ProjectID == "" || c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set when notify is enabled")
	}
	switch c.Executor.Kind {
	case "colly", "chromedp":
	default:
		return fmt.Errorf("executor.kind must be colly or chromedp")
	}
	return nil
}

// ExecutionTimeout converts the dispatch timeout into a duration.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Dispatch.ExecutionTimeoutSeconds) * time.Second
}

// RequestTimeout converts the server request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
