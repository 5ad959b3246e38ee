// Package config loads and validates toolrunner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	PageLoad  PageLoadConfig  `mapstructure:"pageload"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication. When enabled, a request passes with
// either the API key header or a bearer JWT signed with JWTSecret whose
// access_token claim equals AccessToken.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"api_key"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// SchedulerConfig governs claiming and processor pool sizing.
type SchedulerConfig struct {
	MaxSameHostRequests int           `mapstructure:"max_same_host_requests"`
	WorkerSpawnDelay    time.Duration `mapstructure:"worker_spawn_delay"`
	LookForWorkDelay    time.Duration `mapstructure:"look_for_work_delay"`
	GaugeSchedule       string        `mapstructure:"gauge_schedule"`
}

// BrowserConfig configures the shared Chrome instance.
type BrowserConfig struct {
	MaxConcurrentPages    int           `mapstructure:"max_concurrent_pages"`
	MaxConcurrentContexts int           `mapstructure:"max_concurrent_contexts"`
	Headless              bool          `mapstructure:"headless"`
	NoSandbox             bool          `mapstructure:"no_sandbox"`
	UserAgent             string        `mapstructure:"user_agent"`
	ViewportWidth         int64         `mapstructure:"viewport_width"`
	ViewportHeight        int64         `mapstructure:"viewport_height"`
	RemoteURL             string        `mapstructure:"remote_url"`
	StartTimeout          time.Duration `mapstructure:"start_timeout"`
}

// PageLoadConfig bounds navigation retries.
type PageLoadConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// WebhookConfig controls outcome delivery.
type WebhookConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// PubSubConfig holds metadata for the optional outcome mirror.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StorageConfig selects the request store.
type StorageConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where outcome records are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOOLRUNNER")
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
	if cfg.Browser.MaxConcurrentContexts == 0 {
		cfg.Browser.MaxConcurrentContexts = cfg.Browser.MaxConcurrentPages
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it; keys
// without a default are invisible to Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_token", "")
	v.SetDefault("scheduler.max_same_host_requests", 10)
	v.SetDefault("scheduler.worker_spawn_delay", "500ms")
	v.SetDefault("scheduler.look_for_work_delay", "3s")
	v.SetDefault("scheduler.gauge_schedule", "@every 15s")
	v.SetDefault("browser.max_concurrent_pages", 3)
	v.SetDefault("browser.max_concurrent_contexts", 0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.start_timeout", "30s")
	v.SetDefault("pageload.max_attempts", 3)
	v.SetDefault("pageload.timeout", "5s")
	v.SetDefault("pageload.grace_period", "10s")
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.base_delay", "5s")
	v.SetDefault("webhook.user_agent", "toolrunner")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "requests")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime", "30m")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.prefix", "outcomes")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled {
		if c.Auth.APIKey == "" && c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.api_key or auth.jwt_secret must be set when auth is enabled")
		}
		if c.Auth.JWTSecret != "" && c.Auth.AccessToken == "" {
			return fmt.Errorf("auth.access_token must be set with auth.jwt_secret")
		}
	}
	if c.Scheduler.MaxSameHostRequests <= 0 {
		return fmt.Errorf("scheduler.max_same_host_requests must be > 0")
	}
	if c.Scheduler.WorkerSpawnDelay < 0 {
		return fmt.Errorf("scheduler.worker_spawn_delay must be >= 0")
	}
	if c.Scheduler.LookForWorkDelay <= 0 {
		return fmt.Errorf("scheduler.look_for_work_delay must be > 0")
	}
	if c.Browser.MaxConcurrentPages <= 0 {
		return fmt.Errorf("browser.max_concurrent_pages must be > 0")
	}
	if c.Browser.MaxConcurrentContexts <= 0 {
		return fmt.Errorf("browser.max_concurrent_contexts must be > 0")
	}
	if c.PageLoad.MaxAttempts <= 0 {
		return fmt.Errorf("pageload.max_attempts must be > 0")
	}
	if c.PageLoad.Timeout <= 0 {
		return fmt.Errorf("pageload.timeout must be > 0")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	switch strings.ToLower(c.Storage.Provider) {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	switch strings.ToLower(c.Archive.Provider) {
	case "", "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	return nil
}
