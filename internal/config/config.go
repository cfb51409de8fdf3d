// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Robots       RobotsConfig       `mapstructure:"robots"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Source       SourceConfig       `mapstructure:"source"`
	Results      ResultsConfig      `mapstructure:"results"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// AuthConfig lists Basic credentials offered to fetched hosts.
type AuthConfig struct {
	Credentials []Credential `mapstructure:"credentials"`
}

// Credential is one host/realm login. An empty realm is the host default.
type Credential struct {
	Host     string `mapstructure:"host"`
	Realm    string `mapstructure:"realm"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SchedulerConfig governs admission, pacing and the dispatch loop. The values
// are fixed for the scheduler's lifetime.
type SchedulerConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	PerDomainMax   int           `mapstructure:"per_domain_max"`
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	RecheckDelay   time.Duration `mapstructure:"recheck_delay"`
	IgnoreRobots   bool          `mapstructure:"ignore_robots"`
	AdmissionTTL   time.Duration `mapstructure:"admission_ttl"`
	GrowBatch      int           `mapstructure:"grow_batch"`
	BacklogDepth   int           `mapstructure:"backlog_depth"`
	StopWhenDone   bool          `mapstructure:"stop_when_done"`
	MaxDispatchRPS float64       `mapstructure:"max_dispatch_rps"`
	// BlockedDomains lists hosts never fetched. "*.example.com" also
	// matches subdomains.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// HTTPConfig configures fetch attempts and their retries.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RedirectLimit int           `mapstructure:"redirect_limit"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   float64       `mapstructure:"backoff_base"`
	BackoffScale  time.Duration `mapstructure:"backoff_scale"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter bool          `mapstructure:"backoff_jitter"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// RobotsConfig controls robots policy caching.
type RobotsConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	FailureTTL   time.Duration `mapstructure:"failure_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Backend        string `mapstructure:"backend"`
	BasePath       string `mapstructure:"base_path"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSPrefix      string `mapstructure:"gcs_prefix"`
	PartialChain   string `mapstructure:"partial_chain"`
	PrefixSegments int    `mapstructure:"prefix_segments"`
}

// CoordinationConfig selects the store shared by cooperating processes.
type CoordinationConfig struct {
	Backend       string `mapstructure:"backend"`
	OnUnavailable string `mapstructure:"on_unavailable"`
	FleetPacing   bool   `mapstructure:"fleet_pacing"`
	FileDir       string `mapstructure:"file_dir"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// SourceConfig configures the optional Pub/Sub request stream.
type SourceConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	ResultTopic    string `mapstructure:"result_topic"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// ResultsConfig configures the optional Postgres result table.
type ResultsConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLITEFETCH")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("scheduler.pool_size", 10)
	v.SetDefault("scheduler.per_domain_max", 1)
	v.SetDefault("scheduler.default_delay", "2s")
	v.SetDefault("scheduler.recheck_delay", "250ms")
	v.SetDefault("scheduler.ignore_robots", false)
	v.SetDefault("scheduler.admission_ttl", "5m")
	v.SetDefault("scheduler.grow_batch", 10000)
	v.SetDefault("scheduler.backlog_depth", 1024)
	v.SetDefault("scheduler.stop_when_done", false)
	v.SetDefault("scheduler.max_dispatch_rps", 0)
	v.SetDefault("scheduler.blocked_domains", []string{})
	v.SetDefault("http.user_agent", "rogerbot/1.0")
	v.SetDefault("http.timeout", "45s")
	v.SetDefault("http.redirect_limit", 10)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_base", 2)
	v.SetDefault("http.backoff_scale", "1s")
	v.SetDefault("http.backoff_max", "0s")
	v.SetDefault("http.backoff_jitter", false)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("robots.ttl", "24h")
	v.SetDefault("robots.failure_ttl", "10m")
	v.SetDefault("robots.fetch_timeout", "10s")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.base_path", "cache")
	v.SetDefault("cache.gcs_bucket", "")
	v.SetDefault("cache.gcs_prefix", "")
	v.SetDefault("cache.partial_chain", "suffix")
	v.SetDefault("cache.prefix_segments", 3)
	v.SetDefault("coordination.backend", "memory")
	v.SetDefault("coordination.on_unavailable", "degrade")
	v.SetDefault("coordination.fleet_pacing", false)
	v.SetDefault("coordination.file_dir", "")
	v.SetDefault("coordination.redis_addr", "")
	v.SetDefault("coordination.redis_password", "")
	v.SetDefault("coordination.redis_db", 0)
	v.SetDefault("coordination.key_prefix", "politefetch:")
	v.SetDefault("coordination.postgres_dsn", "")
	v.SetDefault("coordination.postgres_table", "politefetch_sets")
	v.SetDefault("source.project_id", "")
	v.SetDefault("source.subscription", "")
	v.SetDefault("source.result_topic", "")
	v.SetDefault("source.max_outstanding", 100)
	v.SetDefault("results.postgres_dsn", "")
	v.SetDefault("results.table", "fetch_results")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "politefetch")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.PoolSize <= 0 {
		return fmt.Errorf("scheduler.pool_size must be > 0")
	}
	if c.Scheduler.PerDomainMax <= 0 {
		return fmt.Errorf("scheduler.per_domain_max must be > 0")
	}
	if c.Scheduler.DefaultDelay < 0 {
		return fmt.Errorf("scheduler.default_delay must be >= 0")
	}
	if c.Scheduler.RecheckDelay <= 0 {
		return fmt.Errorf("scheduler.recheck_delay must be > 0")
	}
	if c.Scheduler.AdmissionTTL <= 0 {
		return fmt.Errorf("scheduler.admission_ttl must be > 0")
	}
	if c.Scheduler.BacklogDepth < 0 {
		return fmt.Errorf("scheduler.backlog_depth must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase < 1 {
		return fmt.Errorf("http.backoff_base must be >= 1")
	}
	if c.HTTP.RedirectLimit < 0 {
		return fmt.Errorf("http.redirect_limit must be >= 0")
	}
	if c.Robots.TTL <= 0 {
		return fmt.Errorf("robots.ttl must be > 0")
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Coordination.validate(); err != nil {
		return err
	}
	if c.Source.Subscription != "" && c.Source.ProjectID == "" {
		return fmt.Errorf("source.project_id must be set when source.subscription is set")
	}
	for i, cred := range c.Auth.Credentials {
		if cred.Host == "" || cred.Username == "" {
			return fmt.Errorf("auth.credentials[%d] needs host and username", i)
		}
	}
	return nil
}

func (c CacheConfig) validate() error {
	switch c.PartialChain {
	case "suffix", "full":
	default:
		return fmt.Errorf("cache.partial_chain must be suffix or full, got %q", c.PartialChain)
	}
	if !c.Enabled {
		return nil
	}
	switch c.Backend {
	case "local":
		if c.BasePath == "" {
			return fmt.Errorf("cache.base_path must be set for the local backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("cache.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Backend)
	}
	return nil
}

func (c CoordinationConfig) validate() error {
	switch c.OnUnavailable {
	case "degrade", "fail":
	default:
		return fmt.Errorf("coordination.on_unavailable must be degrade or fail, got %q", c.OnUnavailable)
	}
	switch c.Backend {
	case "memory":
	case "file":
		if c.FileDir == "" {
			return fmt.Errorf("coordination.file_dir must be set for the file backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("coordination.redis_addr must be set for the redis backend")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("coordination.postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown coordination.backend %q", c.Backend)
	}
	return nil
}

// RequestDefaults converts the HTTP section into per-request knobs.
func (c Config) RequestDefaults() crawler.RequestDefaults {
	return crawler.RequestDefaults{
		Timeout:       c.HTTP.Timeout,
		RedirectLimit: c.HTTP.RedirectLimit,
		MaxRetries:    c.HTTP.MaxRetries,
		BackoffBase:   c.HTTP.BackoffBase,
		BackoffScale:  c.HTTP.BackoffScale,
	}
}
