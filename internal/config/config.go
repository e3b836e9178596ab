// Package config centralizes how scribeflow reads its settings and exposes them
// as strongly typed Go values. Values come from an optional config.yaml, an
// optional .env file and SCRIBEFLOW_* environment variables, in rising order
// of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for every binary. Each section maps
// onto a component so callers only pass around what they need.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Signing   SigningConfig   `mapstructure:"signing"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// Inline runs dispatched jobs inside the gateway process instead of
	// handing them to asynq. Handy for local development and demos.
	Inline bool `mapstructure:"inline"`
	// PushURL, when set, delivers jobs as signed HTTP requests to a worker's
	// push endpoint instead of enqueueing them on Redis.
	PushURL string `mapstructure:"push_url"`
	// TrustTierHeader honours X-Tenant-Tier. Enable it only behind a gateway
	// that sets the header itself; otherwise callers get the default tier.
	TrustTierHeader bool `mapstructure:"trust_tier_header"`
}

type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Queue         string        `mapstructure:"queue"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	PushAddress   string        `mapstructure:"push_address"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	// DSN left empty selects the in-memory job store.
	DSN string `mapstructure:"dsn"`
}

type StorageConfig struct {
	// Endpoint left empty disables artifact archiving.
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	Region    string        `mapstructure:"region"`
	Bucket    string        `mapstructure:"bucket"`
	URLTTL    time.Duration `mapstructure:"url_ttl"`
}

type ProviderConfig struct {
	// BaseURL left empty runs the deterministic static generator only.
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	CostPer1KTokens   float64       `mapstructure:"cost_per_1k_tokens"`
	StaticFallback    bool          `mapstructure:"static_fallback"`
}

type PipelineConfig struct {
	StageTimeout           time.Duration `mapstructure:"stage_timeout"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	BaseBackoff            time.Duration `mapstructure:"base_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	ProviderCallsPerMinute int64         `mapstructure:"provider_calls_per_minute"`
	PassThreshold          float64       `mapstructure:"pass_threshold"`
}

// Limits holds per-resolution caps. A zero value leaves that resolution
// uncapped.
type Limits struct {
	Minute int64 `mapstructure:"minute"`
	Hour   int64 `mapstructure:"hour"`
	Day    int64 `mapstructure:"day"`
	Month  int64 `mapstructure:"month"`
}

type QuotaConfig struct {
	// Backend is "memory" or "redis".
	Backend     string            `mapstructure:"backend"`
	DefaultTier string            `mapstructure:"default_tier"`
	Tiers       map[string]Limits `mapstructure:"tiers"`
}

type RateLimitConfig struct {
	Backend     string            `mapstructure:"backend"`
	DefaultTier string            `mapstructure:"default_tier"`
	Tiers       map[string]Limits `mapstructure:"tiers"`
	TrustProxy  bool              `mapstructure:"trust_proxy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type SigningConfig struct {
	Secret  string        `mapstructure:"secret"`
	MaxSkew time.Duration `mapstructure:"max_skew"`
}

const (
	defaultAddress         = ":8080"
	defaultShutdownTimeout = 5 * time.Second
	defaultMaxBodyBytes    = 1 << 20 // 1 MiB
	defaultWorkerCount     = 4
	defaultQueue           = "content"
	defaultMaxDeliveries   = 5
	defaultTaskTimeout     = 10 * time.Minute
	defaultStaleAfter      = 15 * time.Minute
	defaultPushAddress     = ":8081"
	defaultRedisAddr       = "localhost:6379"
	defaultBucket          = "scribeflow-artifacts"
	defaultRegion          = "us-east-1"
	defaultURLTTL          = 15 * time.Minute
	defaultModel           = "gpt-4o-mini"
	defaultProviderTimeout = 90 * time.Second
	defaultProviderRPM     = 60
	defaultStageTimeout    = 2 * time.Minute
	defaultMaxAttempts     = 3
	defaultBaseBackoff     = 500 * time.Millisecond
	defaultMaxBackoff      = 20 * time.Second
	defaultProviderCalls   = 120
	defaultPassThreshold   = 70
	defaultMaxSkew         = 5 * time.Minute
)

// DefaultQuotaTiers are the per-tenant budgets used when none are configured.
func DefaultQuotaTiers() map[string]Limits {
	return map[string]Limits{
		"free":       {Hour: 10, Day: 50, Month: 500},
		"pro":        {Hour: 50, Day: 300, Month: 5000},
		"enterprise": {Day: 2000, Month: 50000},
		"unlimited":  {},
	}
}

// DefaultRateLimitTiers are the per-client request caps used when none are
// configured.
func DefaultRateLimitTiers() map[string]Limits {
	return map[string]Limits{
		"anonymous":     {Minute: 10, Hour: 100, Day: 500},
		"authenticated": {Minute: 60, Hour: 1000, Day: 10000},
		"internal":      {},
	}
}

// Load reads .env, an optional config.yaml and SCRIBEFLOW_* environment
// variables, falling back to defaults.
func Load() (*Config, error) {
	// A missing .env is the normal case in containers.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if path := os.Getenv("SCRIBEFLOW_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("SCRIBEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", defaultAddress)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_body_bytes", defaultMaxBodyBytes)
	v.SetDefault("server.inline", false)
	v.SetDefault("server.push_url", "")
	v.SetDefault("server.trust_tier_header", false)
	v.SetDefault("worker.concurrency", defaultWorkerCount)
	v.SetDefault("worker.queue", defaultQueue)
	v.SetDefault("worker.max_deliveries", defaultMaxDeliveries)
	v.SetDefault("worker.task_timeout", defaultTaskTimeout)
	v.SetDefault("worker.stale_after", defaultStaleAfter)
	v.SetDefault("worker.push_address", defaultPushAddress)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.region", defaultRegion)
	v.SetDefault("storage.bucket", defaultBucket)
	v.SetDefault("storage.url_ttl", defaultURLTTL)
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", defaultModel)
	v.SetDefault("provider.timeout", defaultProviderTimeout)
	v.SetDefault("provider.requests_per_minute", defaultProviderRPM)
	v.SetDefault("provider.cost_per_1k_tokens", 0.0)
	v.SetDefault("provider.static_fallback", true)
	v.SetDefault("pipeline.stage_timeout", defaultStageTimeout)
	v.SetDefault("pipeline.max_attempts", defaultMaxAttempts)
	v.SetDefault("pipeline.base_backoff", defaultBaseBackoff)
	v.SetDefault("pipeline.max_backoff", defaultMaxBackoff)
	v.SetDefault("pipeline.provider_calls_per_minute", defaultProviderCalls)
	v.SetDefault("pipeline.pass_threshold", defaultPassThreshold)
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.default_tier", "free")
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.default_tier", "anonymous")
	v.SetDefault("ratelimit.trust_proxy", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scribeflow")
	v.SetDefault("signing.secret", "")
	v.SetDefault("signing.max_skew", defaultMaxSkew)
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaultWorkerCount
	}
	if cfg.Worker.MaxDeliveries <= 0 {
		cfg.Worker.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if len(cfg.Quota.Tiers) == 0 {
		cfg.Quota.Tiers = DefaultQuotaTiers()
	}
	if len(cfg.RateLimit.Tiers) == 0 {
		cfg.RateLimit.Tiers = DefaultRateLimitTiers()
	}
	if cfg.Signing.Secret == "" {
		// If no secret was supplied we generate one using crypto/rand. Push
		// delivery across processes then needs an explicit secret.
		cfg.Signing.Secret = randomSecret()
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Address == "" {
		problems = append(problems, "server.address is required")
	}
	if c.Pipeline.StageTimeout <= 0 {
		problems = append(problems, "pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.PassThreshold < 0 || c.Pipeline.PassThreshold > 100 {
		problems = append(problems, "pipeline.pass_threshold must be within 0-100")
	}
	for _, b := range []string{c.Quota.Backend, c.RateLimit.Backend} {
		if b != "memory" && b != "redis" {
			problems = append(problems, fmt.Sprintf("unknown admission backend %q", b))
		}
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		problems = append(problems, fmt.Sprintf("quota.default_tier %q is not a configured tier", c.Quota.DefaultTier))
	}
	if _, ok := c.RateLimit.Tiers[c.RateLimit.DefaultTier]; !ok {
		problems = append(problems, fmt.Sprintf("ratelimit.default_tier %q is not a configured tier", c.RateLimit.DefaultTier))
	}
	if c.Storage.Endpoint != "" && c.Storage.Bucket == "" {
		problems = append(problems, "storage.bucket is required when storage.endpoint is set")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
