// Package config loads the engine configuration from YAML with environment
// overrides. Environment variables use the LOOM_ prefix with underscores for
// nesting, e.g. LOOM_REDIS_ADDR overrides redis.addr.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/tracing"
)

// Config is the root engine configuration.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Paths        PathsConfig         `mapstructure:"paths"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Broker       BrokerConfig        `mapstructure:"broker"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Enclave      EnclaveConfig       `mapstructure:"enclave"`
	Tracing      tracing.Config      `mapstructure:"tracing"`
	Concurrency  orchestrator.Policy `mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP surface (metrics + health probes).
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PathsConfig points at the definition directories watched for hot reload.
type PathsConfig struct {
	AATDir    string `mapstructure:"aat_dir"`
	PolicyDir string `mapstructure:"policy_dir"`
	RegoDir   string `mapstructure:"rego_dir"`
}

// RedisConfig selects the Redis-backed drivers when Addr is set; empty means
// in-memory stores.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig selects the SQL trace store when DSN is set.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AuthConfig configures the credential authority.
type AuthConfig struct {
	SigningKey    string        `mapstructure:"signing_key"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
}

// BrokerConfig configures context view issuance.
type BrokerConfig struct {
	ViewTTL time.Duration `mapstructure:"view_ttl"`
}

// OrchestratorConfig configures the scheduler.
type OrchestratorConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	MaxIterations      int           `mapstructure:"max_iterations"`
}

// EnclaveConfig enables the isolation enclave service.
type EnclaveConfig struct {
	Repository string        `mapstructure:"repository"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// Load reads the config file at path (optional; empty path loads defaults
// plus environment overrides only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("paths.aat_dir", "config/aats")
	v.SetDefault("paths.policy_dir", "config/policies")
	v.SetDefault("paths.rego_dir", "")
	// Empty defaults register the keys so AutomaticEnv can override them.
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("enclave.repository", "")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.credential_ttl", time.Hour)
	v.SetDefault("broker.view_ttl", 5*time.Minute)
	v.SetDefault("orchestrator.tick_interval", 500*time.Millisecond)
	v.SetDefault("orchestrator.checkpoint_interval", 30*time.Second)
	v.SetDefault("orchestrator.max_iterations", 10)
	v.SetDefault("enclave.ttl", 30*time.Minute)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "loom-engine")

	def := orchestrator.DefaultPolicy()
	v.SetDefault("concurrency.max_total_agents", def.MaxTotalAgents)
	v.SetDefault("concurrency.resources.max_tokens_per_minute", def.Resources.MaxTokensPerMinute)
	v.SetDefault("concurrency.resources.max_cost_per_hour", def.Resources.MaxCostPerHour)
	v.SetDefault("concurrency.resources.max_concurrent_api_calls", def.Resources.MaxConcurrentAPICalls)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key is required")
	}
	if c.Orchestrator.TickInterval <= 0 {
		return fmt.Errorf("orchestrator.tick_interval must be positive")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive")
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		return fmt.Errorf("database.driver is required when database.dsn is set")
	}
	return nil
}

// ConcurrencyPolicy materializes the configured policy, filling unset
// per-type caps and conflicts from the defaults.
func (c *Config) ConcurrencyPolicy() *orchestrator.Policy {
	def := orchestrator.DefaultPolicy()
	pol := c.Concurrency

	if pol.MaxTotalAgents <= 0 {
		pol.MaxTotalAgents = def.MaxTotalAgents
	}
	if len(pol.MaxPerType) == 0 {
		pol.MaxPerType = def.MaxPerType
	}
	if len(pol.ConflictMatrix) == 0 {
		pol.ConflictMatrix = def.ConflictMatrix
	}
	if pol.Resources.MaxTokensPerMinute <= 0 {
		pol.Resources.MaxTokensPerMinute = def.Resources.MaxTokensPerMinute
	}
	if pol.Resources.MaxCostPerHour <= 0 {
		pol.Resources.MaxCostPerHour = def.Resources.MaxCostPerHour
	}
	if pol.Resources.MaxConcurrentAPICalls <= 0 {
		pol.Resources.MaxConcurrentAPICalls = def.Resources.MaxConcurrentAPICalls
	}
	return &pol
}
