// Package sysconfig loads chengis's process configuration: a YAML file
// (os.ReadFile + yaml.Unmarshal), overridable key-by-key by CHENGIS_-prefixed,
// underscore-separated environment variables (spec.md §6), then validated.
package sysconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chengis/chengis/internal/cherrors"
)

const envPrefix = "CHENGIS_"

// Config is the full set of process configuration from spec.md §6.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Distributed  DistributedConfig  `yaml:"distributed"`
	FeatureFlags FeatureFlagsConfig `yaml:"feature_flags"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Secrets      SecretsConfig      `yaml:"secrets"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // development|production
	DSN  string `yaml:"dsn"`
}

type DispatchConfig struct {
	FallbackLocal            bool `yaml:"fallback_local"`
	QueueEnabled             bool `yaml:"queue_enabled"`
	MaxRetries               int  `yaml:"max_retries"`
	CircuitBreakerThreshold  int  `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetMS    int  `yaml:"circuit_breaker_reset_ms"`
}

type DistributedConfig struct {
	Enabled            bool           `yaml:"enabled"`
	Dispatch           DispatchConfig `yaml:"dispatch"`
	HeartbeatTimeoutMS int            `yaml:"heartbeat_timeout_ms"`
	AuthToken          string         `yaml:"auth_token"`
	// RedisAddr, when set, write-throughs the Agent Registry to redis so a
	// multi-replica master can Hydrate agent state on boot (spec.md §4.5).
	// Empty means single-process, in-memory only.
	RedisAddr string `yaml:"redis_addr"`
}

type FeatureFlagsConfig struct {
	DistributedDispatch     bool `yaml:"distributed_dispatch"`
	ResourceAwareScheduling bool `yaml:"resource_aware_scheduling"`
}

type MatrixConfig struct {
	MaxCombinations int `yaml:"max_combinations"`
}

type SecretsConfig struct {
	MasterKey string `yaml:"master_key"` // hex key, AES-256-GCM
	Backend   string `yaml:"backend"`    // local|vault|aws-sm|azure-kv|gcp-sm
}

// Defaults returns the configuration defaults named throughout spec.md §6.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{Type: "development"},
		Distributed: DistributedConfig{
			Dispatch: DispatchConfig{
				FallbackLocal:           false,
				MaxRetries:              3,
				CircuitBreakerThreshold: 5,
				CircuitBreakerResetMS:   30000,
			},
			HeartbeatTimeoutMS: 90000,
		},
		Matrix:  MatrixConfig{MaxCombinations: 25},
		Secrets: SecretsConfig{Backend: "local"},
	}
}

// Load reads path (if non-empty and present) over Defaults(), then applies
// any CHENGIS_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, cherrors.Wrap(cherrors.CodeInternal, "read config file", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, cherrors.Wrap(cherrors.CodeValidation, "parse config file", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides mutates cfg in place for every recognized
// CHENGIS_<PATH> variable present in the environment. The key set is small
// and fixed (spec.md §6 lists every overridable key), so this is an
// explicit table rather than a generic reflection-based walker.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = parseBool(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DATABASE_TYPE", &cfg.Database.Type)
	str("DATABASE_DSN", &cfg.Database.DSN)
	boolean("DISTRIBUTED_ENABLED", &cfg.Distributed.Enabled)
	boolean("DISTRIBUTED_DISPATCH_FALLBACK_LOCAL", &cfg.Distributed.Dispatch.FallbackLocal)
	boolean("DISTRIBUTED_DISPATCH_QUEUE_ENABLED", &cfg.Distributed.Dispatch.QueueEnabled)
	integer("DISTRIBUTED_DISPATCH_MAX_RETRIES", &cfg.Distributed.Dispatch.MaxRetries)
	integer("DISTRIBUTED_DISPATCH_CIRCUIT_BREAKER_THRESHOLD", &cfg.Distributed.Dispatch.CircuitBreakerThreshold)
	integer("DISTRIBUTED_DISPATCH_CIRCUIT_BREAKER_RESET_MS", &cfg.Distributed.Dispatch.CircuitBreakerResetMS)
	integer("DISTRIBUTED_HEARTBEAT_TIMEOUT_MS", &cfg.Distributed.HeartbeatTimeoutMS)
	str("DISTRIBUTED_AUTH_TOKEN", &cfg.Distributed.AuthToken)
	str("DISTRIBUTED_REDIS_ADDR", &cfg.Distributed.RedisAddr)
	boolean("FEATURE_FLAGS_DISTRIBUTED_DISPATCH", &cfg.FeatureFlags.DistributedDispatch)
	boolean("FEATURE_FLAGS_RESOURCE_AWARE_SCHEDULING", &cfg.FeatureFlags.ResourceAwareScheduling)
	integer("MATRIX_MAX_COMBINATIONS", &cfg.Matrix.MaxCombinations)
	str("SECRETS_MASTER_KEY", &cfg.Secrets.MasterKey)
	str("SECRETS_BACKEND", &cfg.Secrets.Backend)
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return b
}

// Validate enforces the structural invariants Load's caller should check
// before booting: a recognized database type and secrets backend.
func (c Config) Validate() error {
	switch c.Database.Type {
	case "development", "production":
	default:
		return cherrors.New(cherrors.CodeValidation, fmt.Sprintf("unknown database.type %q", c.Database.Type))
	}
	switch c.Secrets.Backend {
	case "local", "vault", "aws-sm", "azure-kv", "gcp-sm":
	default:
		return cherrors.New(cherrors.CodeValidation, fmt.Sprintf("unknown secrets.backend %q", c.Secrets.Backend))
	}
	return nil
}
