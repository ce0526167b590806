// Package config loads stepflow configuration from a YAML file and
// STEPFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STEPFLOW_STORE_BACKEND.
const EnvPrefix = "STEPFLOW"

type EngineConfig struct {
	MissingHandlerPolicy string        `mapstructure:"missing_handler_policy"` // simulate or fail
	DefaultMaxRetries    int           `mapstructure:"default_max_retries"`
	BackoffUnit          time.Duration `mapstructure:"backoff_unit"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	BackoffJitter        bool          `mapstructure:"backoff_jitter"`
	StepTimeout          time.Duration `mapstructure:"step_timeout"` // 0 disables
	IDScheme             string        `mapstructure:"id_scheme"`    // snowflake or uuid
	MachineID            uint16        `mapstructure:"machine_id"`
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Codec        string        `mapstructure:"codec"` // json or msgpack
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend"` // memory, redis or postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"` // YAML workflow definitions, optional
}

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
	Templates TemplatesConfig `mapstructure:"templates"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MissingHandlerPolicy: "simulate",
			DefaultMaxRetries:    3,
			BackoffUnit:          time.Second,
			BackoffMax:           5 * time.Minute,
			IDScheme:             "snowflake",
			MachineID:            1,
			MaxConcurrency:       8,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
				Codec:        "json",
				KeyPrefix:    "stepflow:",
			},
			Postgres: PostgresConfig{
				Table: "stepflow_workflows",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration. With an empty path it looks for
// stepflow.yaml in the working directory and $HOME/.stepflow, and a missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.stepflow/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.missing_handler_policy", cfg.Engine.MissingHandlerPolicy)
	v.SetDefault("engine.default_max_retries", cfg.Engine.DefaultMaxRetries)
	v.SetDefault("engine.backoff_unit", cfg.Engine.BackoffUnit)
	v.SetDefault("engine.backoff_max", cfg.Engine.BackoffMax)
	v.SetDefault("engine.backoff_jitter", cfg.Engine.BackoffJitter)
	v.SetDefault("engine.step_timeout", cfg.Engine.StepTimeout)
	v.SetDefault("engine.id_scheme", cfg.Engine.IDScheme)
	v.SetDefault("engine.machine_id", cfg.Engine.MachineID)
	v.SetDefault("engine.max_concurrency", cfg.Engine.MaxConcurrency)

	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.redis.pool_size", cfg.Store.Redis.PoolSize)
	v.SetDefault("store.redis.min_idle_conns", cfg.Store.Redis.MinIdleConns)
	v.SetDefault("store.redis.idle_timeout", cfg.Store.Redis.IdleTimeout)
	v.SetDefault("store.redis.codec", cfg.Store.Redis.Codec)
	v.SetDefault("store.redis.key_prefix", cfg.Store.Redis.KeyPrefix)
	v.SetDefault("store.postgres.dsn", cfg.Store.Postgres.DSN)
	v.SetDefault("store.postgres.table", cfg.Store.Postgres.Table)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("templates.dir", cfg.Templates.Dir)
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	switch c.Engine.MissingHandlerPolicy {
	case "simulate", "fail":
	default:
		return fmt.Errorf("engine.missing_handler_policy must be simulate or fail, got %q", c.Engine.MissingHandlerPolicy)
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("engine.default_max_retries cannot be negative")
	}
	if c.Engine.BackoffUnit <= 0 {
		return fmt.Errorf("engine.backoff_unit must be positive")
	}
	if c.Engine.BackoffMax < c.Engine.BackoffUnit {
		return fmt.Errorf("engine.backoff_max must be at least engine.backoff_unit")
	}
	if c.Engine.StepTimeout < 0 {
		return fmt.Errorf("engine.step_timeout cannot be negative")
	}
	switch c.Engine.IDScheme {
	case "snowflake", "uuid":
	default:
		return fmt.Errorf("engine.id_scheme must be snowflake or uuid, got %q", c.Engine.IDScheme)
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency cannot be negative")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
		switch c.Store.Redis.Codec {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("store.redis.codec must be json or msgpack, got %q", c.Store.Redis.Codec)
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, redis or postgres, got %q", c.Store.Backend)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
