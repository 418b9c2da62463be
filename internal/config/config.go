// Package config loads the engine configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pump-signal-engine/internal/analysis"
	"pump-signal-engine/internal/api"
	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/feed"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage/postgres"
	"pump-signal-engine/internal/tenant"
)

// Config is the full process configuration.
type Config struct {
	Environment string                  `yaml:"environment" default:"development" validate:"required"`
	Log         observability.LogConfig `yaml:"log"`
	API         api.Config              `yaml:"api"`
	Metrics     struct {
		Enabled   bool   `yaml:"enabled" default:"true"`
		Namespace string `yaml:"namespace" default:"pump"`
	} `yaml:"metrics"`

	Feed      feed.Config           `yaml:"feed"`
	Engine    analysis.Config       `yaml:"engine"`
	Prices    Prices                `yaml:"prices"`
	Kafka     bus.KafkaConfig       `yaml:"kafka"`
	Execution execution.PaperConfig `yaml:"execution"`
	Worker    tenant.WorkerConfig   `yaml:"worker"`
	Tenants   []tenant.Config       `yaml:"tenants" validate:"dive"`

	Postgres struct {
		Enabled         bool `yaml:"enabled"`
		postgres.Config `yaml:",inline"`
	} `yaml:"postgres"`
	ClickHouse struct {
		Enabled bool   `yaml:"enabled"`
		DSN     string `yaml:"dsn" validate:"required_if=Enabled true"`
	} `yaml:"clickhouse"`
}

// Prices configures the price source chain. The feed cache is always first.
type Prices struct {
	Cache price.CacheConfig `yaml:"cache"`
	Redis struct {
		Enabled           bool `yaml:"enabled"`
		price.RedisConfig `yaml:",inline"`
	} `yaml:"redis"`
	HTTP struct {
		Enabled          bool `yaml:"enabled" default:"true"`
		price.HTTPConfig `yaml:",inline"`
	} `yaml:"http"`
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides it with environment variables.
// An empty path starts from defaults.
func LoadWithEnv(path string) (*Config, error) {
	var (
		c   *Config
		err error
	)
	if path == "" {
		c, err = Default()
	} else {
		c, err = Load(path)
	}
	if err != nil {
		return nil, err
	}

	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PUMP_FEED_ENDPOINT"); v != "" {
		c.Feed.Endpoint = v
	}
	if v := getenv("PUMP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PUMP_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := getenv("PUMP_REDIS_ADDR"); v != "" {
		c.Prices.Redis.Enabled = true
		c.Prices.Redis.Addr = v
	}
	if v := getenv("PUMP_KAFKA_BROKERS"); v != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("PUMP_POSTGRES_DSN"); v != "" {
		c.Postgres.Enabled = true
		c.Postgres.DSN = v
	}
	if v := getenv("PUMP_CLICKHOUSE_DSN"); v != "" {
		c.ClickHouse.Enabled = true
		c.ClickHouse.DSN = v
	}
}

// finish fills defaults for values decoded after the first defaults pass and validates.
// Defaults are not re-applied to c itself: that would flip explicit false booleans back to true.
func (c *Config) finish() error {
	for i := range c.Tenants {
		if err := defaults.Set(&c.Tenants[i]); err != nil {
			return fmt.Errorf("apply tenant defaults: %w", err)
		}
	}
	if len(c.Engine.Checkpoints) == 0 {
		c.Engine.Checkpoints = analysis.DefaultCheckpoints()
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Validate checks struct tags and the relations between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := c.Worker.Position.Validate(); err != nil {
		return fmt.Errorf("worker.position: %w", err)
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres is enabled")
	}

	seen := make(map[string]struct{}, len(c.Tenants))
	for _, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}

	labels := make(map[string]struct{}, len(c.Engine.Checkpoints))
	for _, cp := range c.Engine.Checkpoints {
		if _, dup := labels[cp.Label]; dup {
			return fmt.Errorf("duplicate checkpoint label %q", cp.Label)
		}
		labels[cp.Label] = struct{}{}
	}
	return nil
}
