// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/lab-workflow/samplecode"
	"github.com/songzhibin97/lab-workflow/storage"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	LogMode   string          `yaml:"log_mode"`
	Storage   StorageConfig   `yaml:"storage"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Projects  []Project       `yaml:"projects"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Options converts to the storage constructor's options.
func (c RedisConfig) Options() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		IdleTimeout:  c.IdleTimeout,
	}
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SnowflakeConfig struct {
	MachineID uint16 `yaml:"machine_id"`
	// Epoch is the generator start time; ids are only unique while it stays fixed.
	Epoch time.Time `yaml:"epoch"`
}

// Project carries a project's sample-code rule.
type Project struct {
	Code           string                `yaml:"code"`
	SampleCodeRule samplecode.RuleConfig `yaml:"sample_code_rule"`
}

// Schema validates the project's rule.
func (p Project) Schema() (*samplecode.CodeSchema, error) {
	s, err := p.SampleCodeRule.Schema()
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", p.Code, err)
	}
	return s, nil
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		LogMode: "development",
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
			},
		},
		Snowflake: SnowflakeConfig{
			MachineID: 1,
			Epoch:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

// Load reads and parses a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend settings and every project's rule.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is required", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.Code == "" {
			return fmt.Errorf("%w: projects[%d].code is required", ErrInvalidConfig, i)
		}
		if seen[p.Code] {
			return fmt.Errorf("%w: duplicate project %s", ErrInvalidConfig, p.Code)
		}
		seen[p.Code] = true
		if _, err := p.Schema(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Project looks up a project by code.
func (c Config) Project(code string) (Project, bool) {
	for _, p := range c.Projects {
		if p.Code == code {
			return p, true
		}
	}
	return Project{}, false
}
