/*
Package config loads process configuration and builds the logger.

PURPOSE:
  One Config value drives every binary subcommand. Values come from, in
  increasing precedence: built-in defaults, an optional YAML file, a .env
  file, and PAYRECON_* environment variables (dots become underscores, so
  server.port is PAYRECON_SERVER_PORT).

SECTIONS:
  server          HTTP port, timeouts, CORS origins
  database        SQLite path
  redis           Lock backend; empty addr selects the in-process lock
  queue           Deferred job queue: memory or lmstfy
  log             Level and format (json | text)
  reconciliation  Async threshold and trace limit
  detection       Process-wide detection overrides
  worker          Job worker pool
  tenants_file    Tenant profile document (see factory/profile.go)

SEE ALSO:
  - logger.go: Logger construction and LogError
  - cmd/server/main.go: Consumer
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/payroll-recon/detection"
)

const EnvPrefix = "PAYRECON"

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Log            LogConfig            `mapstructure:"log"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Detection      detection.Overrides  `mapstructure:"detection"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	TenantsFile    string               `mapstructure:"tenants_file"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	LockRetries int           `mapstructure:"lock_retries"`
	LockBackoff time.Duration `mapstructure:"lock_backoff"`
}

// QueueDriver selects the deferred job queue implementation.
type QueueDriver string

const (
	QueueMemory QueueDriver = "memory"
	QueueLmstfy QueueDriver = "lmstfy"
)

type QueueConfig struct {
	Driver      QueueDriver   `mapstructure:"driver"`
	Name        string        `mapstructure:"name"`
	Tries       int           `mapstructure:"tries"`
	TTR         time.Duration `mapstructure:"ttr"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Lmstfy      LmstfyConfig  `mapstructure:"lmstfy"`
}

type LmstfyConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ReconciliationConfig struct {
	// AsyncThreshold is the line-item count at which checks are deferred.
	AsyncThreshold int `mapstructure:"async_threshold"`
	// TraceLimit caps the employees traced in a report.
	TraceLimit int `mapstructure:"trace_limit"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

// =============================================================================
// LOADING
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.path", "./payroll-recon.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_retries", 0)
	v.SetDefault("redis.lock_backoff", 100*time.Millisecond)

	v.SetDefault("queue.driver", string(QueueMemory))
	v.SetDefault("queue.name", "reconciliation")
	v.SetDefault("queue.tries", 3)
	v.SetDefault("queue.ttr", 10*time.Minute)
	v.SetDefault("queue.poll_timeout", 5*time.Second)
	v.SetDefault("queue.lmstfy.host", "")
	v.SetDefault("queue.lmstfy.port", 7777)
	v.SetDefault("queue.lmstfy.namespace", "")
	v.SetDefault("queue.lmstfy.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("reconciliation.async_threshold", 50000)
	v.SetDefault("reconciliation.trace_limit", 10)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.job_timeout", 10*time.Minute)

	v.SetDefault("tenants_file", "")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, _ := load(viper.New(), "")
	return cfg
}

// Load reads configuration. path may be empty to use defaults and
// environment only. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	cfg.Queue.Driver = QueueDriver(strings.ToLower(string(cfg.Queue.Driver)))
	return &cfg, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Queue.Driver {
	case QueueMemory:
	case QueueLmstfy:
		if c.Queue.Lmstfy.Host == "" || c.Queue.Lmstfy.Namespace == "" {
			return fmt.Errorf("queue.lmstfy.host and queue.lmstfy.namespace are required for the lmstfy driver")
		}
	default:
		return fmt.Errorf("queue.driver must be memory or lmstfy, got %q", c.Queue.Driver)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.Tries < 1 {
		return fmt.Errorf("queue.tries must be at least 1")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Reconciliation.AsyncThreshold <= 0 {
		return fmt.Errorf("reconciliation.async_threshold must be positive")
	}
	if c.Reconciliation.TraceLimit < 0 {
		return fmt.Errorf("reconciliation.trace_limit must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if err := c.DetectionConfig().Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	return nil
}

// DetectionConfig is the detection defaults with the detection section applied.
func (c *Config) DetectionConfig() detection.Config {
	return detection.DefaultConfig().Apply(&c.Detection)
}
