// Package config provides configuration management for the ingest pipeline
// services.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.groundswell/config.yaml, /etc/groundswell/config.yaml)
//  3. .env files
//  4. Environment variables (prefix INGEST_)
//
// Environment variables use underscores for nested keys:
//   - INGEST_DATABASE_URL=postgresql://localhost:5432/ingest
//   - INGEST_WORKER_MAX_CONCURRENT=10
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name used in logs and queue consumer tags
	Name string `mapstructure:"name"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig contains PostgreSQL connection settings for the state
// repository.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string
	URL string `mapstructure:"url"`

	// MaxConnections is the maximum size of the pgx connection pool
	MaxConnections int `mapstructure:"max_connections"`
}

// CacheConfig contains Redis connection settings for the per-run cache.
type CacheConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string `mapstructure:"url"`

	// TTL is the default expiry applied to cache entries
	TTL time.Duration `mapstructure:"ttl"`
}

// QueueConfig contains the SQS connection and queue attributes shared by the
// three stage queues.
type QueueConfig struct {
	// Endpoint overrides the SQS endpoint (for ElasticMQ/LocalStack);
	// empty means the real AWS endpoint for the region
	Endpoint string `mapstructure:"endpoint"`

	// Region is the AWS region
	Region string `mapstructure:"region"`

	// AccessKey and SecretKey are static credentials; when empty the
	// default AWS credential chain is used
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// RunQueue, StreamQueue and DataQueue are the FIFO queue names,
	// one per pipeline stage
	RunQueue    string `mapstructure:"run_queue"`
	StreamQueue string `mapstructure:"stream_queue"`
	DataQueue   string `mapstructure:"data_queue"`

	// VisibilityTimeout is the processing deadline in seconds; a message
	// not deleted within it becomes visible again
	VisibilityTimeout int `mapstructure:"visibility_timeout"`

	// WaitTimeSeconds is the long-poll duration for receives
	WaitTimeSeconds int `mapstructure:"wait_time_seconds"`

	// RetentionSeconds is how long undelivered messages are kept
	RetentionSeconds int `mapstructure:"retention_seconds"`

	// DeliveryDelay is the default per-queue delivery delay in seconds
	DeliveryDelay int `mapstructure:"delivery_delay"`
}

// WorkerConfig contains the execution policy for the stage workers.
type WorkerConfig struct {
	// MaxStreamRetries is the retry budget for a stream before it and its
	// run are marked errored
	MaxStreamRetries int `mapstructure:"max_stream_retries"`

	// MaxDataRetries is the retry budget for a data record
	MaxDataRetries int `mapstructure:"max_data_retries"`

	// MaxConcurrent caps in-flight message processing per worker process
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// RetryBackoff is the linear backoff unit between stream retries;
	// attempt n is delayed by n * RetryBackoff
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// SweepInterval is how often the sweeper promotes delayed work and
	// finalizes finished runs
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration for pipeline services.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "INGEST" -> "INGEST_DATABASE_URL").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard pipeline defaults. This should be
// called before Load().
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "ingest")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("database.url", "postgresql://localhost:5432/ingest?sslmode=disable")
	l.v.SetDefault("database.max_connections", 10)

	l.v.SetDefault("cache.url", "redis://localhost:6379/0")
	l.v.SetDefault("cache.ttl", "2h")

	l.v.SetDefault("queue.endpoint", "")
	l.v.SetDefault("queue.region", "us-east-1")
	l.v.SetDefault("queue.access_key", "")
	l.v.SetDefault("queue.secret_key", "")
	l.v.SetDefault("queue.run_queue", "integration-runs.fifo")
	l.v.SetDefault("queue.stream_queue", "integration-streams.fifo")
	l.v.SetDefault("queue.data_queue", "integration-data.fifo")
	l.v.SetDefault("queue.visibility_timeout", 600)
	l.v.SetDefault("queue.wait_time_seconds", 10)
	l.v.SetDefault("queue.retention_seconds", 345600)
	l.v.SetDefault("queue.delivery_delay", 0)

	l.v.SetDefault("worker.max_stream_retries", 5)
	l.v.SetDefault("worker.max_data_retries", 5)
	l.v.SetDefault("worker.max_concurrent", 5)
	l.v.SetDefault("worker.retry_backoff", "15m")
	l.v.SetDefault("worker.sweep_interval", "30s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.groundswell")
		l.v.AddConfigPath("/etc/groundswell")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the pipeline configuration with standard defaults.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be at least 1: %d", cfg.Worker.MaxConcurrent)
	}
	if cfg.Worker.MaxStreamRetries < 0 || cfg.Worker.MaxDataRetries < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	if cfg.Queue.RunQueue == "" || cfg.Queue.StreamQueue == "" || cfg.Queue.DataQueue == "" {
		return fmt.Errorf("all three stage queue names are required")
	}
	return nil
}
