// Package config provides YAML configuration loading for the scheduler and
// worker processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadOrDefault and for fields left empty in the file.
const (
	DefaultQueueProvider     = "gochannel"
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = "30s"
	DefaultReconcileSchedule = "@every 30s"
)

var supportedQueueProviders = []string{"gochannel", "kafka"}

// Config is the structure of the taskd.yaml file.
type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Retry     RetryConfig     `yaml:"retry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// PayloadSchema is an optional path to a JSON schema applied to opaque
	// payloads at the submit endpoint.
	PayloadSchema string `yaml:"payload_schema"`
}

// QueueConfig selects the run-queue transport.
type QueueConfig struct {
	Provider string `yaml:"provider"`
}

// RedisConfig configures the optional task metadata mirror. An empty address
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RetryConfig is the dispatch retry policy.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"`
}

// ReconcileConfig schedules the pass that re-admits executions stuck after
// enqueue transport failures.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule"`
}

// Load reads and validates configuration from a YAML file.
func Load(filepath string) (Config, error) {
	data, err := os.ReadFile(filepath) // #nosec G304 -- path comes from the operator's CLI flag
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var config Config

	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	err = Validate(config)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// LoadOrDefault attempts to load configuration from a file, falling back to
// the defaults if the file doesn't exist or is invalid.
func LoadOrDefault(filepath string) Config {
	config, err := Load(filepath)
	if err != nil {
		config = Config{}
		config.applyDefaults()
	}

	return config
}

// Validate checks the configuration for consistency.
func Validate(config Config) error {
	supported := false

	for _, provider := range supportedQueueProviders {
		if config.Queue.Provider == provider {
			supported = true

			break
		}
	}

	if !supported {
		return fmt.Errorf("queue.provider must be one of %v, got %q", supportedQueueProviders, config.Queue.Provider)
	}

	if config.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative, got %d", config.Retry.MaxRetries)
	}

	_, err := time.ParseDuration(config.Retry.Backoff)
	if err != nil {
		return fmt.Errorf("retry.backoff is not a valid duration: %w", err)
	}

	if config.Reconcile.Schedule == "" {
		return fmt.Errorf("reconcile.schedule is required")
	}

	if config.PayloadSchema != "" {
		if _, err := os.Stat(config.PayloadSchema); err != nil {
			return fmt.Errorf("payload_schema file not accessible: %w", err)
		}
	}

	return nil
}

// RetryBackoff returns the parsed retry backoff. Validate guarantees the
// value parses.
func (c Config) RetryBackoff() time.Duration {
	backoff, err := time.ParseDuration(c.Retry.Backoff)
	if err != nil {
		backoff, _ = time.ParseDuration(DefaultRetryBackoff)
	}

	return backoff
}

func (c *Config) applyDefaults() {
	if c.Queue.Provider == "" {
		c.Queue.Provider = DefaultQueueProvider
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}

	if c.Retry.Backoff == "" {
		c.Retry.Backoff = DefaultRetryBackoff
	}

	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = DefaultReconcileSchedule
	}
}
