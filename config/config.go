// Package config loads service configuration. Defaults are production
// ready; a JSON file overrides defaults and environment variables override
// the file, so deployments can inject secrets without touching config
// files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/broadcast"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/gateway"
	"github.com/WOULDU-pres/sauron-backend-sub002/queue"
	"github.com/WOULDU-pres/sauron-backend-sub002/ratelimit"
	"github.com/WOULDU-pres/sauron-backend-sub002/worker"
)

// Environment variable names. These override any file-provided values.
const (
	EnvNATSURL      = "SAURON_NATS_URL"
	EnvNATSUser     = "SAURON_NATS_USER"
	EnvNATSPassword = "SAURON_NATS_PASSWORD"
	EnvNATSToken    = "SAURON_NATS_TOKEN"
	EnvOpenAIKey    = "SAURON_OPENAI_API_KEY"
	EnvOpenAIBase   = "SAURON_OPENAI_BASE_URL"
	EnvOpenAIModel  = "SAURON_OPENAI_MODEL"
	EnvGatewayPort  = "SAURON_GATEWAY_PORT"
	EnvMetricsPort  = "SAURON_METRICS_PORT"
	EnvLogLevel     = "SAURON_LOG_LEVEL"
	EnvLogFormat    = "SAURON_LOG_FORMAT"
)

// NATSConfig is the connection configuration for the NATS server
type NATSConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// BucketsConfig names the KV buckets backing counters and results
type BucketsConfig struct {
	RateLimit string        `json:"rateLimit"`
	Results   string        `json:"results"`
	ResultTTL time.Duration `json:"resultTtl"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// Config is the full service configuration
type Config struct {
	Log       LogConfig             `json:"log"`
	NATS      NATSConfig            `json:"nats"`
	Buckets   BucketsConfig         `json:"buckets"`
	Metrics   MetricsConfig         `json:"metrics"`
	Queue     queue.Config          `json:"queue"`
	RateLimit ratelimit.Config      `json:"rateLimit"`
	Worker    worker.Config         `json:"worker"`
	Broadcast broadcast.Config      `json:"broadcast"`
	Gateway   gateway.Config        `json:"gateway"`
	Analysis  analysis.OpenAIConfig `json:"analysis"`
}

// Default returns the baseline configuration
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "json"},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
		Buckets: BucketsConfig{
			RateLimit: "screening-ratelimit",
			Results:   "screening-results",
			ResultTTL: 7 * 24 * time.Hour,
		},
		Metrics:   MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Queue:     queue.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Analysis: analysis.OpenAIConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Config", "Load", "parse config file")
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(EnvNATSUser); v != "" {
		cfg.NATS.Username = v
	}
	if v := os.Getenv(EnvNATSPassword); v != "" {
		cfg.NATS.Password = v
	}
	if v := os.Getenv(EnvNATSToken); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		cfg.Analysis.APIKey = v
	}
	if v := os.Getenv(EnvOpenAIBase); v != "" {
		cfg.Analysis.BaseURL = v
	}
	if v := os.Getenv(EnvOpenAIModel); v != "" {
		cfg.Analysis.Model = v
	}
	if v := os.Getenv(EnvGatewayPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv(EnvMetricsPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
}

// Validate checks the whole configuration
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check NATS URL")
	}
	if c.Buckets.RateLimit == "" || c.Buckets.Results == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "check bucket names")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"Config", "Validate", "check log level")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"Config", "Validate", "check log format")
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if err := c.Broadcast.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	// Analysis credentials are checked at analyzer construction, not here:
	// the worker may run against a mock endpoint in development
	return nil
}
