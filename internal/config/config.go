package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the fraud monitor.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sampler SamplerConfig `yaml:"sampler"`
	Source  SourceConfig  `yaml:"source"`
	Logging LoggingConfig `yaml:"logging"`
	Publish PublishConfig `yaml:"publish"`
	Display DisplayConfig `yaml:"display"`
}

// ServerConfig controls the gRPC and HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// HTTPRateLimit caps snapshot requests per second; zero disables it.
	HTTPRateLimit float64 `yaml:"httpRateLimit"`
	HTTPRateBurst int     `yaml:"httpRateBurst"`
}

// SamplerConfig controls the polling cadence.
type SamplerConfig struct {
	IntervalMs   int           `yaml:"intervalMs"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
}

// Interval returns the configured cadence as a duration.
func (s SamplerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// SourceConfig configures the scoring backend. An empty BaseURL selects the
// built-in synthetic source.
type SourceConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	BatchPath string        `yaml:"batchPath"`
	BatchSize int           `yaml:"batchSize"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Publish backends.
const (
	PublishBackendValkey = "valkey"
	PublishBackendMemory = "memory"
)

// PublishConfig controls mirroring of the live view into a key/value store.
// The memory backend keeps the view in process; valkey falls back to it when
// the server cannot be reached at startup.
type PublishConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	Key          string        `yaml:"key"`
	TTL          time.Duration `yaml:"ttl"`
}

// DisplayConfig toggles the terminal scoreboard.
type DisplayConfig struct {
	Terminal bool `yaml:"terminal"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FRAUD_MONITOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the sampler cannot run with.
func (c *Config) Validate() error {
	if c.Sampler.IntervalMs <= 0 {
		return fmt.Errorf("sampler.intervalMs must be positive, got %d", c.Sampler.IntervalMs)
	}
	if c.Sampler.FetchTimeout < 0 {
		return fmt.Errorf("sampler.fetchTimeout must not be negative")
	}
	if c.Source.BatchSize <= 0 {
		return fmt.Errorf("source.batchSize must be positive, got %d", c.Source.BatchSize)
	}
	if c.Server.HTTPRateLimit < 0 || (c.Server.HTTPRateLimit > 0 && c.Server.HTTPRateBurst <= 0) {
		return fmt.Errorf("server.httpRateLimit must be >= 0 with a positive httpRateBurst")
	}
	switch c.Publish.Backend {
	case PublishBackendValkey, PublishBackendMemory:
	default:
		return fmt.Errorf("publish.backend must be %q or %q, got %q", PublishBackendValkey, PublishBackendMemory, c.Publish.Backend)
	}
	if c.Publish.Enabled && c.Publish.Backend == PublishBackendValkey && c.Publish.Addr == "" {
		return fmt.Errorf("publish.addr is required for the valkey backend")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			HTTPAddress:     ":2113",
			GracefulTimeout: 10 * time.Second,
			HTTPRateLimit:   20,
			HTTPRateBurst:   40,
		},
		Sampler: SamplerConfig{
			IntervalMs:   5000,
			FetchTimeout: 4 * time.Second,
		},
		Source: SourceConfig{
			BatchPath: "/api/v1/scoring/batch",
			BatchSize: 5,
			Timeout:   5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Publish: PublishConfig{
			Backend:      PublishBackendValkey,
			Key:          "fraud-monitor:view:current",
			TTL:          15 * time.Second,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FRAUD_MONITOR_GRPC_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FRAUD_MONITOR_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("FRAUD_MONITOR_HTTP_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.HTTPRateLimit = rps
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Sampler.IntervalMs = ms
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sampler.FetchTimeout = d
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_SOURCE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("FRAUD_MONITOR_SOURCE_BATCH_PATH"); v != "" {
		cfg.Source.BatchPath = v
	}
	if v := os.Getenv("FRAUD_MONITOR_SOURCE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.BatchSize = n
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_SOURCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.Timeout = d
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FRAUD_MONITOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_ENABLED"); v != "" {
		cfg.Publish.Enabled = isTrue(v)
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_BACKEND"); v != "" {
		cfg.Publish.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_ADDR"); v != "" {
		cfg.Publish.Addr = v
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_USERNAME"); v != "" {
		cfg.Publish.Username = v
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_PASSWORD"); v != "" {
		cfg.Publish.Password = v
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Publish.DB = db
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_TLS"); isTrue(v) {
		cfg.Publish.TLS = true
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_KEY"); v != "" {
		cfg.Publish.Key = v
	}
	if v := os.Getenv("FRAUD_MONITOR_PUBLISH_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Publish.TTL = d
		}
	}
	if v := os.Getenv("FRAUD_MONITOR_DISPLAY_TERMINAL"); v != "" {
		cfg.Display.Terminal = isTrue(v)
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
