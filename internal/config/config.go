// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/xmlfetch/internal/feedauth"
)

// Worker modes.
const (
	ModeInproc  = "inproc"  // worker runs on goroutines in this process
	ModeProcess = "process" // worker runs as a child process over stdio
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Worker    WorkerConfig    `yaml:"worker"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Feeds     []FeedEntry     `yaml:"feeds"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CacheConfig holds fetched document cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	APIKeys         []string      `yaml:"api_keys"` // empty leaves /v1 open
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN       string        `yaml:"dsn"`       // file path or ":memory:"
	Retention time.Duration `yaml:"retention"` // snapshots older than this are pruned; 0 keeps all
}

// WorkerConfig controls how fetch workers run and how often feeds refresh.
type WorkerConfig struct {
	Mode         string        `yaml:"mode"`          // "inproc" or "process"
	Command      string        `yaml:"command"`       // worker binary for process mode; defaults to this executable
	CallTimeout  time.Duration `yaml:"call_timeout"`  // 0 = wait for response, close or fault
	PollInterval time.Duration `yaml:"poll_interval"` // 0 disables background polling
	DNSRefresh   time.Duration `yaml:"dns_refresh"`
}

// BreakerConfig tunes the per-feed circuit breaker.
type BreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"` // error rate that opens the circuit
	MinSamples     int           `yaml:"min_samples"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// FeedEntry is a feed definition in the config file.
type FeedEntry struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Auth      *feedauth.Params  `yaml:"auth"`
	TimeoutMs int               `yaml:"timeout_ms"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`  // overrides cache.default_ttl
	RateLimit int64             `yaml:"rate_limit"` // upstream fetches per minute; 0 = unlimited
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:       "xmlfetch.db",
			Retention: 7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    1_000,
			DefaultTTL: time.Minute,
		},
		Worker: WorkerConfig{
			Mode:         ModeInproc,
			PollInterval: 5 * time.Minute,
			DNSRefresh:   5 * time.Minute,
		},
		Breaker: BreakerConfig{
			ErrorThreshold: 0.5,
			MinSamples:     5,
			OpenTimeout:    30 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Errors for every bad feed are
// joined together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Worker.Mode {
	case ModeInproc, ModeProcess:
	default:
		errs = append(errs, fmt.Errorf("worker.mode: unknown mode %q", c.Worker.Mode))
	}

	for i, k := range c.Server.APIKeys {
		if envPattern.MatchString(k) {
			errs = append(errs, fmt.Errorf("server.api_keys[%d]: unexpanded variable", i))
		}
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("feeds[%d]: name is required", i))
			continue
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("feeds[%d]: duplicate name %q", i, f.Name))
		}
		seen[f.Name] = true
		if u, err := url.Parse(f.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("feed %q: invalid url %q", f.Name, f.URL))
		}
		if f.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("feed %q: rate_limit must not be negative", f.Name))
		}
		if err := f.Auth.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("feed %q: %w", f.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
