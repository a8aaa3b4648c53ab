// Package config handles loading and validating repld configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for repld.
type Config struct {
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Output        OutputConfig         `json:"output" yaml:"output"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = stdio only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ExecutionConfig bounds snippet execution.
type ExecutionConfig struct {
	Python                string `json:"python,omitempty" yaml:"python,omitempty"`         // Worker interpreter. Default: "python3". Override: REPLD_PYTHON env var.
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 30.
	MaxTimeoutSeconds     int    `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`   // Default: 300.
	MaxPerSession         int    `json:"max_per_session" yaml:"max_per_session"`           // Executions per session. 0 = unlimited.
}

// DefaultTimeout returns the default execution timeout with a default of 30s.
func (e *ExecutionConfig) DefaultTimeout() time.Duration {
	if e != nil && e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxTimeout returns the timeout ceiling with a default of 5m.
func (e *ExecutionConfig) MaxTimeout() time.Duration {
	if e != nil && e.MaxTimeoutSeconds > 0 {
		return time.Duration(e.MaxTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Interpreter returns the worker binary with a default of "python3".
func (e *ExecutionConfig) Interpreter() string {
	if e != nil && e.Python != "" {
		return e.Python
	}
	return "python3"
}

// OutputConfig bounds captured output.
type OutputConfig struct {
	MaxStreamChars int `json:"max_stream_chars" yaml:"max_stream_chars"` // Per-stream limit. Default: 10000.
}

// StreamLimit returns the per-stream capture limit with a default of 10000.
func (o *OutputConfig) StreamLimit() int {
	if o != nil && o.MaxStreamChars > 0 {
		return o.MaxStreamChars
	}
	return 10000
}

// SessionsConfig controls session lifecycle.
type SessionsConfig struct {
	IdleEvictionSeconds     int `json:"idle_eviction_seconds" yaml:"idle_eviction_seconds"`         // 0 = eviction disabled.
	SweepIntervalSeconds    int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`       // Default: 60.
	MaxResets               int `json:"max_resets" yaml:"max_resets"`                               // Resets per session. 0 = unlimited.
	SmallFileThresholdBytes int `json:"small_file_threshold_bytes" yaml:"small_file_threshold_bytes"` // Default: 50000.
}

// IdleEviction returns the idle eviction window. 0 = disabled.
func (s *SessionsConfig) IdleEviction() time.Duration {
	if s != nil && s.IdleEvictionSeconds > 0 {
		return time.Duration(s.IdleEvictionSeconds) * time.Second
	}
	return 0
}

// SweepInterval returns the eviction sweep interval with a default of 60s.
func (s *SessionsConfig) SweepInterval() time.Duration {
	if s != nil && s.SweepIntervalSeconds > 0 {
		return time.Duration(s.SweepIntervalSeconds) * time.Second
	}
	return 60 * time.Second
}

// SmallFileThreshold returns the small-file note threshold with a default of 50000.
func (s *SessionsConfig) SmallFileThreshold() int {
	if s != nil && s.SmallFileThresholdBytes > 0 {
		return s.SmallFileThresholdBytes
	}
	return 50000
}

// HTTPConfig configures the optional HTTP API gateway.
type HTTPConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: REPLD_HTTP_ADDR env var.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-caller rate limiting for the HTTP gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "repld"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.repld/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/repld.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".repld", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config at path, falling back to built-in defaults
// when the file does not exist. The server is fully usable with no config
// file at all.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err == nil {
		if _, statErr := os.Stat(resolved); statErr == nil {
			return Load(path)
		}
	}
	cfg := &Config{}
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("REPLD_PYTHON"); env != "" {
		c.Execution.Python = env
	}
	if env := os.Getenv("REPLD_HTTP_ADDR"); env != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{Enabled: true}
		}
		c.HTTP.ListenAddr = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Execution.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("execution.default_timeout_seconds must not be negative")
	}
	if c.Execution.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("execution.max_timeout_seconds must not be negative")
	}
	if c.Execution.MaxTimeoutSeconds > 0 && c.Execution.DefaultTimeoutSeconds > c.Execution.MaxTimeoutSeconds {
		return fmt.Errorf("execution.default_timeout_seconds exceeds execution.max_timeout_seconds")
	}
	if c.Execution.MaxPerSession < 0 {
		return fmt.Errorf("execution.max_per_session must not be negative")
	}
	if c.Output.MaxStreamChars < 0 {
		return fmt.Errorf("output.max_stream_chars must not be negative")
	}
	if c.Sessions.MaxResets < 0 {
		return fmt.Errorf("sessions.max_resets must not be negative")
	}
	if c.Sessions.IdleEvictionSeconds < 0 {
		return fmt.Errorf("sessions.idle_eviction_seconds must not be negative")
	}
	if c.HTTP != nil && c.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("http.rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}
