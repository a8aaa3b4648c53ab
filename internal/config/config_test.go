package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "repld.yaml", `
execution:
  python: python3.12
  default_timeout_seconds: 10
  max_timeout_seconds: 120
  max_per_session: 50
output:
  max_stream_chars: 8000
sessions:
  idle_eviction_seconds: 900
  max_resets: 3
http:
  enabled: true
  listen_addr: ":9090"
  rate_limit:
    requests_per_minute: 60
    burst_size: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Execution.Interpreter() != "python3.12" {
		t.Errorf("interpreter = %q", cfg.Execution.Interpreter())
	}
	if cfg.Execution.DefaultTimeout() != 10*time.Second {
		t.Errorf("default timeout = %v", cfg.Execution.DefaultTimeout())
	}
	if cfg.Execution.MaxTimeout() != 2*time.Minute {
		t.Errorf("max timeout = %v", cfg.Execution.MaxTimeout())
	}
	if cfg.Output.StreamLimit() != 8000 {
		t.Errorf("stream limit = %d", cfg.Output.StreamLimit())
	}
	if cfg.Sessions.IdleEviction() != 15*time.Minute {
		t.Errorf("idle eviction = %v", cfg.Sessions.IdleEviction())
	}
	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		t.Fatal("http gateway should be enabled")
	}
	if cfg.HTTP.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.HTTP.Addr())
	}
	if cfg.HTTP.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("rate limit = %d", cfg.HTTP.RateLimit.RequestsPerMinute)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "repld.json", `{
  "execution": {"default_timeout_seconds": 15},
  "sessions": {"small_file_threshold_bytes": 1000}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Execution.DefaultTimeout() != 15*time.Second {
		t.Errorf("default timeout = %v", cfg.Execution.DefaultTimeout())
	}
	if cfg.Sessions.SmallFileThreshold() != 1000 {
		t.Errorf("small file threshold = %d", cfg.Sessions.SmallFileThreshold())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault error: %v", err)
	}
	if cfg.Execution.Interpreter() != "python3" {
		t.Errorf("interpreter = %q, want python3", cfg.Execution.Interpreter())
	}
	if cfg.Execution.DefaultTimeout() != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.Execution.DefaultTimeout())
	}
	if cfg.Output.StreamLimit() != 10000 {
		t.Errorf("stream limit = %d, want 10000", cfg.Output.StreamLimit())
	}
	if cfg.Sessions.IdleEviction() != 0 {
		t.Errorf("idle eviction = %v, want disabled", cfg.Sessions.IdleEviction())
	}
	if cfg.HTTP != nil {
		t.Error("http gateway should default to off")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REPLD_PYTHON", "/opt/python/bin/python3")
	t.Setenv("REPLD_HTTP_ADDR", ":7070")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Execution.Interpreter() != "/opt/python/bin/python3" {
		t.Errorf("interpreter = %q", cfg.Execution.Interpreter())
	}
	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		t.Fatal("REPLD_HTTP_ADDR should enable the gateway")
	}
	if cfg.HTTP.Addr() != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.HTTP.Addr())
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "negative timeout",
			cfg:     Config{Execution: ExecutionConfig{DefaultTimeoutSeconds: -1}},
			wantErr: "default_timeout_seconds",
		},
		{
			name:    "default exceeds max",
			cfg:     Config{Execution: ExecutionConfig{DefaultTimeoutSeconds: 120, MaxTimeoutSeconds: 60}},
			wantErr: "exceeds",
		},
		{
			name:    "negative stream chars",
			cfg:     Config{Output: OutputConfig{MaxStreamChars: -1}},
			wantErr: "max_stream_chars",
		},
		{
			name: "tracing without endpoint",
			cfg: Config{Observability: &ObservabilityConfig{
				Tracing: &TracingConfig{Enabled: true},
			}},
			wantErr: "endpoint",
		},
		{
			name: "bad tracing protocol",
			cfg: Config{Observability: &ObservabilityConfig{
				Tracing: &TracingConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "thrift"},
			}},
			wantErr: "protocol",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := Config{
		Execution: ExecutionConfig{DefaultTimeoutSeconds: 30, MaxTimeoutSeconds: 300},
		Observability: &ObservabilityConfig{
			Metrics: &MetricsConfig{Enabled: true},
			Tracing: &TracingConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "grpc"},
		},
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate() = %v, want nil", err)
	}
}

func TestResolvePath_Tilde(t *testing.T) {
	got, err := resolvePath("~/x/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	home, _ := os.UserHomeDir()
	if got != filepath.Join(home, "x", "config.yaml") {
		t.Errorf("resolvePath = %q", got)
	}
}
