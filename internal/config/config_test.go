package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/blobfetch/pkg/dispatch"
	"github.com/Sternrassler/blobfetch/pkg/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Listen != "0.0.0.0:8080" {
		t.Errorf("expected default listen 0.0.0.0:8080, got %s", cfg.Listen)
	}
	if cfg.Targets != "blobs.txt" {
		t.Errorf("expected default targets blobs.txt, got %s", cfg.Targets)
	}
	if cfg.Workers != 50 {
		t.Errorf("expected default workers 50, got %d", cfg.Workers)
	}
	if cfg.Strategy != "cursor" {
		t.Errorf("expected default strategy cursor, got %s", cfg.Strategy)
	}
	if cfg.StorageURL != "https://storage.googleapis.com" {
		t.Errorf("unexpected default storage url %s", cfg.StorageURL)
	}
	if cfg.MetadataURL != "http://metadata.google.internal" {
		t.Errorf("unexpected default metadata url %s", cfg.MetadataURL)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("expected report store disabled by default, got %s", cfg.RedisAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
listen: 127.0.0.1:9090
targets: gs://bench-config#lists/blobs.txt
workers: 8
strategy: pool
fetch_timeout: 5s
token_timeout: 2s
log_level: debug
redis_addr: localhost:6379
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9090" {
		t.Errorf("expected listen 127.0.0.1:9090, got %s", cfg.Listen)
	}
	if cfg.Targets != "gs://bench-config#lists/blobs.txt" {
		t.Errorf("unexpected targets %s", cfg.Targets)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected workers 8, got %d", cfg.Workers)
	}
	if cfg.Strategy != "pool" {
		t.Errorf("expected strategy pool, got %s", cfg.Strategy)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("expected fetch timeout 5s, got %v", cfg.FetchTimeout)
	}
	if cfg.TokenTimeout != 2*time.Second {
		t.Errorf("expected token timeout 2s, got %v", cfg.TokenTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.RedisAddr)
	}
	// Unset keys keep defaults.
	if cfg.StorageURL != Default().StorageURL {
		t.Errorf("expected default storage url, got %s", cfg.StorageURL)
	}
	if cfg.ReportRetention != 100 {
		t.Errorf("expected default report retention 100, got %d", cfg.ReportRetention)
	}
}

func TestLoadFromYAML_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	badDuration := filepath.Join(tmpDir, "bad.yaml")
	os.WriteFile(badDuration, []byte("fetch_timeout: soon\n"), 0644)
	if _, err := LoadFromFile(badDuration); err == nil || !strings.Contains(err.Error(), "fetch_timeout") {
		t.Errorf("expected fetch_timeout parse error, got %v", err)
	}

	badYAML := filepath.Join(tmpDir, "broken.yaml")
	os.WriteFile(badYAML, []byte("workers: [1, 2\n"), 0644)
	if _, err := LoadFromFile(badYAML); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
}

func TestLoadFromEnv(t *testing.T) {
	env := map[string]string{
		"BLOBFETCH_WORKERS":       "12",
		"BLOBFETCH_STRATEGY":      "future",
		"BLOBFETCH_STORAGE_URL":   "http://localhost:4443",
		"BLOBFETCH_FETCH_TIMEOUT": "750ms",
		"BLOBFETCH_LOG_PRETTY":    "1",
		"BLOBFETCH_TARGETS":       "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.loadFromLookup(lookup); err != nil {
		t.Fatalf("loadFromLookup: %v", err)
	}

	if cfg.Workers != 12 {
		t.Errorf("expected workers 12, got %d", cfg.Workers)
	}
	if cfg.Strategy != "future" {
		t.Errorf("expected strategy future, got %s", cfg.Strategy)
	}
	if cfg.StorageURL != "http://localhost:4443" {
		t.Errorf("unexpected storage url %s", cfg.StorageURL)
	}
	if cfg.FetchTimeout != 750*time.Millisecond {
		t.Errorf("expected fetch timeout 750ms, got %v", cfg.FetchTimeout)
	}
	if !cfg.LogPretty {
		t.Error("expected pretty logging")
	}
	// Empty variables are ignored.
	if cfg.Targets != "blobs.txt" {
		t.Errorf("expected default targets, got %s", cfg.Targets)
	}
}

func TestLoadFromEnv_Process(t *testing.T) {
	t.Setenv("BLOBFETCH_LISTEN", ":9999")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("expected listen :9999, got %s", cfg.Listen)
	}
}

func TestLoadFromEnv_InvalidNumber(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "BLOBFETCH_WORKERS" {
			return "many", true
		}
		return "", false
	}

	cfg := Default()
	err := cfg.loadFromLookup(lookup)
	if err == nil || !strings.Contains(err.Error(), "BLOBFETCH_WORKERS") {
		t.Errorf("expected BLOBFETCH_WORKERS parse error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("BLOBFETCH_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("BLOBFETCH_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "absent.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("BLOBFETCH_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers must be positive"},
		{"unknown strategy", func(c *Config) { c.Strategy = "threads" }, "unknown dispatch strategy"},
		{"relative storage url", func(c *Config) { c.StorageURL = "/storage" }, "storage_url must be an absolute http(s) url"},
		{"missing metadata url", func(c *Config) { c.MetadataURL = "" }, "metadata_url is required"},
		{"zero fetch timeout", func(c *Config) { c.FetchTimeout = 0 }, "fetch_timeout must be positive"},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }, `unknown log_level "chatty"`},
		{"negative retention", func(c *Config) { c.ReportRetention = -1 }, "report_retention must not be negative"},
		{"missing targets", func(c *Config) { c.Targets = "" }, "targets source is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Workers = -1
	cfg.TokenTimeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "workers") || !strings.Contains(err.Error(), "token_timeout") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	merged := base.Merge(Config{Workers: 3, LogPretty: true})

	if merged.Workers != 3 {
		t.Errorf("expected workers 3, got %d", merged.Workers)
	}
	if !merged.LogPretty {
		t.Error("expected pretty logging")
	}
	if merged.Listen != base.Listen {
		t.Errorf("zero override should keep listen %s, got %s", base.Listen, merged.Listen)
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Workers = 200
	cfg.Strategy = "future"
	cfg.StorageURL = "http://localhost:4443/"
	cfg.LogLevel = "warn"

	fc := cfg.FetchConfig()
	if fc.BaseURL != "http://localhost:4443" {
		t.Errorf("expected trimmed base url, got %s", fc.BaseURL)
	}
	if fc.MaxIdleConnsPerHost != 200 {
		t.Errorf("expected idle conns to follow workers, got %d", fc.MaxIdleConnsPerHost)
	}

	tc := cfg.TokenConfig()
	if tc.BaseURL != "http://metadata.google.internal" || tc.Timeout != cfg.TokenTimeout {
		t.Errorf("unexpected token config %+v", tc)
	}

	dc, err := cfg.DispatchConfig()
	if err != nil {
		t.Fatalf("DispatchConfig: %v", err)
	}
	if dc.Workers != 200 || dc.Strategy != dispatch.StrategyFuture {
		t.Errorf("unexpected dispatch config %+v", dc)
	}

	lc := cfg.LoggingConfig()
	if lc.Level != logging.LevelWarn {
		t.Errorf("expected warn level, got %s", lc.Level)
	}
}
