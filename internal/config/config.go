// Package config loads blobfetch configuration.
//
// Sources are applied in order, later ones winning: Default, a YAML file,
// BLOBFETCH_* environment variables (optionally seeded from .env files), and
// finally command-line flags via Merge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/blobfetch/pkg/dispatch"
	"github.com/Sternrassler/blobfetch/pkg/fetch"
	"github.com/Sternrassler/blobfetch/pkg/logging"
	"github.com/Sternrassler/blobfetch/pkg/token"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "BLOBFETCH_"

// Config defines configuration for the blobfetch service.
type Config struct {
	Listen          string        `yaml:"listen"`
	Targets         string        `yaml:"targets"`
	Workers         int           `yaml:"workers"`
	Strategy        string        `yaml:"strategy"`
	StorageURL      string        `yaml:"storage_url"`
	MetadataURL     string        `yaml:"metadata_url"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	TokenTimeout    time.Duration `yaml:"token_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogPretty       bool          `yaml:"log_pretty"`
	RedisAddr       string        `yaml:"redis_addr"`
	ReportRetention int           `yaml:"report_retention"`
}

// Default returns a Config with the service defaults.
func Default() Config {
	fetchDefaults := fetch.DefaultConfig()
	tokenDefaults := token.DefaultConfig()

	return Config{
		Listen:          "0.0.0.0:8080",
		Targets:         "blobs.txt",
		Workers:         50,
		Strategy:        string(dispatch.StrategyCursor),
		StorageURL:      fetchDefaults.BaseURL,
		MetadataURL:     tokenDefaults.BaseURL,
		FetchTimeout:    fetchDefaults.Timeout,
		TokenTimeout:    tokenDefaults.Timeout,
		LogLevel:        string(logging.LevelInfo),
		ReportRetention: 100,
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Listen          string `yaml:"listen"`
	Targets         string `yaml:"targets"`
	Workers         int    `yaml:"workers"`
	Strategy        string `yaml:"strategy"`
	StorageURL      string `yaml:"storage_url"`
	MetadataURL     string `yaml:"metadata_url"`
	FetchTimeout    string `yaml:"fetch_timeout"`
	TokenTimeout    string `yaml:"token_timeout"`
	LogLevel        string `yaml:"log_level"`
	LogPretty       bool   `yaml:"log_pretty"`
	RedisAddr       string `yaml:"redis_addr"`
	ReportRetention int    `yaml:"report_retention"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		Listen:          yc.Listen,
		Targets:         yc.Targets,
		Workers:         yc.Workers,
		Strategy:        yc.Strategy,
		StorageURL:      yc.StorageURL,
		MetadataURL:     yc.MetadataURL,
		LogLevel:        yc.LogLevel,
		LogPretty:       yc.LogPretty,
		RedisAddr:       yc.RedisAddr,
		ReportRetention: yc.ReportRetention,
	}
	if yc.FetchTimeout != "" {
		d, err := time.ParseDuration(yc.FetchTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse fetch_timeout: %w", err)
		}
		override.FetchTimeout = d
	}
	if yc.TokenTimeout != "" {
		d, err := time.ParseDuration(yc.TokenTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse token_timeout: %w", err)
		}
		override.TokenTimeout = d
	}

	return Default().Merge(override), nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the BLOBFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	return c.loadFromLookup(os.LookupEnv)
}

func (c *Config) loadFromLookup(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := get("TARGETS"); ok {
		c.Targets = v
	}
	if v, ok := get("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	if v, ok := get("STRATEGY"); ok {
		c.Strategy = v
	}
	if v, ok := get("STORAGE_URL"); ok {
		c.StorageURL = v
	}
	if v, ok := get("METADATA_URL"); ok {
		c.MetadataURL = v
	}
	if v, ok := get("FETCH_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sFETCH_TIMEOUT: %w", EnvPrefix, err)
		}
		c.FetchTimeout = d
	}
	if v, ok := get("TOKEN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sTOKEN_TIMEOUT: %w", EnvPrefix, err)
		}
		c.TokenTimeout = d
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("LOG_PRETTY"); ok {
		c.LogPretty = v == "true" || v == "1"
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	if v, ok := get("REPORT_RETENTION"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sREPORT_RETENTION: %w", EnvPrefix, err)
		}
		c.ReportRetention = n
	}

	return nil
}

// Validate validates the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("config: listen address is required"))
	}
	if c.Targets == "" {
		errs = append(errs, errors.New("config: targets source is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("config: workers must be positive"))
	}
	if _, err := dispatch.ParseStrategy(c.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := validateURL("storage_url", c.StorageURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("metadata_url", c.MetadataURL); err != nil {
		errs = append(errs, err)
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("config: fetch_timeout must be positive"))
	}
	if c.TokenTimeout <= 0 {
		errs = append(errs, errors.New("config: token_timeout must be positive"))
	}
	if !logging.ValidLevel(logging.LogLevel(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("config: unknown log_level %q", c.LogLevel))
	}
	if c.ReportRetention < 0 {
		errs = append(errs, errors.New("config: report_retention must not be negative"))
	}

	return errors.Join(errs...)
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("config: %s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: %s must be an absolute http(s) url (got %q)", name, raw)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Listen != "" {
		c.Listen = override.Listen
	}
	if override.Targets != "" {
		c.Targets = override.Targets
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Strategy != "" {
		c.Strategy = override.Strategy
	}
	if override.StorageURL != "" {
		c.StorageURL = override.StorageURL
	}
	if override.MetadataURL != "" {
		c.MetadataURL = override.MetadataURL
	}
	if override.FetchTimeout != 0 {
		c.FetchTimeout = override.FetchTimeout
	}
	if override.TokenTimeout != 0 {
		c.TokenTimeout = override.TokenTimeout
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.LogPretty {
		c.LogPretty = override.LogPretty
	}
	if override.RedisAddr != "" {
		c.RedisAddr = override.RedisAddr
	}
	if override.ReportRetention != 0 {
		c.ReportRetention = override.ReportRetention
	}
	return c
}

// FetchConfig returns the blob fetcher configuration.
func (c Config) FetchConfig() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.BaseURL = strings.TrimRight(c.StorageURL, "/")
	cfg.Timeout = c.FetchTimeout
	if c.Workers > cfg.MaxIdleConnsPerHost {
		cfg.MaxIdleConnsPerHost = c.Workers
	}
	return cfg
}

// TokenConfig returns the metadata token provider configuration.
func (c Config) TokenConfig() token.Config {
	cfg := token.DefaultConfig()
	cfg.BaseURL = strings.TrimRight(c.MetadataURL, "/")
	cfg.Timeout = c.TokenTimeout
	return cfg
}

// DispatchConfig returns the dispatcher configuration.
func (c Config) DispatchConfig() (dispatch.Config, error) {
	strategy, err := dispatch.ParseStrategy(c.Strategy)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Workers: c.Workers, Strategy: strategy}, nil
}

// LoggingConfig returns the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
