// Package config loads the proxy configuration from YAML with environment
// overrides, falling back to built-in defaults when no file exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 8765
	defaultRequestTimeout = 300
	defaultRateLimit      = 60
	defaultConcurrency    = 4
	defaultDatabasePath   = "qcproxy.db"
)

// Config is the resolved runtime configuration.
type Config struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`

	// RequestTimeoutSeconds bounds non-streaming upstream calls.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// RateLimitPerMinute is the per-client request budget on the chat route.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// MaxConcurrency caps chat requests in flight at once.
	MaxConcurrency int `yaml:"max_concurrency"`

	SupportedModels []string `yaml:"supported_models"`
	DefaultModel    string   `yaml:"default_model"`

	// APIKey protects the /v1 routes when set. Empty means open access,
	// the usual single-user localhost setup.
	APIKey string `yaml:"api_key"`

	// CredentialsFile overrides ~/.qwen/oauth_creds.json when set.
	CredentialsFile string `yaml:"credentials_file"`
	LogFile         string `yaml:"log_file"`

	Monitor MonitorConfig `yaml:"monitor"`
}

type MonitorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                  defaultHost,
		Port:                  defaultPort,
		RequestTimeoutSeconds: defaultRequestTimeout,
		RateLimitPerMinute:    defaultRateLimit,
		MaxConcurrency:        defaultConcurrency,
		SupportedModels:       []string{"qwen3-coder-plus", "qwen3-coder-flash"},
		DefaultModel:          "qwen3-coder-plus",
		Monitor: MonitorConfig{
			Enabled:      true,
			DatabasePath: defaultDatabasePath,
		},
	}
}

// Load reads the configuration from path, or from the first candidate
// location when path is empty. A missing file yields the defaults; an
// unparsable one is an error. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = resolveConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequestTimeout returns the upstream deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SupportsModel reports whether model is in the supported list.
func (c *Config) SupportsModel(model string) bool {
	for _, m := range c.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if len(c.SupportedModels) == 0 {
		return fmt.Errorf("supported_models must not be empty")
	}
	if c.DefaultModel != "" && !c.SupportsModel(c.DefaultModel) {
		return fmt.Errorf("default_model %q is not in supported_models", c.DefaultModel)
	}
	return nil
}

func resolveConfigPath() string {
	if explicit := strings.TrimSpace(os.Getenv("QCPROXY_CONFIG")); explicit != "" {
		return explicit
	}

	candidates := []string{
		"qcproxy.yaml",
		"./config/qcproxy.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "qcproxy", "config.yaml"),
			filepath.Join(homeDir, ".qwen", "qcproxy.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("QWEN_CODE_PROXY_DEBUG")); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("QCPROXY_API_KEY")); v != "" {
		cfg.APIKey = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
