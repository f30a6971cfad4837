// Package config loads gate settings from an optional TOML file overlaid
// with environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bethel-nz/corsgate/internal/cors"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = "CORSGATE_CONFIG"

// Config holds everything the gate process needs.
type Config struct {
	AllowedDomains string `koanf:"allowed_domains"`
	AllowedHeaders string `koanf:"allowed_headers"`
	AllowedMethods string `koanf:"allowed_methods"`
	MaxAge         int    `koanf:"max_age"`
	HealthPath     string `koanf:"health_path"`

	UpstreamHost     string        `koanf:"upstream_host"`
	UpstreamPort     int           `koanf:"upstream_port"`
	UpstreamScheme   string        `koanf:"upstream_scheme"`
	UpstreamTimeout  time.Duration `koanf:"upstream_timeout"`
	UpstreamInsecure bool          `koanf:"upstream_insecure"`

	SecurityHeaders bool   `koanf:"security_headers"`
	LogLevel        string `koanf:"log_level"`
}

// envKeys maps environment variables onto config keys.
var envKeys = map[string]string{
	"ALLOWED_DOMAINS":   "allowed_domains",
	"ALLOWED_HEADERS":   "allowed_headers",
	"ALLOWED_METHODS":   "allowed_methods",
	"CORS_MAX_AGE":      "max_age",
	"HEALTH_PATH":       "health_path",
	"UPSTREAM_HOST":     "upstream_host",
	"UPSTREAM_PORT":     "upstream_port",
	"UPSTREAM_SCHEME":   "upstream_scheme",
	"UPSTREAM_TIMEOUT":  "upstream_timeout",
	"UPSTREAM_INSECURE": "upstream_insecure",
	"SECURITY_HEADERS":  "security_headers",
	"LOG_LEVEL":         "log_level",
}

var defaults = map[string]interface{}{
	"max_age":           cors.DefaultMaxAge,
	"health_path":       cors.DefaultHealthPath,
	"upstream_port":     80,
	"upstream_scheme":   "http",
	"upstream_timeout":  "60s",
	"upstream_insecure": false,
	"security_headers":  false,
	"log_level":         "info",
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}
	for env, key := range envKeys {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path resolves the config file location from the flag value or
// CORSGATE_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigFile)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AllowedDomains) == "" {
		return &cors.ConfigError{Key: "ALLOWED_DOMAINS", Reason: "required"}
	}
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return &cors.ConfigError{Key: "UPSTREAM_HOST", Reason: "required"}
	}
	if strings.Contains(c.UpstreamHost, "://") {
		return &cors.ConfigError{Key: "UPSTREAM_HOST", Value: c.UpstreamHost, Reason: "must be a host name, not a URL"}
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > 65535 {
		return &cors.ConfigError{Key: "UPSTREAM_PORT", Value: fmt.Sprint(c.UpstreamPort), Reason: "out of range"}
	}
	c.UpstreamScheme = strings.ToLower(c.UpstreamScheme)
	if c.UpstreamScheme != "http" && c.UpstreamScheme != "https" {
		return &cors.ConfigError{Key: "UPSTREAM_SCHEME", Value: c.UpstreamScheme, Reason: "must be http or https"}
	}
	if c.UpstreamTimeout <= 0 {
		return &cors.ConfigError{Key: "UPSTREAM_TIMEOUT", Value: c.UpstreamTimeout.String(), Reason: "must be positive"}
	}
	return nil
}

// CORS returns the engine settings carried by c.
func (c *Config) CORS() cors.Settings {
	maxAge := c.MaxAge
	return cors.Settings{
		AllowedDomains: c.AllowedDomains,
		AllowedMethods: c.AllowedMethods,
		AllowedHeaders: c.AllowedHeaders,
		MaxAge:         &maxAge,
		HealthPath:     c.HealthPath,
	}
}

// UpstreamURL renders the forwarder target.
func (c *Config) UpstreamURL() string {
	return fmt.Sprintf("%s://%s:%d", c.UpstreamScheme, c.UpstreamHost, c.UpstreamPort)
}

// Watch re-runs Load whenever the file at path changes and hands every
// valid result to onChange. Invalid reloads are logged and skipped.
// Watching stops when done is closed.
func Watch(path string, logger *zap.Logger, done <-chan struct{}, onChange func(*Config)) error {
	f := file.Provider(path)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.Error("config watch error", zap.Error(err))
			return
		}
		logger.Info("config changed, reloading", zap.String("path", path))
		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload rejected, keeping previous", zap.Error(err))
			return
		}
		onChange(cfg)
	})
	if err != nil {
		return fmt.Errorf("cannot watch config file %s: %w", path, err)
	}
	go func() {
		<-done
		_ = f.Unwatch()
	}()
	return nil
}
