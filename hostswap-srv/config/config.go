package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
)

// Built-in defaults, used key-by-key wherever the config file is silent.
const (
	DefaultPort       = 8888
	DefaultTargetHost = "claude.ai"
	DefaultSourceHost = "api.anthropic.com"
	DefaultLogLevel   = "info"
	DefaultTimeoutMs  = 30000
	DefaultUserAgent  = "Claude-Proxy/1.0"

	// ListenHost is the only interface the proxy ever binds to.
	ListenHost = "127.0.0.1"
)

// ErrInvalidConfig is returned when a loaded configuration cannot be used to start a proxy.
var ErrInvalidConfig = errors.New("invalid configuration")

// StatisticsConfig selects the statistics backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string

	// FlushIntervalMs batches writes in memory and flushes them at this
	// interval. Zero writes synchronously.
	FlushIntervalMs int
}

// Config represents the configuration of one proxy instance. It is treated as
// immutable once the proxy has been constructed.
type Config struct {
	Port       int    // Loopback port to listen on
	TargetHost string // Host that SourceHost traffic is redirected to
	SourceHost string // Host whose traffic gets redirected
	LogLevel   string // Advisory only
	TimeoutMs  int    // Per-attempt upstream timeout in milliseconds
	UserAgent  string // User-Agent sent on redirected requests

	SanitizeAllResponses bool   // Strip Set-Cookie/Server from pass-through responses too
	UpstreamProxy        string // Optional socks5:// or http:// proxy for upstream dials
	MetricsAddress       string // Optional address for the Prometheus endpoint

	Statistics StatisticsConfig
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:       DefaultPort,
		TargetHost: DefaultTargetHost,
		SourceHost: DefaultSourceHost,
		LogLevel:   DefaultLogLevel,
		TimeoutMs:  DefaultTimeoutMs,
		UserAgent:  DefaultUserAgent,
		Statistics: StatisticsConfig{
			Backend:    "sqlite",
			SQLitePath: "hostswap_stats.db",
		},
	}
}

// Timeout returns TimeoutMs as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ListenAddress returns the loopback address the proxy binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(ListenHost, strconv.Itoa(c.Port))
}

// Validate reports whether the configuration can be used to start a proxy.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidConfig, c.Port)
	}
	if strings.TrimSpace(c.TargetHost) == "" {
		return fmt.Errorf("%w: targetHost must not be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.SourceHost) == "" {
		return fmt.Errorf("%w: sourceHost must not be empty", ErrInvalidConfig)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %d", ErrInvalidConfig, c.TimeoutMs)
	}
	if c.UpstreamProxy != "" {
		if _, err := ParseUpstreamProxy(c.UpstreamProxy); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Statistics.FlushIntervalMs < 0 {
		return fmt.Errorf("%w: statistics.flushInterval must not be negative", ErrInvalidConfig)
	}
	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "sqlite", "", "dummy":
		case "postgres":
			if c.Statistics.PostgresDSN == "" {
				return fmt.Errorf("%w: statistics.postgresDsn is required for the postgres backend", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unsupported statistics backend %q", ErrInvalidConfig, c.Statistics.Backend)
		}
	}
	return nil
}

// LoadConfig builds a configuration from the built-in defaults, the optional
// config file at configPath (.json or .hcl) and HOSTSWAP_* environment variables,
// in that order. A missing, unreadable or malformed file is not fatal: its values
// are ignored and the defaults stay in place. The result is validated.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		var load func(string, *Config) error
		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			load = loadJSONConfig
		case ".hcl":
			load = loadHCLConfig
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		// Decode into a copy so a file that fails halfway leaves no partial values.
		fileCfg := *cfg
		err := load(configPath, &fileCfg)
		switch {
		case err == nil:
			cfg = &fileCfg
			logger.Debug("Loaded configuration file %s", configPath)
		case errors.Is(err, os.ErrNotExist):
			logger.Info("Config file %s not found, using defaults", configPath)
		default:
			logger.Warn("Failed to load config file %s, using defaults: %v", configPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		logger.Warn("Ignoring environment overrides: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyMap(data, cfg)
}

// applyMap merges the recognised keys of data into cfg. Unknown keys are ignored.
func applyMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "port", &cfg.Port); err != nil {
		return err
	}
	if err := setField(data, "targetHost", &cfg.TargetHost); err != nil {
		return err
	}
	if err := setField(data, "sourceHost", &cfg.SourceHost); err != nil {
		return err
	}
	if err := setField(data, "logLevel", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setField(data, "timeout", &cfg.TimeoutMs); err != nil {
		return err
	}
	if err := setField(data, "userAgent", &cfg.UserAgent); err != nil {
		return err
	}
	if err := setField(data, "sanitizeAllResponses", &cfg.SanitizeAllResponses); err != nil {
		return err
	}
	if err := setField(data, "upstreamProxy", &cfg.UpstreamProxy); err != nil {
		return err
	}
	if err := setField(data, "metricsAddress", &cfg.MetricsAddress); err != nil {
		return err
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setField(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "sqlitePath", &cfg.Statistics.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "postgresDsn", &cfg.Statistics.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setField(statsMap, "flushInterval", &cfg.Statistics.FlushIntervalMs); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}
	return nil
}

// setField assigns data[key] to dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists || val == nil {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
