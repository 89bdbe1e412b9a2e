package config

import (
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. HOSTSWAP_PORT.
const EnvPrefix = "HOSTSWAP_"

// envOverrides only holds values that are actually set in the environment.
type envOverrides struct {
	Port                 *int    `env:"PORT"`
	TargetHost           *string `env:"TARGET_HOST"`
	SourceHost           *string `env:"SOURCE_HOST"`
	LogLevel             *string `env:"LOG_LEVEL"`
	Timeout              *int    `env:"TIMEOUT"`
	UserAgent            *string `env:"USER_AGENT"`
	SanitizeAllResponses *bool   `env:"SANITIZE_ALL_RESPONSES"`
	UpstreamProxy        *string `env:"UPSTREAM_PROXY"`
	MetricsAddress       *string `env:"METRICS_ADDRESS"`

	StatsEnabled     *bool   `env:"STATS_ENABLED"`
	StatsBackend     *string `env:"STATS_BACKEND"`
	StatsSQLitePath  *string `env:"STATS_SQLITE_PATH"`
	StatsPostgresDSN *string `env:"STATS_POSTGRES_DSN"`
	StatsFlushMs     *int    `env:"STATS_FLUSH_INTERVAL"`
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}

	assign(o.Port, &cfg.Port)
	assign(o.TargetHost, &cfg.TargetHost)
	assign(o.SourceHost, &cfg.SourceHost)
	assign(o.LogLevel, &cfg.LogLevel)
	assign(o.Timeout, &cfg.TimeoutMs)
	assign(o.UserAgent, &cfg.UserAgent)
	assign(o.SanitizeAllResponses, &cfg.SanitizeAllResponses)
	assign(o.UpstreamProxy, &cfg.UpstreamProxy)
	assign(o.MetricsAddress, &cfg.MetricsAddress)
	assign(o.StatsEnabled, &cfg.Statistics.Enabled)
	assign(o.StatsBackend, &cfg.Statistics.Backend)
	assign(o.StatsSQLitePath, &cfg.Statistics.SQLitePath)
	assign(o.StatsPostgresDSN, &cfg.Statistics.PostgresDSN)
	assign(o.StatsFlushMs, &cfg.Statistics.FlushIntervalMs)
	return nil
}
