package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

type hclStatistics struct {
	Enabled       *bool   `hcl:"enabled,optional"`
	Backend       *string `hcl:"backend,optional"`
	SQLitePath    *string `hcl:"sqlitePath,optional"`
	PostgresDSN   *string `hcl:"postgresDsn,optional"`
	FlushInterval *int    `hcl:"flushInterval,optional"`
}

type hclConfig struct {
	Port                 *int           `hcl:"port,optional"`
	TargetHost           *string        `hcl:"targetHost,optional"`
	SourceHost           *string        `hcl:"sourceHost,optional"`
	LogLevel             *string        `hcl:"logLevel,optional"`
	Timeout              *int           `hcl:"timeout,optional"`
	UserAgent            *string        `hcl:"userAgent,optional"`
	SanitizeAllResponses *bool          `hcl:"sanitizeAllResponses,optional"`
	UpstreamProxy        *string        `hcl:"upstreamProxy,optional"`
	MetricsAddress       *string        `hcl:"metricsAddress,optional"`
	Statistics           *hclStatistics `hcl:"statistics,block"`
	Remain               hcl.Body       `hcl:",remain"`
}

// loadHCLConfig decodes an HCL config file. Expressions may reference the
// process environment as env.NAME, e.g. targetHost = env.HOSTSWAP_TARGET.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	var raw hclConfig
	if diags := gohcl.DecodeBody(file.Body, envEvalContext(), &raw); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	assign(raw.Port, &cfg.Port)
	assign(raw.TargetHost, &cfg.TargetHost)
	assign(raw.SourceHost, &cfg.SourceHost)
	assign(raw.LogLevel, &cfg.LogLevel)
	assign(raw.Timeout, &cfg.TimeoutMs)
	assign(raw.UserAgent, &cfg.UserAgent)
	assign(raw.SanitizeAllResponses, &cfg.SanitizeAllResponses)
	assign(raw.UpstreamProxy, &cfg.UpstreamProxy)
	assign(raw.MetricsAddress, &cfg.MetricsAddress)
	if raw.Statistics != nil {
		assign(raw.Statistics.Enabled, &cfg.Statistics.Enabled)
		assign(raw.Statistics.Backend, &cfg.Statistics.Backend)
		assign(raw.Statistics.SQLitePath, &cfg.Statistics.SQLitePath)
		assign(raw.Statistics.PostgresDSN, &cfg.Statistics.PostgresDSN)
		assign(raw.Statistics.FlushInterval, &cfg.Statistics.FlushIntervalMs)
	}
	return nil
}

func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func assign[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}
