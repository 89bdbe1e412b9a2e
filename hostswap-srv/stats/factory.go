package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/config"
)

// DefaultSQLitePath is used when the sqlite backend has no path configured.
const DefaultSQLitePath = "hostswap_stats.db"

// CreateCollector creates a statistics collector based on the provided
// configuration. A positive flush interval wraps it in a BufferedCollector.
func CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "sqlite", "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = DefaultSQLitePath
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgresDsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		collector = NewDummyCollector()
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}
	if cfg.FlushIntervalMs > 0 && cfg.Backend != "dummy" {
		return NewBufferedCollector(collector, time.Duration(cfg.FlushIntervalMs)*time.Millisecond), nil
	}
	return collector, nil
}
